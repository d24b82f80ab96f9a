// internal/voting/voting.go
package voting

import (
	"context"
	"fmt"
	"time"

	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
)

// Allowlist answers whether a voter address belongs to the financier pool.
// The registry implements it.
type Allowlist interface {
	IsAllowlisted(ctx context.Context, address string) (bool, error)
}

// Ledger is the vote storage the service runs over. The registry implements
// it.
type Ledger interface {
	GetVoteLedger(ctx context.Context, requestID string) (models.VoteLedger, error)
	PutVoteLedger(ctx context.Context, ledger models.VoteLedger) error
}

// Result is the state of a vote round after a cast or a finalization check.
type Result struct {
	Approvals  int
	Rejections int
	Total      int
	Closed     bool
	Outcome    models.VoteDecision
}

// Service tallies financier votes on draft guarantees. The outcome depends
// only on the final vote set, never on arrival order: the round binds only
// once a quorum of cast votes holds a strict majority either way, so a tie
// at quorum stays open for further votes.
type Service struct {
	ledger    Ledger
	allowlist Allowlist
	quorum    int
	log       logger.Logger
}

func NewService(ledger Ledger, allowlist Allowlist, quorum int, log logger.Logger) *Service {
	if quorum < 1 {
		quorum = 1
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Service{ledger: ledger, allowlist: allowlist, quorum: quorum, log: log}
}

// Cast records one financier's decision. A repeat vote by the same address
// replaces the earlier one. Votes against a finalized round fail with
// VotingClosed; addresses outside the pool fail with NotAllowlisted.
func (s *Service) Cast(ctx context.Context, requestID, voterAddress string, decision models.VoteDecision) (Result, error) {
	allowed, err := s.allowlist.IsAllowlisted(ctx, voterAddress)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return Result{}, errors.NewNotAllowlistedError(voterAddress)
	}

	ledger, err := s.ledger.GetVoteLedger(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if ledger.Closed {
		return Result{}, errors.NewVotingClosedError(requestID)
	}

	ledger.Votes[voterAddress] = models.Vote{
		ApplicationID: requestID,
		VoterAddress:  voterAddress,
		Decision:      decision,
		Timestamp:     time.Now().UTC(),
	}

	if err := s.ledger.PutVoteLedger(ctx, ledger); err != nil {
		return Result{}, err
	}

	res := tally(ledger)
	s.log.Info("vote recorded", map[string]interface{}{
		"request_id": requestID,
		"voter":      voterAddress,
		"decision":   string(decision),
		"approvals":  res.Approvals,
		"rejections": res.Rejections,
	})
	return res, nil
}

// Tally returns the current standing without mutating the round.
func (s *Service) Tally(ctx context.Context, requestID string) (Result, error) {
	ledger, err := s.ledger.GetVoteLedger(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	res := tally(ledger)
	res.Closed = ledger.Closed
	if ledger.Closed {
		res.Outcome = ledger.Outcome
	}
	return res, nil
}

// Finalize closes the round once quorum is reached and one side holds a
// strict majority, returning the binding outcome. Below quorum, or on a tie,
// it is a no-op and Closed stays false. Finalizing an already-closed round
// returns the recorded outcome unchanged.
func (s *Service) Finalize(ctx context.Context, requestID string) (Result, error) {
	ledger, err := s.ledger.GetVoteLedger(ctx, requestID)
	if err != nil {
		return Result{}, err
	}

	if ledger.Closed {
		res := tally(ledger)
		res.Closed = true
		res.Outcome = ledger.Outcome
		return res, nil
	}

	res := tally(ledger)
	if res.Total < s.quorum {
		return res, nil
	}
	// A tie carries no majority; the round stays open until another vote,
	// or a changed vote, breaks it. Closing on a tie would make the outcome
	// depend on arrival order.
	if res.Approvals == res.Rejections {
		return res, nil
	}

	outcome := models.VoteReject
	if res.Approvals > res.Rejections {
		outcome = models.VoteApprove
	}

	ledger.Closed = true
	ledger.Outcome = outcome
	if err := s.ledger.PutVoteLedger(ctx, ledger); err != nil {
		return Result{}, err
	}

	res.Closed = true
	res.Outcome = outcome
	s.log.Info("vote round finalized", map[string]interface{}{
		"request_id": requestID,
		"outcome":    string(outcome),
		"approvals":  res.Approvals,
		"rejections": res.Rejections,
	})
	return res, nil
}

// ValidateAllowlist rejects a pool roster too small to ever reach quorum;
// installing one would leave every round permanently open.
func (s *Service) ValidateAllowlist(addresses []string) error {
	if len(addresses) < s.quorum {
		return errors.NewValidationFailedError(
			fmt.Sprintf("allowlist has %d members, quorum requires %d", len(addresses), s.quorum))
	}
	return nil
}

func tally(ledger models.VoteLedger) Result {
	res := Result{}
	for _, v := range ledger.Votes {
		switch v.Decision {
		case models.VoteApprove:
			res.Approvals++
		case models.VoteReject:
			res.Rejections++
		}
	}
	res.Total = res.Approvals + res.Rejections
	return res
}
