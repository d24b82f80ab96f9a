// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolguarantee/internal/authz"
	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/ledger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/registry"
	"poolguarantee/internal/stage"
	"poolguarantee/internal/voting"
)

// confirmingClient confirms every submitted operation and records them.
type confirmingClient struct {
	submitted []ledger.Operation
}

func (c *confirmingClient) Submit(_ context.Context, op ledger.Operation) (*ledger.Handle, error) {
	c.submitted = append(c.submitted, op)
	return &ledger.Handle{OperationID: "op", SubmittedAt: time.Now()}, nil
}

func (c *confirmingClient) Await(_ context.Context, _ *ledger.Handle) (*ledger.Resolution, error) {
	return &ledger.Resolution{Status: ledger.StatusConfirmed, TxHash: "0xhash"}, nil
}

type recordingIndexer struct {
	indexed []models.Application
}

func (r *recordingIndexer) IndexApplication(_ context.Context, app models.Application) error {
	r.indexed = append(r.indexed, app)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	reg     *registry.Registry
	client  *confirmingClient
	indexer *recordingIndexer
}

func newFixture(t *testing.T, quorum int, pool ...string) *fixture {
	t.Helper()

	log := logger.NewTestLogger(t)
	reg := registry.New(registry.NewMemoryStore(), log)
	require.NoError(t, reg.SetAllowlist(context.Background(), pool))

	client := &confirmingClient{}
	adapter := ledger.NewAdapter(client, reg, log)
	votes := voting.NewService(reg, reg, quorum, log)
	indexer := &recordingIndexer{}

	orch := New(Deps{
		Registry: reg,
		Adapter:  adapter,
		Votes:    votes,
		Settlement: config.SettlementConfig{
			FeeRatePct:        "1",
			CollateralRatePct: "20",
			TokenSymbol:       "USDT",
		},
		Network: "poolnet",
		Indexer: indexer,
		Logger:  log,
	})
	return &fixture{orch: orch, reg: reg, client: client, indexer: indexer}
}

func submitPayloadFixture() map[string]interface{} {
	return map[string]interface{}{
		"buyer": map[string]interface{}{
			"company":       "Meridian Imports Ltd",
			"walletAddress": "0xbuyer",
			"email":         "ops@meridian.example",
		},
		"seller": map[string]interface{}{
			"walletAddress": "0xseller",
		},
		"tradeDescription":  "industrial pumps, 40ft container",
		"tradeValue":        "100000",
		"guaranteeAmount":   "50000",
		"financingDuration": 90,
	}
}

func (f *fixture) seedApplication(t *testing.T, requestID string, at stage.Stage) {
	t.Helper()

	app := models.Application{
		RequestID:       requestID,
		Buyer:           models.Buyer{Company: "Meridian Imports Ltd", WalletAddress: "0xbuyer"},
		Seller:          models.Seller{WalletAddress: "0xseller"},
		TradeValue:      "100000",
		GuaranteeAmount: "50000",
		IssuanceFee:     "500",
		CurrentStage:    at,
	}
	require.NoError(t, f.reg.CreateApplication(context.Background(), app))
}

func TestPerform_SubmitApplication(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	out, err := f.orch.Perform(ctx, models.RoleBuyer, authz.ActionSubmitApplication, "req-1", submitPayloadFixture())
	require.NoError(t, err)
	assert.Equal(t, stage.Applied, out.Stage)
	assert.Equal(t, "0xhash", out.TxHash)

	app, err := f.reg.GetApplication(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, stage.Applied, app.CurrentStage)
	assert.Equal(t, "500", app.IssuanceFee, "one percent of the guarantee amount")
	assert.Equal(t, "10000", app.CollateralValue)
	assert.True(t, app.IsDraft)

	require.Len(t, f.client.submitted, 1)
	assert.Equal(t, ledger.OpCreateGuarantee, f.client.submitted[0].Kind)
}

func TestPerform_SubmitApplication_GuaranteeExceedsTradeValue(t *testing.T) {
	f := newFixture(t, 1)

	payload := submitPayloadFixture()
	payload["guaranteeAmount"] = "100000.000001"

	_, err := f.orch.Perform(context.Background(), models.RoleBuyer, authz.ActionSubmitApplication, "req-2", payload)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNegativeBalance, errors.CodeOf(err))
	assert.Empty(t, f.client.submitted, "settlement failures never reach the ledger")
}

func TestPerform_SubmitApplication_DuplicateRequest(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.orch.Perform(ctx, models.RoleBuyer, authz.ActionSubmitApplication, "req-3", submitPayloadFixture())
	require.NoError(t, err)

	_, err = f.orch.Perform(ctx, models.RoleBuyer, authz.ActionSubmitApplication, "req-3", submitPayloadFixture())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicateRequest, errors.CodeOf(err))
	assert.Len(t, f.client.submitted, 1, "the replay is rejected before submission")
}

func TestPerform_DeniedActionNeverReachesLedger(t *testing.T) {
	f := newFixture(t, 1)
	f.seedApplication(t, "req-4", stage.DraftSent)

	// Fee payment requires the seller-approved stage.
	_, err := f.orch.Perform(context.Background(), models.RoleBuyer, authz.ActionPayFee, "req-4",
		map[string]interface{}{"payerAddress": "0xbuyer"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWrongStage, errors.CodeOf(err))
	assert.Empty(t, f.client.submitted)

	// The stage pointer did not move.
	app, err := f.reg.GetApplication(context.Background(), "req-4")
	require.NoError(t, err)
	assert.Equal(t, stage.DraftSent, app.CurrentStage)
}

func TestPerform_WrongRoleDenied(t *testing.T) {
	f := newFixture(t, 1)
	f.seedApplication(t, "req-5", stage.SellerApproved)

	_, err := f.orch.Perform(context.Background(), models.RoleSeller, authz.ActionPayFee, "req-5",
		map[string]interface{}{"payerAddress": "0xseller"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWrongRole, errors.CodeOf(err))
	assert.Empty(t, f.client.submitted)
}

func TestPerform_ValidationFailure(t *testing.T) {
	f := newFixture(t, 1, "0xf1")
	f.seedApplication(t, "req-6", stage.DraftSent)

	_, err := f.orch.Perform(context.Background(), models.RoleFinancier, authz.ActionCastVote, "req-6",
		map[string]interface{}{"voterAddress": "0xf1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
	assert.Empty(t, f.client.submitted)
}

func TestPerform_UnknownAction(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.orch.Perform(context.Background(), models.RoleBuyer, authz.Action("transfer-ownership"), "req-7", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownAction, errors.CodeOf(err))
}

// A full vote round: two approvals against one rejection reach quorum and
// bind, advancing the application and freezing the draft.
func TestPerform_VotingApprovesAtQuorum(t *testing.T) {
	f := newFixture(t, 3, "0xf1", "0xf2", "0xf3")
	ctx := context.Background()

	f.seedApplication(t, "req-8", stage.DraftSent)
	require.NoError(t, f.reg.PutDraft(ctx, models.DraftCertificate{
		RequestID:     "req-8",
		SellerAddress: "0xseller",
		Status:        models.DraftSentToSeller,
	}))

	vote := func(voter, decision string) (*Outcome, error) {
		return f.orch.Perform(ctx, models.RoleFinancier, authz.ActionCastVote, "req-8",
			map[string]interface{}{"voterAddress": voter, "decision": decision})
	}

	out, err := vote("0xf1", "approve")
	require.NoError(t, err)
	assert.Equal(t, stage.DraftSent, out.Stage, "below quorum nothing binds")
	assert.False(t, out.Votes.Closed)

	out, err = vote("0xf2", "reject")
	require.NoError(t, err)
	assert.False(t, out.Votes.Closed)

	out, err = vote("0xf3", "approve")
	require.NoError(t, err)
	require.True(t, out.Votes.Closed)
	assert.Equal(t, models.VoteApprove, out.Votes.Outcome)
	assert.Equal(t, stage.SellerApproved, out.Stage)

	app, err := f.reg.GetApplication(ctx, "req-8")
	require.NoError(t, err)
	assert.Equal(t, stage.SellerApproved, app.CurrentStage)

	draft, err := f.reg.GetDraft(ctx, "req-8")
	require.NoError(t, err)
	assert.True(t, draft.Approved)
	assert.Equal(t, models.DraftAwaitingFee, draft.Status)

	// Late vote against the closed round.
	_, err = vote("0xf1", "reject")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeVotingClosed, errors.CodeOf(err))
}

// Quorum two with three financiers: a rejection landing inside the first two
// votes produces a 1-1 tie, which must leave the round open so the third
// vote can decide it. The final outcome is the same for any arrival order.
func TestPerform_VoteTieAtQuorumStaysOpen(t *testing.T) {
	orders := [][2]string{
		{"approve", "reject"},
		{"reject", "approve"},
	}

	for _, order := range orders {
		f := newFixture(t, 2, "0xf1", "0xf2", "0xf3")
		ctx := context.Background()

		f.seedApplication(t, "req-14", stage.DraftSent)
		require.NoError(t, f.reg.PutDraft(ctx, models.DraftCertificate{
			RequestID:     "req-14",
			SellerAddress: "0xseller",
			Status:        models.DraftSentToSeller,
		}))

		vote := func(voter, decision string) (*Outcome, error) {
			return f.orch.Perform(ctx, models.RoleFinancier, authz.ActionCastVote, "req-14",
				map[string]interface{}{"voterAddress": voter, "decision": decision})
		}

		out, err := vote("0xf1", order[0])
		require.NoError(t, err)
		assert.False(t, out.Votes.Closed)

		out, err = vote("0xf2", order[1])
		require.NoError(t, err)
		assert.False(t, out.Votes.Closed, "order %v: the tie holds no majority", order)
		assert.Equal(t, stage.DraftSent, out.Stage)

		out, err = vote("0xf3", "approve")
		require.NoError(t, err, "order %v: the deciding financier still gets to vote", order)
		require.True(t, out.Votes.Closed)
		assert.Equal(t, models.VoteApprove, out.Votes.Outcome, "order %v", order)
		assert.Equal(t, stage.SellerApproved, out.Stage)

		app, err := f.reg.GetApplication(ctx, "req-14")
		require.NoError(t, err)
		assert.Equal(t, stage.SellerApproved, app.CurrentStage, "order %v", order)
	}
}

func TestPerform_VoteRejectionTerminates(t *testing.T) {
	f := newFixture(t, 1, "0xf1")
	ctx := context.Background()

	f.seedApplication(t, "req-9", stage.DraftSent)
	require.NoError(t, f.reg.PutDraft(ctx, models.DraftCertificate{
		RequestID: "req-9",
		Status:    models.DraftSentToSeller,
	}))

	out, err := f.orch.Perform(ctx, models.RoleFinancier, authz.ActionCastVote, "req-9",
		map[string]interface{}{"voterAddress": "0xf1", "decision": "reject"})
	require.NoError(t, err)
	assert.Equal(t, stage.Terminated, out.Stage)

	app, err := f.reg.GetApplication(ctx, "req-9")
	require.NoError(t, err)
	assert.Equal(t, stage.Terminated, app.CurrentStage)

	draft, err := f.reg.GetDraft(ctx, "req-9")
	require.NoError(t, err)
	assert.Equal(t, models.DraftRejectedByVote, draft.Status)

	require.Len(t, f.indexer.indexed, 1, "terminated applications are indexed")
	assert.Equal(t, "req-9", f.indexer.indexed[0].RequestID)
}

func TestPerform_VoteFromOutsiderDenied(t *testing.T) {
	f := newFixture(t, 1, "0xf1")
	f.seedApplication(t, "req-10", stage.DraftSent)

	_, err := f.orch.Perform(context.Background(), models.RoleFinancier, authz.ActionCastVote, "req-10",
		map[string]interface{}{"voterAddress": "0xoutsider", "decision": "approve"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotAllowlisted, errors.CodeOf(err))
	assert.Empty(t, f.client.submitted)
}

func TestPerform_SellerApproveThenPayFee(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.seedApplication(t, "req-11", stage.DraftSent)
	require.NoError(t, f.reg.PutDraft(ctx, models.DraftCertificate{
		RequestID: "req-11",
		Status:    models.DraftSentToSeller,
	}))

	out, err := f.orch.Perform(ctx, models.RoleSeller, authz.ActionApproveDraft, "req-11",
		map[string]interface{}{"sellerAddress": "0xseller"})
	require.NoError(t, err)
	assert.Equal(t, stage.SellerApproved, out.Stage)

	out, err = f.orch.Perform(ctx, models.RoleBuyer, authz.ActionPayFee, "req-11",
		map[string]interface{}{"payerAddress": "0xbuyer"})
	require.NoError(t, err)
	assert.Equal(t, stage.FeePaid, out.Stage)

	// Paying twice: the stage already moved on.
	_, err = f.orch.Perform(ctx, models.RoleBuyer, authz.ActionPayFee, "req-11",
		map[string]interface{}{"payerAddress": "0xbuyer"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyTransitioned, errors.CodeOf(err))
}

func TestPerform_SellerRejectDraft(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.seedApplication(t, "req-12", stage.DraftSent)
	require.NoError(t, f.reg.PutDraft(ctx, models.DraftCertificate{
		RequestID: "req-12",
		Status:    models.DraftSentToSeller,
	}))

	out, err := f.orch.Perform(ctx, models.RoleSeller, authz.ActionRejectDraft, "req-12",
		map[string]interface{}{"sellerAddress": "0xseller", "reason": "terms unacceptable"})
	require.NoError(t, err)
	assert.Equal(t, stage.Terminated, out.Stage)

	draft, err := f.reg.GetDraft(ctx, "req-12")
	require.NoError(t, err)
	assert.Equal(t, models.DraftRejectedBySeller, draft.Status)

	// Nothing works on a terminated application.
	_, err = f.orch.Perform(ctx, models.RoleBuyer, authz.ActionSendDraft, "req-12", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWrongStage, errors.CodeOf(err))
}

// stallingClient times out every Await until released, then confirms.
type stallingClient struct {
	confirmed bool
	submitted []ledger.Operation
}

func (c *stallingClient) Submit(_ context.Context, op ledger.Operation) (*ledger.Handle, error) {
	c.submitted = append(c.submitted, op)
	return &ledger.Handle{OperationID: "op-9", SubmittedAt: time.Now()}, nil
}

func (c *stallingClient) Await(_ context.Context, _ *ledger.Handle) (*ledger.Resolution, error) {
	if !c.confirmed {
		return &ledger.Resolution{Status: ledger.StatusTimedOut}, nil
	}
	return &ledger.Resolution{Status: ledger.StatusConfirmed, TxHash: "0xlate"}, nil
}

// A timed-out fee payment is parked with its operation id; once the ledger
// confirms late, Reconcile applies the transition exactly once.
func TestPerform_TimeoutThenReconcile(t *testing.T) {
	log := logger.NewTestLogger(t)
	reg := registry.New(registry.NewMemoryStore(), log)
	client := &stallingClient{}
	orch := New(Deps{
		Registry: reg,
		Adapter:  ledger.NewAdapter(client, reg, log),
		Votes:    voting.NewService(reg, reg, 1, log),
		Settlement: config.SettlementConfig{
			FeeRatePct:        "1",
			CollateralRatePct: "20",
			TokenSymbol:       "USDT",
		},
		Network: "poolnet",
		Logger:  log,
	})
	ctx := context.Background()

	require.NoError(t, reg.CreateApplication(ctx, models.Application{
		RequestID:       "req-15",
		Buyer:           models.Buyer{WalletAddress: "0xbuyer"},
		Seller:          models.Seller{WalletAddress: "0xseller"},
		TradeValue:      "100000",
		GuaranteeAmount: "50000",
		IssuanceFee:     "500",
		CurrentStage:    stage.SellerApproved,
	}))

	_, err := orch.Perform(ctx, models.RoleBuyer, authz.ActionPayFee, "req-15",
		map[string]interface{}{"payerAddress": "0xbuyer"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeLedgerTimedOut, errors.CodeOf(err))

	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, "op-9", stdErr.Metadata["operationId"])

	app, err := reg.GetApplication(ctx, "req-15")
	require.NoError(t, err)
	assert.Equal(t, stage.SellerApproved, app.CurrentStage, "no write before confirmation")

	// The ledger is still silent; the parked record survives the attempt.
	_, err = orch.Reconcile(ctx, "req-15")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeLedgerTimedOut, errors.CodeOf(err))

	client.confirmed = true
	out, err := orch.Reconcile(ctx, "req-15")
	require.NoError(t, err)
	assert.Equal(t, stage.FeePaid, out.Stage)
	assert.Equal(t, "0xlate", out.TxHash)

	app, err = reg.GetApplication(ctx, "req-15")
	require.NoError(t, err)
	assert.Equal(t, stage.FeePaid, app.CurrentStage)

	assert.Len(t, client.submitted, 1, "reconciliation never re-submits")

	// The parked record is consumed with the confirmation.
	_, err = orch.Reconcile(ctx, "req-15")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoPendingOperation, errors.CodeOf(err))
}

func TestPerform_EvidenceOperations(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.seedApplication(t, "req-13", stage.GoodsShipped)

	out, err := f.orch.Perform(ctx, models.RoleLogistics, authz.ActionCreateDeliveryAgreement, "req-13",
		map[string]interface{}{"actorAddress": "0xlogistics", "deliveryAgreementId": "da-77"})
	require.NoError(t, err)
	assert.Equal(t, stage.GoodsShipped, out.Stage, "delivery agreements do not move the stage")

	app, err := f.reg.GetApplication(ctx, "req-13")
	require.NoError(t, err)
	assert.Equal(t, "da-77", app.DeliveryAgreementID)
	assert.Equal(t, stage.GoodsShipped, app.CurrentStage)
}
