// internal/models/vote.go
package models

import "time"

// VoteDecision is a financier's approve/reject choice on a draft guarantee.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
)

// Vote is one financier's decision on an application. One vote per
// (applicationId, voterAddress) pair; a repeat vote replaces the prior one.
type Vote struct {
	ApplicationID string       `json:"applicationId"`
	VoterAddress  string       `json:"voterAddress"`
	Decision      VoteDecision `json:"decision"`
	Timestamp     time.Time    `json:"timestamp"`
}

// VoteLedger is the stored vote set for one application while it is at
// stage 2, plus the finalization flag that makes later votes fail.
type VoteLedger struct {
	ApplicationID string          `json:"applicationId"`
	Votes         map[string]Vote `json:"votes"` // keyed by voter address
	Closed        bool            `json:"closed"`
	Outcome       VoteDecision    `json:"outcome,omitempty"`
}
