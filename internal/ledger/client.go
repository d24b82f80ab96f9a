// internal/ledger/client.go
package ledger

import (
	"context"
	"time"
)

// OperationKind names the ledger operations the lifecycle can submit. Each
// stage transition maps to exactly one kind.
type OperationKind string

const (
	OpCreateGuarantee         OperationKind = "create-guarantee"
	OpSendDraft               OperationKind = "send-draft"
	OpRecordVote              OperationKind = "record-vote"
	OpSellerApprove           OperationKind = "seller-approve"
	OpPoolApprove             OperationKind = "pool-approve"
	OpRejectDraft             OperationKind = "reject-draft"
	OpPayFee                  OperationKind = "pay-fee"
	OpIssueCertificate        OperationKind = "issue-certificate"
	OpConfirmShipment         OperationKind = "confirm-shipment"
	OpCreateDeliveryAgreement OperationKind = "create-delivery-agreement"
	OpBuyerConsentDelivery    OperationKind = "buyer-consent-delivery"
	OpReleasePayment          OperationKind = "release-payment"
	OpCloseGuarantee          OperationKind = "close-guarantee"
)

// Operation is one submission to the shared ledger.
type Operation struct {
	Kind      OperationKind          `json:"kind"`
	RequestID string                 `json:"requestId"`
	Actor     string                 `json:"actor"`
	Amount    string                 `json:"amount,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Handle identifies a submitted operation while confirmation is pending.
type Handle struct {
	OperationID string    `json:"operationId"`
	TxHash      string    `json:"txHash,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Status is the terminal state the ledger reports for an operation.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusTimedOut  Status = "timed_out"
)

// Resolution is the ledger's answer for a submitted operation.
type Resolution struct {
	Status     Status    `json:"status"`
	TxHash     string    `json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Client talks to the shared ledger gateway. Submit hands the operation off;
// Await blocks until the ledger resolves it or the await window elapses, in
// which case the resolution carries StatusTimedOut.
type Client interface {
	Submit(ctx context.Context, op Operation) (*Handle, error)
	Await(ctx context.Context, h *Handle) (*Resolution, error)
}
