// internal/models/pending.go
package models

import (
	"time"

	"poolguarantee/internal/stage"
)

// PendingOperation is a ledger submission whose confirmation window elapsed
// with the outcome still unknown. The record keeps everything needed to
// re-await the same submission and apply a late confirmation; it is removed
// once a reconcile attempt observes a terminal resolution.
type PendingOperation struct {
	RequestID   string                 `json:"requestId"`
	OperationID string                 `json:"operationId"`
	Kind        string                 `json:"kind"`
	Actor       string                 `json:"actor,omitempty"`
	Amount      string                 `json:"amount,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	TxHash      string                 `json:"txHash,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`

	ExpectedFrom stage.Stage `json:"expectedFrom"`
	Target       stage.Stage `json:"target"`
}
