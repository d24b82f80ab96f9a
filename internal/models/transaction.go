// internal/models/transaction.go
package models

import "time"

// Transaction record statuses. A record is immutable once it reaches a
// terminal status.
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

// TransactionRecord is one audit entry for a submitted ledger operation.
// History is append-only and bounded to the most recent N entries per
// account.
type TransactionRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	TokenSymbol string    `json:"tokenSymbol"`
	GasPayment  string    `json:"gasPayment,omitempty"`
	TxHash      string    `json:"txHash"`
	Network     string    `json:"network"`
	Status      string    `json:"status"`
}

// IsTerminal reports whether the record can no longer change.
func (r TransactionRecord) IsTerminal() bool {
	return r.Status == TxStatusSuccess || r.Status == TxStatusFailed
}
