// internal/models/draft.go
package models

import "time"

// DraftStatus is the seller-facing draft state, distinct from the
// application's numeric stage.
type DraftStatus string

const (
	DraftSentToSeller     DraftStatus = "SENT TO SELLER"
	DraftAwaitingFee      DraftStatus = "AWAITING FEE PAYMENT"
	DraftRejectedBySeller DraftStatus = "REJECTED"
	DraftRejectedByVote   DraftStatus = "REJECTED BY VOTE"
)

// DraftCertificate is the seller-facing projection of an Application at
// stage 2. It copies the commercial terms so the seller reviews a stable
// artifact; once approved it is frozen and never mutated again.
type DraftCertificate struct {
	RequestID string `json:"requestId"`

	SellerAddress    string `json:"sellerAddress"`
	BuyerCompany     string `json:"buyerCompany"`
	TradeDescription string `json:"tradeDescription"`
	TradeValue       string `json:"tradeValue"`
	GuaranteeAmount  string `json:"guaranteeAmount"`
	IssuanceFee      string `json:"issuanceFee"`
	ContractNumber   string `json:"contractNumber,omitempty"`

	Status    DraftStatus `json:"status"`
	Approved  bool        `json:"approved"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
