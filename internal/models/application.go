// internal/models/application.go
package models

import (
	"time"

	"poolguarantee/internal/stage"
)

// Role identifies one of the four lifecycle parties.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleFinancier Role = "financier"
	RoleLogistics Role = "logistics"
)

// Buyer carries the buyer company details captured at application time.
type Buyer struct {
	Company         string `json:"company"`
	Registration    string `json:"registration"`
	Country         string `json:"country"`
	Contact         string `json:"contact"`
	Email           string `json:"email"`
	WalletAddress   string `json:"walletAddress"`
	ApplicationDate string `json:"applicationDate"`
}

// Seller identifies the counterparty receiving the guarantee draft.
type Seller struct {
	WalletAddress string `json:"walletAddress"`
	DisplayName   string `json:"displayName,omitempty"`
	Email         string `json:"email,omitempty"`
}

// ProofOfShipment is the evidence attached when goods are confirmed shipped.
type ProofOfShipment struct {
	TrackingNumber string   `json:"trackingNumber"`
	Carrier        string   `json:"carrier"`
	ShippingDate   string   `json:"shippingDate"`
	Documents      []string `json:"documents,omitempty"`
}

// Application represents one buyer-initiated guarantee request.
//
// CurrentStage never decreases except through the explicit rejection
// transition to Terminated, and GuaranteeAmount never exceeds TradeValue.
// Only the ledger adapter writes stage advances.
type Application struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`

	Buyer  Buyer  `json:"buyer"`
	Seller Seller `json:"seller"`

	TradeDescription      string `json:"tradeDescription"`
	TradeValue            string `json:"tradeValue"`
	GuaranteeAmount       string `json:"guaranteeAmount"`
	CollateralDescription string `json:"collateralDescription,omitempty"`
	CollateralValue       string `json:"collateralValue,omitempty"`
	FinancingDuration     int    `json:"financingDuration"` // days
	ContractNumber        string `json:"contractNumber,omitempty"`
	PaymentDueDate        string `json:"paymentDueDate,omitempty"`
	IssuanceFee           string `json:"issuanceFee,omitempty"`

	CurrentStage stage.Stage `json:"currentStage"`
	Status       string      `json:"status"`
	IsDraft      bool        `json:"isDraft"`
	LastUpdated  time.Time   `json:"lastUpdated"`

	Proof                 *ProofOfShipment `json:"proofOfShipment,omitempty"`
	DeliveryAgreementID   string           `json:"deliveryAgreementId,omitempty"`
	DeliveryConfirmedDate string           `json:"deliveryConfirmedDate,omitempty"`
}
