// internal/stage/stage.go
package stage

import "fmt"

// Stage is one of the ordered lifecycle states of a guarantee application.
// Stages only ever move forward by one, except for the rejection transition
// to Terminated, which is legal from stages 1-2 only (before the seller
// approval becomes binding).
type Stage int

const (
	// Terminated is the terminal state for applications rejected before
	// the seller approval became binding. It is not part of the ordered
	// stage sequence.
	Terminated Stage = 0

	Applied           Stage = 1
	DraftSent         Stage = 2
	SellerApproved    Stage = 3
	FeePaid           Stage = 4
	CertificateIssued Stage = 5
	GoodsShipped      Stage = 6
	DeliveryConfirmed Stage = 7
	PaymentComplete   Stage = 8
	Closed            Stage = 9
)

// First and Last bound the ordered stage sequence.
const (
	First = Applied
	Last  = Closed
)

var labels = map[Stage]string{
	Terminated:        "Terminated",
	Applied:           "Applied",
	DraftSent:         "Draft Sent",
	SellerApproved:    "Seller Approved",
	FeePaid:           "Fee Paid",
	CertificateIssued: "Certificate Issued",
	GoodsShipped:      "Goods Shipped",
	DeliveryConfirmed: "Delivery Confirmed",
	PaymentComplete:   "Payment Complete",
	Closed:            "Closed",
}

// Label returns the human-readable status label mirrored into
// Application.Status.
func (s Stage) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

func (s Stage) String() string {
	return s.Label()
}

// IsValid reports whether s is a known stage (including Terminated).
func (s Stage) IsValid() bool {
	_, ok := labels[s]
	return ok
}

// IsTerminal reports whether no further forward transition exists from s.
// PaymentComplete still admits the explicit archive transition to Closed.
func (s Stage) IsTerminal() bool {
	return s == Terminated || s == Closed
}

// ErrTerminalStage is returned by Next when called on a terminal stage.
type ErrTerminalStage struct {
	Stage Stage
}

func (e *ErrTerminalStage) Error() string {
	return fmt.Sprintf("stage %q is terminal", e.Stage.Label())
}

// Next returns the stage that follows s in the ordered sequence.
func Next(s Stage) (Stage, error) {
	if s.IsTerminal() || !s.IsValid() {
		return s, &ErrTerminalStage{Stage: s}
	}
	return s + 1, nil
}

// IsValidTransition reports whether from -> to is a legal transition.
// The only legal transitions are a single forward step, and the rejection
// transition to Terminated from stages 1-2.
func IsValidTransition(from, to Stage) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if to == Terminated {
		return from == Applied || from == DraftSent
	}
	if from.IsTerminal() {
		return false
	}
	return to == from+1
}
