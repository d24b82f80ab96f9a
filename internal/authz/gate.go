// internal/authz/gate.go
package authz

import (
	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/models"
	"poolguarantee/internal/stage"
)

// Action is a role-initiated lifecycle action.
type Action string

const (
	ActionSubmitApplication       Action = "submit-application"
	ActionSendDraft               Action = "send-draft"
	ActionCastVote                Action = "cast-vote"
	ActionApproveDraft            Action = "approve-draft"
	ActionRejectDraft             Action = "reject-draft"
	ActionPayFee                  Action = "pay-fee"
	ActionIssueCertificate        Action = "issue-certificate"
	ActionConfirmShipment         Action = "confirm-shipment"
	ActionCreateDeliveryAgreement Action = "create-delivery-agreement"
	ActionConfirmDelivery         Action = "confirm-delivery"
	ActionReleasePayment          Action = "release-payment"
	ActionCloseGuarantee          Action = "close-guarantee"
)

// rule declares which roles may perform an action, the stage the application
// must be at, and the stage the action targets. A zero Target means the
// action does not itself move the stage pointer (votes, delivery agreements).
type rule struct {
	Roles  []models.Role
	From   stage.Stage
	Target stage.Stage
}

// table is the declarative authorization table. It replaces per-screen role
// checks: every role action is gated here and nowhere else.
var table = map[Action]rule{
	// Creation has no stage precondition; the record does not exist yet.
	ActionSubmitApplication: {Roles: []models.Role{models.RoleBuyer}, From: 0, Target: stage.Applied},

	ActionSendDraft: {Roles: []models.Role{models.RoleBuyer}, From: stage.Applied, Target: stage.DraftSent},

	// Votes are accepted at stage 2 and do not themselves change the stage.
	ActionCastVote: {Roles: []models.Role{models.RoleFinancier}, From: stage.DraftSent},

	ActionApproveDraft: {Roles: []models.Role{models.RoleSeller}, From: stage.DraftSent, Target: stage.SellerApproved},
	ActionRejectDraft:  {Roles: []models.Role{models.RoleSeller}, From: stage.DraftSent, Target: stage.Terminated},

	ActionPayFee:           {Roles: []models.Role{models.RoleBuyer}, From: stage.SellerApproved, Target: stage.FeePaid},
	ActionIssueCertificate: {Roles: []models.Role{models.RoleFinancier}, From: stage.FeePaid, Target: stage.CertificateIssued},

	// Seller and logistics are mutually exclusive actors for the same
	// transition; whichever confirms first wins the compare-and-set.
	ActionConfirmShipment: {Roles: []models.Role{models.RoleSeller, models.RoleLogistics}, From: stage.CertificateIssued, Target: stage.GoodsShipped},

	ActionCreateDeliveryAgreement: {Roles: []models.Role{models.RoleLogistics}, From: stage.GoodsShipped},

	ActionConfirmDelivery: {Roles: []models.Role{models.RoleBuyer}, From: stage.GoodsShipped, Target: stage.DeliveryConfirmed},
	ActionReleasePayment:  {Roles: []models.Role{models.RoleBuyer}, From: stage.DeliveryConfirmed, Target: stage.PaymentComplete},
	ActionCloseGuarantee:  {Roles: []models.Role{models.RoleBuyer}, From: stage.PaymentComplete, Target: stage.Closed},
}

// Decision is the gate's answer plus the target stage for allowed actions.
type Decision struct {
	Allowed bool
	Target  stage.Stage
}

// Authorize checks (role, action, current stage) against the table. It is
// pure and stateless: it never reads the registry or the ledger.
func Authorize(role models.Role, action Action, current stage.Stage) (Decision, error) {
	r, ok := table[action]
	if !ok {
		return Decision{}, errors.NewUnknownActionError(string(action))
	}

	if !roleAllowed(r.Roles, role) {
		return Decision{}, errors.NewWrongRoleError(string(role), string(action))
	}

	if current == r.From {
		return Decision{Allowed: true, Target: r.Target}, nil
	}

	// Past the action's window: the transition already happened.
	if r.Target != stage.Terminated && r.Target != 0 && current >= r.Target && current != stage.Terminated {
		return Decision{}, errors.NewAlreadyTransitionedError(string(action), int(current))
	}

	return Decision{}, errors.NewWrongStageError(string(action), int(current), int(r.From))
}

// TargetStage returns the stage an action advances to, or 0 when the action
// does not move the stage pointer.
func TargetStage(action Action) stage.Stage {
	return table[action].Target
}

// RequiredStage returns the stage an action requires the application to be at.
func RequiredStage(action Action) stage.Stage {
	return table[action].From
}

// IsKnown reports whether the action exists in the lifecycle table.
func IsKnown(action Action) bool {
	_, ok := table[action]
	return ok
}

func roleAllowed(roles []models.Role, role models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
