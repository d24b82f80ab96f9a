// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"poolguarantee/internal/authz"
	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/common/metrics"
	"poolguarantee/internal/ledger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/registry"
	"poolguarantee/internal/settlement"
	"poolguarantee/internal/stage"
	"poolguarantee/internal/voting"
)

// Notifier tells the affected parties about a confirmed stage change.
// Failures are the notifier's problem; the orchestrator never blocks on it.
type Notifier interface {
	StageChanged(ctx context.Context, app models.Application, from, to stage.Stage)
}

// Indexer receives applications that reached a terminal stage.
type Indexer interface {
	IndexApplication(ctx context.Context, app models.Application) error
}

// Auditor records fund movements in the bounded per-account history.
type Auditor interface {
	Append(ctx context.Context, account string, rec models.TransactionRecord) (string, error)
}

// Outcome is the result of a performed lifecycle action.
type Outcome struct {
	RequestID string         `json:"requestId"`
	Action    authz.Action   `json:"action"`
	Stage     stage.Stage    `json:"stage"`
	TxHash    string         `json:"txHash,omitempty"`
	Votes     *voting.Result `json:"votes,omitempty"`
}

// Orchestrator drives every lifecycle action through the same pipeline:
// authorization gate, payload validation, settlement checks, ledger
// submission, and only then the registry write. A denied action never
// reaches the ledger.
type Orchestrator struct {
	reg      *registry.Registry
	adapter  *ledger.Adapter
	votes    *voting.Service
	settle   config.SettlementConfig
	network  string
	notifier Notifier
	indexer  Indexer
	auditor  Auditor
	log      logger.Logger
}

// Deps carries the orchestrator's collaborators. Notifier, Indexer and
// Auditor may be nil; the corresponding side effects are skipped.
type Deps struct {
	Registry   *registry.Registry
	Adapter    *ledger.Adapter
	Votes      *voting.Service
	Settlement config.SettlementConfig
	Network    string
	Notifier   Notifier
	Indexer    Indexer
	Auditor    Auditor
	Logger     logger.Logger
}

func New(deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	settle := deps.Settlement
	if settle.FeeRatePct == "" {
		settle.FeeRatePct = settlement.DefaultFeeRatePct
	}
	if settle.CollateralRatePct == "" {
		settle.CollateralRatePct = settlement.DefaultCollateralRatePct
	}
	return &Orchestrator{
		reg:      deps.Registry,
		adapter:  deps.Adapter,
		votes:    deps.Votes,
		settle:   settle,
		network:  deps.Network,
		notifier: deps.Notifier,
		indexer:  deps.Indexer,
		auditor:  deps.Auditor,
		log:      log,
	}
}

// Perform runs one lifecycle action end to end.
func (o *Orchestrator) Perform(ctx context.Context, role models.Role, action authz.Action, requestID string, payload map[string]interface{}) (*Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.ActionDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	outcome, err := o.perform(ctx, role, action, requestID, payload)
	if err != nil {
		code := string(errors.CodeOf(err))
		switch errors.CodeOf(err) {
		case errors.ErrCodeWrongRole, errors.ErrCodeWrongStage, errors.ErrCodeAlreadyTransitioned,
			errors.ErrCodeUnknownAction, errors.ErrCodeValidationFailed, errors.ErrCodeNotAllowlisted,
			errors.ErrCodeVotingClosed:
			metrics.ActionsDenied.WithLabelValues(string(action), code).Inc()
		default:
			metrics.ActionsFailed.WithLabelValues(string(action), code).Inc()
		}
		return nil, err
	}

	metrics.ActionsCompleted.WithLabelValues(string(action)).Inc()
	return outcome, nil
}

func (o *Orchestrator) perform(ctx context.Context, role models.Role, action authz.Action, requestID string, payload map[string]interface{}) (*Outcome, error) {
	if !authz.IsKnown(action) {
		return nil, errors.NewUnknownActionError(string(action))
	}

	var app models.Application
	current := stage.Stage(0)
	if action != authz.ActionSubmitApplication {
		loaded, err := o.reg.GetApplication(ctx, requestID)
		if err != nil {
			return nil, err
		}
		app = loaded
		current = app.CurrentStage
	}

	// The gate decides before anything touches the ledger.
	if _, err := authz.Authorize(role, action, current); err != nil {
		o.log.Warn("action denied", map[string]interface{}{
			"request_id": requestID,
			"role":       string(role),
			"action":     string(action),
			"stage":      int(current),
			"error":      err.Error(),
		})
		return nil, err
	}

	if err := validatePayload(action, payload); err != nil {
		return nil, err
	}

	switch action {
	case authz.ActionSubmitApplication:
		return o.submitApplication(ctx, requestID, payload)
	case authz.ActionSendDraft:
		return o.sendDraft(ctx, app)
	case authz.ActionCastVote:
		return o.castVote(ctx, app, payload)
	case authz.ActionApproveDraft:
		return o.approveDraft(ctx, app, payload)
	case authz.ActionRejectDraft:
		return o.rejectDraft(ctx, app, payload, models.DraftRejectedBySeller)
	case authz.ActionPayFee:
		return o.payFee(ctx, app, payload)
	case authz.ActionIssueCertificate:
		return o.issueCertificate(ctx, app, payload)
	case authz.ActionConfirmShipment:
		return o.confirmShipment(ctx, app, payload)
	case authz.ActionCreateDeliveryAgreement:
		return o.createDeliveryAgreement(ctx, app, payload)
	case authz.ActionConfirmDelivery:
		return o.confirmDelivery(ctx, app, payload)
	case authz.ActionReleasePayment:
		return o.releasePayment(ctx, app, payload)
	case authz.ActionCloseGuarantee:
		return o.closeGuarantee(ctx, app, payload)
	default:
		return nil, errors.NewUnknownActionError(string(action))
	}
}

type submitPayload struct {
	Buyer                 models.Buyer  `json:"buyer"`
	Seller                models.Seller `json:"seller"`
	TradeDescription      string        `json:"tradeDescription"`
	TradeValue            string        `json:"tradeValue"`
	GuaranteeAmount       string        `json:"guaranteeAmount"`
	CollateralDescription string        `json:"collateralDescription"`
	FinancingDuration     int           `json:"financingDuration"`
	ContractNumber        string        `json:"contractNumber"`
	PaymentDueDate        string        `json:"paymentDueDate"`
}

func (o *Orchestrator) submitApplication(ctx context.Context, requestID string, payload map[string]interface{}) (*Outcome, error) {
	var p submitPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	// Settlement checks come before the ledger sees anything.
	if _, err := settlement.RemainingBalance(p.TradeValue, p.GuaranteeAmount); err != nil {
		return nil, err
	}
	fee, err := settlement.IssuanceFee(p.GuaranteeAmount, o.settle.FeeRatePct)
	if err != nil {
		return nil, err
	}
	collateral, err := settlement.CollateralSplit(p.GuaranteeAmount, o.settle.CollateralRatePct)
	if err != nil {
		return nil, err
	}

	// Reject replays before submitting to the ledger.
	if _, err := o.reg.GetApplication(ctx, requestID); err == nil {
		return nil, errors.NewDuplicateRequestError(requestID)
	} else if !errors.IsCode(err, errors.ErrCodeApplicationNotFound) {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpCreateGuarantee,
		RequestID: requestID,
		Actor:     p.Buyer.WalletAddress,
		Amount:    p.GuaranteeAmount,
		Params: map[string]interface{}{
			"tradeValue": p.TradeValue,
			"seller":     p.Seller.WalletAddress,
		},
	}
	_, res, err := o.execute(ctx, op, stage.Applied, stage.Applied)
	if err != nil {
		return nil, err
	}

	app := models.Application{
		ID:                    uuid.NewString(),
		RequestID:             requestID,
		Buyer:                 p.Buyer,
		Seller:                p.Seller,
		TradeDescription:      p.TradeDescription,
		TradeValue:            p.TradeValue,
		GuaranteeAmount:       p.GuaranteeAmount,
		CollateralDescription: p.CollateralDescription,
		CollateralValue:       collateral,
		FinancingDuration:     p.FinancingDuration,
		ContractNumber:        p.ContractNumber,
		PaymentDueDate:        p.PaymentDueDate,
		IssuanceFee:           fee,
		CurrentStage:          stage.Applied,
		IsDraft:               true,
	}
	if err := o.reg.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	return &Outcome{RequestID: requestID, Action: authz.ActionSubmitApplication, Stage: stage.Applied, TxHash: res.TxHash}, nil
}

func (o *Orchestrator) sendDraft(ctx context.Context, app models.Application) (*Outcome, error) {
	op := ledger.Operation{
		Kind:      ledger.OpSendDraft,
		RequestID: app.RequestID,
		Actor:     app.Buyer.WalletAddress,
	}
	_, res, err := o.execute(ctx, op, stage.Applied, stage.DraftSent)
	if err != nil {
		return nil, err
	}

	draft := models.DraftCertificate{
		RequestID:        app.RequestID,
		SellerAddress:    app.Seller.WalletAddress,
		BuyerCompany:     app.Buyer.Company,
		TradeDescription: app.TradeDescription,
		TradeValue:       app.TradeValue,
		GuaranteeAmount:  app.GuaranteeAmount,
		IssuanceFee:      app.IssuanceFee,
		ContractNumber:   app.ContractNumber,
		Status:           models.DraftSentToSeller,
	}
	if err := o.reg.PutDraft(ctx, draft); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.Applied, stage.DraftSent)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionSendDraft, Stage: stage.DraftSent, TxHash: res.TxHash}, nil
}

type votePayload struct {
	VoterAddress string              `json:"voterAddress"`
	Decision     models.VoteDecision `json:"decision"`
}

func (o *Orchestrator) castVote(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p votePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	// Pool membership and round state are checked before the ledger sees
	// the vote.
	allowed, err := o.reg.IsAllowlisted(ctx, p.VoterAddress)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.NewNotAllowlistedError(p.VoterAddress)
	}
	standing, err := o.votes.Tally(ctx, app.RequestID)
	if err != nil {
		return nil, err
	}
	if standing.Closed {
		return nil, errors.NewVotingClosedError(app.RequestID)
	}

	op := ledger.Operation{
		Kind:      ledger.OpRecordVote,
		RequestID: app.RequestID,
		Actor:     p.VoterAddress,
		Params:    map[string]interface{}{"decision": string(p.Decision)},
	}
	_, res, err := o.execute(ctx, op, stage.DraftSent, stage.DraftSent)
	if err != nil {
		return nil, err
	}

	result, err := o.votes.Cast(ctx, app.RequestID, p.VoterAddress, p.Decision)
	if err != nil {
		return nil, err
	}

	final, err := o.votes.Finalize(ctx, app.RequestID)
	if err != nil {
		return nil, err
	}
	if final.Closed {
		if err := o.applyVoteOutcome(ctx, app, final); err != nil {
			return nil, err
		}
		result = final
	}

	st := stage.DraftSent
	if final.Closed {
		if final.Outcome == models.VoteApprove {
			st = stage.SellerApproved
		} else {
			st = stage.Terminated
		}
	}
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionCastVote, Stage: st, TxHash: res.TxHash, Votes: &result}, nil
}

// applyVoteOutcome turns a finalized vote round into the binding transition.
func (o *Orchestrator) applyVoteOutcome(ctx context.Context, app models.Application, final voting.Result) error {
	if final.Outcome == models.VoteApprove {
		op := ledger.Operation{
			Kind:      ledger.OpPoolApprove,
			RequestID: app.RequestID,
			Actor:     "pool",
		}
		if _, _, err := o.execute(ctx, op, stage.DraftSent, stage.SellerApproved); err != nil {
			return err
		}
		if err := o.reg.UpdateDraft(ctx, app.RequestID, func(d *models.DraftCertificate) error {
			d.Approved = true
			d.Status = models.DraftAwaitingFee
			return nil
		}); err != nil {
			return err
		}
		o.afterAdvance(ctx, app.RequestID, stage.DraftSent, stage.SellerApproved)
		return nil
	}

	op := ledger.Operation{
		Kind:      ledger.OpRejectDraft,
		RequestID: app.RequestID,
		Actor:     "pool",
	}
	if _, _, err := o.execute(ctx, op, stage.DraftSent, stage.Terminated); err != nil {
		return err
	}
	if err := o.reg.UpdateDraft(ctx, app.RequestID, func(d *models.DraftCertificate) error {
		d.Status = models.DraftRejectedByVote
		return nil
	}); err != nil {
		return err
	}
	o.afterAdvance(ctx, app.RequestID, stage.DraftSent, stage.Terminated)
	return nil
}

type sellerPayload struct {
	SellerAddress string `json:"sellerAddress"`
	Reason        string `json:"reason"`
}

func (o *Orchestrator) approveDraft(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p sellerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpSellerApprove,
		RequestID: app.RequestID,
		Actor:     p.SellerAddress,
	}
	_, res, err := o.execute(ctx, op, stage.DraftSent, stage.SellerApproved)
	if err != nil {
		return nil, err
	}

	if err := o.reg.UpdateDraft(ctx, app.RequestID, func(d *models.DraftCertificate) error {
		d.Approved = true
		d.Status = models.DraftAwaitingFee
		return nil
	}); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.DraftSent, stage.SellerApproved)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionApproveDraft, Stage: stage.SellerApproved, TxHash: res.TxHash}, nil
}

func (o *Orchestrator) rejectDraft(ctx context.Context, app models.Application, payload map[string]interface{}, status models.DraftStatus) (*Outcome, error) {
	var p sellerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpRejectDraft,
		RequestID: app.RequestID,
		Actor:     p.SellerAddress,
		Params:    map[string]interface{}{"reason": p.Reason},
	}
	_, res, err := o.execute(ctx, op, stage.DraftSent, stage.Terminated)
	if err != nil {
		return nil, err
	}

	if err := o.reg.UpdateDraft(ctx, app.RequestID, func(d *models.DraftCertificate) error {
		d.Status = status
		return nil
	}); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.DraftSent, stage.Terminated)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionRejectDraft, Stage: stage.Terminated, TxHash: res.TxHash}, nil
}

type payerPayload struct {
	PayerAddress string `json:"payerAddress"`
}

func (o *Orchestrator) payFee(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p payerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpPayFee,
		RequestID: app.RequestID,
		Actor:     p.PayerAddress,
		Amount:    app.IssuanceFee,
	}
	_, res, err := o.execute(ctx, op, stage.SellerApproved, stage.FeePaid)
	if err != nil {
		o.recordTransfer(ctx, p.PayerAddress, "pay-fee", p.PayerAddress, "pool", app.IssuanceFee, "", models.TxStatusFailed)
		return nil, err
	}

	o.recordTransfer(ctx, p.PayerAddress, "pay-fee", p.PayerAddress, "pool", app.IssuanceFee, res.TxHash, models.TxStatusSuccess)
	o.afterAdvance(ctx, app.RequestID, stage.SellerApproved, stage.FeePaid)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionPayFee, Stage: stage.FeePaid, TxHash: res.TxHash}, nil
}

type financierPayload struct {
	FinancierAddress string `json:"financierAddress"`
}

func (o *Orchestrator) issueCertificate(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p financierPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpIssueCertificate,
		RequestID: app.RequestID,
		Actor:     p.FinancierAddress,
		Amount:    app.GuaranteeAmount,
	}
	_, res, err := o.execute(ctx, op, stage.FeePaid, stage.CertificateIssued)
	if err != nil {
		return nil, err
	}

	// The issued certificate replaces the draft as the live artifact.
	if err := o.reg.UpdateApplication(ctx, app.RequestID, func(a *models.Application) error {
		a.IsDraft = false
		return nil
	}); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.FeePaid, stage.CertificateIssued)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionIssueCertificate, Stage: stage.CertificateIssued, TxHash: res.TxHash}, nil
}

type shipmentPayload struct {
	ActorAddress string                 `json:"actorAddress"`
	Proof        models.ProofOfShipment `json:"proof"`
}

func (o *Orchestrator) confirmShipment(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p shipmentPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpConfirmShipment,
		RequestID: app.RequestID,
		Actor:     p.ActorAddress,
		Params:    map[string]interface{}{"trackingNumber": p.Proof.TrackingNumber},
	}
	_, res, err := o.execute(ctx, op, stage.CertificateIssued, stage.GoodsShipped)
	if err != nil {
		return nil, err
	}

	if err := o.reg.UpdateApplication(ctx, app.RequestID, func(a *models.Application) error {
		a.Proof = &p.Proof
		return nil
	}); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.CertificateIssued, stage.GoodsShipped)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionConfirmShipment, Stage: stage.GoodsShipped, TxHash: res.TxHash}, nil
}

type deliveryAgreementPayload struct {
	ActorAddress        string `json:"actorAddress"`
	DeliveryAgreementID string `json:"deliveryAgreementId"`
}

func (o *Orchestrator) createDeliveryAgreement(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p deliveryAgreementPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpCreateDeliveryAgreement,
		RequestID: app.RequestID,
		Actor:     p.ActorAddress,
		Params:    map[string]interface{}{"deliveryAgreementId": p.DeliveryAgreementID},
	}
	_, res, err := o.execute(ctx, op, stage.GoodsShipped, stage.GoodsShipped)
	if err != nil {
		return nil, err
	}

	if err := o.reg.UpdateApplication(ctx, app.RequestID, func(a *models.Application) error {
		a.DeliveryAgreementID = p.DeliveryAgreementID
		return nil
	}); err != nil {
		return nil, err
	}

	return &Outcome{RequestID: app.RequestID, Action: authz.ActionCreateDeliveryAgreement, Stage: stage.GoodsShipped, TxHash: res.TxHash}, nil
}

type buyerPayload struct {
	BuyerAddress string `json:"buyerAddress"`
	DeliveryDate string `json:"deliveryDate"`
}

func (o *Orchestrator) confirmDelivery(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p buyerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpBuyerConsentDelivery,
		RequestID: app.RequestID,
		Actor:     p.BuyerAddress,
	}
	_, res, err := o.execute(ctx, op, stage.GoodsShipped, stage.DeliveryConfirmed)
	if err != nil {
		return nil, err
	}

	deliveryDate := p.DeliveryDate
	if deliveryDate == "" {
		deliveryDate = time.Now().UTC().Format(time.RFC3339)
	}
	if err := o.reg.UpdateApplication(ctx, app.RequestID, func(a *models.Application) error {
		a.DeliveryConfirmedDate = deliveryDate
		return nil
	}); err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.GoodsShipped, stage.DeliveryConfirmed)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionConfirmDelivery, Stage: stage.DeliveryConfirmed, TxHash: res.TxHash}, nil
}

func (o *Orchestrator) releasePayment(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p buyerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpReleasePayment,
		RequestID: app.RequestID,
		Actor:     p.BuyerAddress,
		Amount:    app.GuaranteeAmount,
	}
	_, res, err := o.execute(ctx, op, stage.DeliveryConfirmed, stage.PaymentComplete)
	if err != nil {
		o.recordTransfer(ctx, p.BuyerAddress, "release-payment", "pool", app.Seller.WalletAddress, app.GuaranteeAmount, "", models.TxStatusFailed)
		return nil, err
	}

	o.recordTransfer(ctx, p.BuyerAddress, "release-payment", "pool", app.Seller.WalletAddress, app.GuaranteeAmount, res.TxHash, models.TxStatusSuccess)
	o.afterAdvance(ctx, app.RequestID, stage.DeliveryConfirmed, stage.PaymentComplete)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionReleasePayment, Stage: stage.PaymentComplete, TxHash: res.TxHash}, nil
}

func (o *Orchestrator) closeGuarantee(ctx context.Context, app models.Application, payload map[string]interface{}) (*Outcome, error) {
	var p buyerPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OpCloseGuarantee,
		RequestID: app.RequestID,
		Actor:     p.BuyerAddress,
	}
	_, res, err := o.execute(ctx, op, stage.PaymentComplete, stage.Closed)
	if err != nil {
		return nil, err
	}

	o.afterAdvance(ctx, app.RequestID, stage.PaymentComplete, stage.Closed)
	return &Outcome{RequestID: app.RequestID, Action: authz.ActionCloseGuarantee, Stage: stage.Closed, TxHash: res.TxHash}, nil
}

// execute wraps the adapter call with resolution metrics. Timed-out
// submissions are parked in the registry so Reconcile can re-check them.
func (o *Orchestrator) execute(ctx context.Context, op ledger.Operation, from, to stage.Stage) (*ledger.Handle, *ledger.Resolution, error) {
	h, res, err := o.adapter.Execute(ctx, op, from, to)
	if res != nil {
		metrics.LedgerResolutions.WithLabelValues(string(op.Kind), string(res.Status)).Inc()
	}
	if err != nil {
		if h != nil && errors.IsCode(err, errors.ErrCodeLedgerTimedOut) {
			o.parkOperation(ctx, op, h, from, to)
		}
		return h, res, err
	}
	return h, res, nil
}

// parkOperation keeps enough of an unresolved submission to re-await it
// later. A failed save only costs the reconcile path; the timeout error
// still reaches the caller either way.
func (o *Orchestrator) parkOperation(ctx context.Context, op ledger.Operation, h *ledger.Handle, from, to stage.Stage) {
	pending := models.PendingOperation{
		RequestID:    op.RequestID,
		OperationID:  h.OperationID,
		Kind:         string(op.Kind),
		Actor:        op.Actor,
		Amount:       op.Amount,
		Params:       op.Params,
		TxHash:       h.TxHash,
		SubmittedAt:  h.SubmittedAt,
		ExpectedFrom: from,
		Target:       to,
	}
	if err := o.reg.PutPendingOperation(ctx, pending); err != nil {
		o.log.Warn("parking timed-out operation failed", map[string]interface{}{
			"request_id":   op.RequestID,
			"operation_id": h.OperationID,
			"error":        err.Error(),
		})
	}
}

// Reconcile re-awaits the parked ledger operation for an application and
// applies a late confirmation, advancing the stage exactly as the original
// action would have. A revert drops the parked record; a repeat timeout
// keeps it for the next attempt.
func (o *Orchestrator) Reconcile(ctx context.Context, requestID string) (*Outcome, error) {
	pending, err := o.reg.GetPendingOperation(ctx, requestID)
	if err != nil {
		return nil, err
	}

	op := ledger.Operation{
		Kind:      ledger.OperationKind(pending.Kind),
		RequestID: pending.RequestID,
		Actor:     pending.Actor,
		Amount:    pending.Amount,
		Params:    pending.Params,
	}
	h := &ledger.Handle{
		OperationID: pending.OperationID,
		TxHash:      pending.TxHash,
		SubmittedAt: pending.SubmittedAt,
	}

	res, err := o.adapter.Reconcile(ctx, op, h, pending.ExpectedFrom, pending.Target)
	if res != nil {
		metrics.LedgerResolutions.WithLabelValues(string(op.Kind), string(res.Status)).Inc()
	}
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeLedgerReverted) {
			// Terminal: this submission will never confirm.
			o.dropPending(ctx, requestID)
		}
		return nil, err
	}

	o.dropPending(ctx, requestID)
	if pending.Target != pending.ExpectedFrom {
		o.afterAdvance(ctx, requestID, pending.ExpectedFrom, pending.Target)
	}
	return &Outcome{RequestID: requestID, Action: "reconcile", Stage: pending.Target, TxHash: res.TxHash}, nil
}

func (o *Orchestrator) dropPending(ctx context.Context, requestID string) {
	if err := o.reg.DeletePendingOperation(ctx, requestID); err != nil {
		o.log.Warn("dropping reconciled operation failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
	}
}

// afterAdvance handles the side effects of a confirmed transition:
// transition metrics, notifications, and terminal-stage indexing.
func (o *Orchestrator) afterAdvance(ctx context.Context, requestID string, from, to stage.Stage) {
	metrics.StageTransitions.WithLabelValues(to.Label()).Inc()

	app, err := o.reg.GetApplication(ctx, requestID)
	if err != nil {
		o.log.Warn("post-transition reload failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return
	}

	if o.notifier != nil {
		o.notifier.StageChanged(ctx, app, from, to)
	}

	if o.indexer != nil && to.IsTerminal() {
		if err := o.indexer.IndexApplication(ctx, app); err != nil {
			o.log.Warn("terminal application indexing failed", map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}
}

func (o *Orchestrator) recordTransfer(ctx context.Context, account, txType, from, to, amount, txHash, status string) {
	if o.auditor == nil {
		return
	}

	_, err := o.auditor.Append(ctx, account, models.TransactionRecord{
		Timestamp:   time.Now().UTC(),
		Type:        txType,
		From:        from,
		To:          to,
		Amount:      amount,
		TokenSymbol: o.settle.TokenSymbol,
		TxHash:      txHash,
		Network:     o.network,
		Status:      status,
	})
	if err != nil {
		o.log.Warn("audit record append failed", map[string]interface{}{
			"account": account,
			"type":    txType,
			"error":   err.Error(),
		})
	}
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.NewValidationFailedError(err.Error())
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.NewValidationFailedError(err.Error())
	}
	return nil
}
