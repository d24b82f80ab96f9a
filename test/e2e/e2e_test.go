// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolguarantee/internal/authz"
	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/ledger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/orchestrator"
	"poolguarantee/internal/registry"
	"poolguarantee/internal/stage"
	"poolguarantee/internal/voting"
)

// confirmingClient stands in for the ledger gateway and confirms everything.
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

type harness struct {
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	client *confirmingClient
}

func newHarness(t *testing.T, quorum int, pool ...string) *harness {
	t.Helper()

	log := logger.NewTestLogger(t)
	reg := registry.New(registry.NewMemoryStore(), log)
	require.NoError(t, reg.SetAllowlist(context.Background(), pool))

	client := &confirmingClient{}
	adapter := ledger.NewAdapter(client, reg, log)
	votes := voting.NewService(reg, reg, quorum, log)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Adapter:  adapter,
		Votes:    votes,
		Settlement: config.SettlementConfig{
			FeeRatePct:        "1",
			CollateralRatePct: "20",
			TokenSymbol:       "USDT",
		},
		Network: "poolnet",
		Logger:  log,
	})
	return &harness{orch: orch, reg: reg, client: client}
}

func (h *harness) perform(t *testing.T, role models.Role, action authz.Action, requestID string, payload map[string]interface{}) *orchestrator.Outcome {
	t.Helper()
	out, err := h.orch.Perform(context.Background(), role, action, requestID, payload)
	require.NoError(t, err, "action %s", action)
	return out
}

func submitPayload() map[string]interface{} {
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

// The happy path: a guarantee application walks every stage from submission
// to archival, with the seller approving the draft directly.
func TestLifecycle_FullWalkToClosed(t *testing.T) {
	h := newHarness(t, 1, "0xfin1")
	ctx := context.Background()
	const reqID = "e2e-happy-1"

	out := h.perform(t, models.RoleBuyer, authz.ActionSubmitApplication, reqID, submitPayload())
	assert.Equal(t, stage.Applied, out.Stage)

	out = h.perform(t, models.RoleBuyer, authz.ActionSendDraft, reqID, nil)
	assert.Equal(t, stage.DraftSent, out.Stage)

	draft, err := h.reg.GetDraft(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftSentToSeller, draft.Status)

	out = h.perform(t, models.RoleSeller, authz.ActionApproveDraft, reqID,
		map[string]interface{}{"sellerAddress": "0xseller"})
	assert.Equal(t, stage.SellerApproved, out.Stage)

	out = h.perform(t, models.RoleBuyer, authz.ActionPayFee, reqID,
		map[string]interface{}{"payerAddress": "0xbuyer"})
	assert.Equal(t, stage.FeePaid, out.Stage)

	out = h.perform(t, models.RoleFinancier, authz.ActionIssueCertificate, reqID,
		map[string]interface{}{"financierAddress": "0xfin1"})
	assert.Equal(t, stage.CertificateIssued, out.Stage)

	app, err := h.reg.GetApplication(ctx, reqID)
	require.NoError(t, err)
	assert.False(t, app.IsDraft)

	out = h.perform(t, models.RoleSeller, authz.ActionConfirmShipment, reqID,
		map[string]interface{}{
			"actorAddress": "0xseller",
			"proof": map[string]interface{}{
				"trackingNumber": "TRK-100",
				"carrier":        "Maersk",
			},
		})
	assert.Equal(t, stage.GoodsShipped, out.Stage)

	out = h.perform(t, models.RoleLogistics, authz.ActionCreateDeliveryAgreement, reqID,
		map[string]interface{}{
			"actorAddress":        "0xcarrier",
			"deliveryAgreementId": "DA-42",
		})
	assert.Equal(t, stage.GoodsShipped, out.Stage)

	out = h.perform(t, models.RoleBuyer, authz.ActionConfirmDelivery, reqID,
		map[string]interface{}{"buyerAddress": "0xbuyer"})
	assert.Equal(t, stage.DeliveryConfirmed, out.Stage)

	out = h.perform(t, models.RoleBuyer, authz.ActionReleasePayment, reqID,
		map[string]interface{}{"buyerAddress": "0xbuyer"})
	assert.Equal(t, stage.PaymentComplete, out.Stage)

	out = h.perform(t, models.RoleBuyer, authz.ActionCloseGuarantee, reqID,
		map[string]interface{}{"buyerAddress": "0xbuyer"})
	assert.Equal(t, stage.Closed, out.Stage)

	app, err = h.reg.GetApplication(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, stage.Closed, app.CurrentStage)
	assert.Equal(t, "Closed", app.Status)
	assert.Equal(t, "DA-42", app.DeliveryAgreementID)
	assert.Equal(t, "500", app.IssuanceFee)
	assert.Equal(t, "10000", app.CollateralValue)

	// One ledger operation per action, in lifecycle order.
	kinds := make([]ledger.OperationKind, 0, len(h.client.submitted))
	for _, op := range h.client.submitted {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []ledger.OperationKind{
		ledger.OpCreateGuarantee,
		ledger.OpSendDraft,
		ledger.OpSellerApprove,
		ledger.OpPayFee,
		ledger.OpIssueCertificate,
		ledger.OpConfirmShipment,
		ledger.OpCreateDeliveryAgreement,
		ledger.OpBuyerConsentDelivery,
		ledger.OpReleasePayment,
		ledger.OpCloseGuarantee,
	}, kinds)
}

// The pool path: two financiers approve and the finalized vote advances the
// application instead of the seller.
func TestLifecycle_PoolVoteApprovesDraft(t *testing.T) {
	h := newHarness(t, 2, "0xfin1", "0xfin2")
	ctx := context.Background()
	const reqID = "e2e-vote-1"

	h.perform(t, models.RoleBuyer, authz.ActionSubmitApplication, reqID, submitPayload())
	h.perform(t, models.RoleBuyer, authz.ActionSendDraft, reqID, nil)

	out := h.perform(t, models.RoleFinancier, authz.ActionCastVote, reqID,
		map[string]interface{}{"voterAddress": "0xfin1", "decision": "approve"})
	assert.Equal(t, stage.DraftSent, out.Stage)
	require.NotNil(t, out.Votes)
	assert.False(t, out.Votes.Closed)

	out = h.perform(t, models.RoleFinancier, authz.ActionCastVote, reqID,
		map[string]interface{}{"voterAddress": "0xfin2", "decision": "approve"})
	assert.Equal(t, stage.SellerApproved, out.Stage)
	require.NotNil(t, out.Votes)
	assert.True(t, out.Votes.Closed)
	assert.Equal(t, models.VoteApprove, out.Votes.Outcome)

	draft, err := h.reg.GetDraft(ctx, reqID)
	require.NoError(t, err)
	assert.True(t, draft.Approved)
	assert.Equal(t, models.DraftAwaitingFee, draft.Status)

	// The rest of the lifecycle continues from the vote-driven approval.
	out = h.perform(t, models.RoleBuyer, authz.ActionPayFee, reqID,
		map[string]interface{}{"payerAddress": "0xbuyer"})
	assert.Equal(t, stage.FeePaid, out.Stage)
}

// A rejecting vote terminates the application and leaves it frozen.
func TestLifecycle_PoolVoteRejectsDraft(t *testing.T) {
	h := newHarness(t, 1, "0xfin1")
	ctx := context.Background()
	const reqID = "e2e-vote-2"

	h.perform(t, models.RoleBuyer, authz.ActionSubmitApplication, reqID, submitPayload())
	h.perform(t, models.RoleBuyer, authz.ActionSendDraft, reqID, nil)

	out := h.perform(t, models.RoleFinancier, authz.ActionCastVote, reqID,
		map[string]interface{}{"voterAddress": "0xfin1", "decision": "reject"})
	assert.Equal(t, stage.Terminated, out.Stage)

	app, err := h.reg.GetApplication(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, stage.Terminated, app.CurrentStage)

	draft, err := h.reg.GetDraft(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftRejectedByVote, draft.Status)

	// Nothing moves a terminated application.
	_, err = h.orch.Perform(ctx, models.RoleBuyer, authz.ActionSendDraft, reqID, nil)
	assert.Error(t, err)
}
