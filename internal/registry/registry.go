// internal/registry/registry.go
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	stderrors "poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/stage"
)

// Key prefixes. One record per requestId under each prefix.
const (
	applicationKeyPrefix = "app:"
	draftKeyPrefix       = "draft:"
	votesKeyPrefix       = "votes:"
	pendingKeyPrefix     = "pending:"
	allowlistKey         = "financiers:allowlist"
)

// Registry is the typed record layer over a Store. All stage pointer writes
// funnel through Advance, which is a compare-and-set on the serialized
// record: concurrent actors racing on the same transition produce exactly
// one winner and StaleStage errors for the rest.
type Registry struct {
	store Store
	log   logger.Logger
}

func New(store Store, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Registry{store: store, log: log}
}

// --- Applications ---

// CreateApplication stores a new application record. The requestId must be
// unused; replays of the creation action fail with DuplicateRequest.
func (r *Registry) CreateApplication(ctx context.Context, app models.Application) error {
	app.LastUpdated = time.Now().UTC()
	app.Status = app.CurrentStage.Label()

	raw, err := json.Marshal(app)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}

	err = r.store.CompareAndSet(ctx, applicationKeyPrefix+app.RequestID, nil, raw)
	if errors.Is(err, ErrCASConflict) {
		return stderrors.NewDuplicateRequestError(app.RequestID)
	}
	if err != nil {
		return err
	}

	r.log.Info("application registered", map[string]interface{}{
		"request_id": app.RequestID,
		"stage":      int(app.CurrentStage),
	})
	return nil
}

// GetApplication loads an application by requestId.
func (r *Registry) GetApplication(ctx context.Context, requestID string) (models.Application, error) {
	var app models.Application

	raw, err := r.store.Get(ctx, applicationKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return app, stderrors.NewApplicationNotFoundError(requestID)
	}
	if err != nil {
		return app, err
	}

	if err := json.Unmarshal(raw, &app); err != nil {
		return app, stderrors.NewStoreUnavailableError(err)
	}
	return app, nil
}

// Advance moves the stage pointer from expectedFrom to to. The write is a
// compare-and-set on the whole serialized record, so a concurrent advance
// that got there first surfaces as StaleStage.
func (r *Registry) Advance(ctx context.Context, requestID string, expectedFrom, to stage.Stage) error {
	if !stage.IsValidTransition(expectedFrom, to) {
		return stderrors.NewInvalidTransitionError(int(expectedFrom), int(to))
	}

	raw, err := r.store.Get(ctx, applicationKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return stderrors.NewApplicationNotFoundError(requestID)
	}
	if err != nil {
		return err
	}

	var app models.Application
	if err := json.Unmarshal(raw, &app); err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}

	// A repeated confirmation of the same transition is a no-op.
	if app.CurrentStage == to {
		return nil
	}
	if app.CurrentStage != expectedFrom {
		return stderrors.NewStaleStageError(requestID, int(expectedFrom), int(app.CurrentStage))
	}

	app.CurrentStage = to
	app.Status = to.Label()
	app.LastUpdated = time.Now().UTC()

	updated, err := json.Marshal(app)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}

	err = r.store.CompareAndSet(ctx, applicationKeyPrefix+requestID, raw, updated)
	if errors.Is(err, ErrCASConflict) {
		current, gerr := r.GetApplication(ctx, requestID)
		actual := -1
		if gerr == nil {
			actual = int(current.CurrentStage)
			if current.CurrentStage == to {
				return nil
			}
		}
		return stderrors.NewStaleStageError(requestID, int(expectedFrom), actual)
	}
	if err != nil {
		return err
	}

	r.log.Info("stage advanced", map[string]interface{}{
		"request_id": requestID,
		"from":       int(expectedFrom),
		"to":         int(to),
	})
	return nil
}

// UpdateApplication applies mutate to the record under compare-and-set. It
// never touches CurrentStage; stage moves go through Advance only.
func (r *Registry) UpdateApplication(ctx context.Context, requestID string, mutate func(*models.Application) error) error {
	raw, err := r.store.Get(ctx, applicationKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return stderrors.NewApplicationNotFoundError(requestID)
	}
	if err != nil {
		return err
	}

	var app models.Application
	if err := json.Unmarshal(raw, &app); err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}

	before := app.CurrentStage
	if err := mutate(&app); err != nil {
		return err
	}
	app.CurrentStage = before
	app.LastUpdated = time.Now().UTC()

	updated, err := json.Marshal(app)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}

	err = r.store.CompareAndSet(ctx, applicationKeyPrefix+requestID, raw, updated)
	if errors.Is(err, ErrCASConflict) {
		return stderrors.NewStaleStageError(requestID, int(before), -1)
	}
	return err
}

// --- Draft certificates ---

// PutDraft stores the seller-facing draft projection for an application.
func (r *Registry) PutDraft(ctx context.Context, draft models.DraftCertificate) error {
	draft.UpdatedAt = time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = draft.UpdatedAt
	}

	raw, err := json.Marshal(draft)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return r.store.Set(ctx, draftKeyPrefix+draft.RequestID, raw)
}

// GetDraft loads the draft projection by requestId.
func (r *Registry) GetDraft(ctx context.Context, requestID string) (models.DraftCertificate, error) {
	var draft models.DraftCertificate

	raw, err := r.store.Get(ctx, draftKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return draft, stderrors.NewApplicationNotFoundError(requestID)
	}
	if err != nil {
		return draft, err
	}

	if err := json.Unmarshal(raw, &draft); err != nil {
		return draft, stderrors.NewStoreUnavailableError(err)
	}
	return draft, nil
}

// UpdateDraft applies mutate to the draft. Once a draft is approved it is
// frozen: further updates fail with RecordFinalized.
func (r *Registry) UpdateDraft(ctx context.Context, requestID string, mutate func(*models.DraftCertificate) error) error {
	draft, err := r.GetDraft(ctx, requestID)
	if err != nil {
		return err
	}

	if draft.Approved {
		return stderrors.NewRecordFinalizedError(requestID, string(draft.Status))
	}

	if err := mutate(&draft); err != nil {
		return err
	}
	return r.PutDraft(ctx, draft)
}

// --- Vote ledgers ---

// GetVoteLedger loads the vote set for an application, returning an empty
// open ledger when no votes exist yet.
func (r *Registry) GetVoteLedger(ctx context.Context, requestID string) (models.VoteLedger, error) {
	ledger := models.VoteLedger{
		ApplicationID: requestID,
		Votes:         make(map[string]models.Vote),
	}

	raw, err := r.store.Get(ctx, votesKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return ledger, nil
	}
	if err != nil {
		return ledger, err
	}

	if err := json.Unmarshal(raw, &ledger); err != nil {
		return ledger, stderrors.NewStoreUnavailableError(err)
	}
	if ledger.Votes == nil {
		ledger.Votes = make(map[string]models.Vote)
	}
	return ledger, nil
}

// PutVoteLedger stores the vote set for an application.
func (r *Registry) PutVoteLedger(ctx context.Context, ledger models.VoteLedger) error {
	raw, err := json.Marshal(ledger)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return r.store.Set(ctx, votesKeyPrefix+ledger.ApplicationID, raw)
}

// --- Pending ledger operations ---

// PutPendingOperation parks a timed-out ledger submission for later
// reconciliation. At most one operation is ever in flight per application,
// so the record simply overwrites.
func (r *Registry) PutPendingOperation(ctx context.Context, pending models.PendingOperation) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return r.store.Set(ctx, pendingKeyPrefix+pending.RequestID, raw)
}

// GetPendingOperation loads the parked submission for an application.
func (r *Registry) GetPendingOperation(ctx context.Context, requestID string) (models.PendingOperation, error) {
	var pending models.PendingOperation

	raw, err := r.store.Get(ctx, pendingKeyPrefix+requestID)
	if errors.Is(err, ErrKeyNotFound) {
		return pending, stderrors.NewNoPendingOperationError(requestID)
	}
	if err != nil {
		return pending, err
	}

	if err := json.Unmarshal(raw, &pending); err != nil {
		return pending, stderrors.NewStoreUnavailableError(err)
	}
	return pending, nil
}

// DeletePendingOperation drops the parked submission once it resolved.
func (r *Registry) DeletePendingOperation(ctx context.Context, requestID string) error {
	return r.store.Delete(ctx, pendingKeyPrefix+requestID)
}

// --- Financier allowlist ---

// SetAllowlist replaces the financier allowlist.
func (r *Registry) SetAllowlist(ctx context.Context, addresses []string) error {
	raw, err := json.Marshal(addresses)
	if err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return r.store.Set(ctx, allowlistKey, raw)
}

// IsAllowlisted reports whether a voter address belongs to the financier
// pool. A missing allowlist record denies everyone.
func (r *Registry) IsAllowlisted(ctx context.Context, address string) (bool, error) {
	raw, err := r.store.Get(ctx, allowlistKey)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var addresses []string
	if err := json.Unmarshal(raw, &addresses); err != nil {
		return false, stderrors.NewStoreUnavailableError(err)
	}

	for _, a := range addresses {
		if a == address {
			return true, nil
		}
	}
	return false, nil
}
