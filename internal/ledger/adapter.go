// internal/ledger/adapter.go
package ledger

import (
	"context"

	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/stage"
)

// Registry is the slice of the record layer the adapter writes through. The
// adapter is the only component that calls Advance: registry stages move
// when the ledger confirms, never before.
type Registry interface {
	Advance(ctx context.Context, requestID string, expectedFrom, to stage.Stage) error
}

// Adapter pairs every stage transition with a ledger operation. The registry
// pointer moves only after the ledger confirms; reverted and timed-out
// operations leave the registry untouched and are never retried on their
// own.
type Adapter struct {
	client   Client
	registry Registry
	log      logger.Logger
}

func NewAdapter(client Client, registry Registry, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Adapter{client: client, registry: registry, log: log}
}

// Execute submits op, waits for the ledger to resolve it, and on
// confirmation advances the registry from expectedFrom to target. A target
// equal to expectedFrom means the operation records evidence without moving
// the stage pointer (votes, delivery agreements).
//
// On StatusReverted the caller gets LedgerReverted with the ledger's reason.
// On StatusTimedOut the caller gets LedgerTimedOut plus the handle, so the
// operation can be picked up later through Reconcile.
func (a *Adapter) Execute(ctx context.Context, op Operation, expectedFrom, target stage.Stage) (*Handle, *Resolution, error) {
	h, err := a.client.Submit(ctx, op)
	if err != nil {
		a.log.Error("ledger submission failed", map[string]interface{}{
			"request_id": op.RequestID,
			"kind":       string(op.Kind),
			"error":      err.Error(),
		})
		return nil, nil, err
	}

	res, err := a.client.Await(ctx, h)
	if err != nil {
		return h, nil, err
	}

	switch res.Status {
	case StatusConfirmed:
		if err := a.apply(ctx, op, expectedFrom, target, res); err != nil {
			return h, res, err
		}
		return h, res, nil

	case StatusReverted:
		a.log.Warn("ledger operation reverted", map[string]interface{}{
			"request_id": op.RequestID,
			"kind":       string(op.Kind),
			"reason":     res.Reason,
		})
		return h, res, errors.NewLedgerRevertedError(op.RequestID, res.Reason)

	case StatusTimedOut:
		a.log.Warn("ledger operation timed out awaiting confirmation", map[string]interface{}{
			"request_id":   op.RequestID,
			"kind":         string(op.Kind),
			"operation_id": h.OperationID,
		})
		return h, res, errors.NewLedgerTimedOutError(op.RequestID, string(op.Kind), h.OperationID)

	default:
		return h, res, errors.NewLedgerTimedOutError(op.RequestID, string(op.Kind), h.OperationID)
	}
}

// Reconcile re-checks a previously timed-out operation and applies it if the
// ledger confirmed it in the meantime. Applying an already-applied
// confirmation is a no-op, so reconciliation can run repeatedly.
func (a *Adapter) Reconcile(ctx context.Context, op Operation, h *Handle, expectedFrom, target stage.Stage) (*Resolution, error) {
	res, err := a.client.Await(ctx, h)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case StatusConfirmed:
		if err := a.apply(ctx, op, expectedFrom, target, res); err != nil {
			return res, err
		}
		a.log.Info("late confirmation reconciled", map[string]interface{}{
			"request_id":   op.RequestID,
			"kind":         string(op.Kind),
			"operation_id": h.OperationID,
		})
		return res, nil

	case StatusReverted:
		return res, errors.NewLedgerRevertedError(op.RequestID, res.Reason)

	default:
		return res, errors.NewLedgerTimedOutError(op.RequestID, string(op.Kind), h.OperationID)
	}
}

func (a *Adapter) apply(ctx context.Context, op Operation, expectedFrom, target stage.Stage, res *Resolution) error {
	if target == expectedFrom {
		// Evidence-only operation; nothing to advance.
		return nil
	}

	if err := a.registry.Advance(ctx, op.RequestID, expectedFrom, target); err != nil {
		return err
	}

	a.log.Info("ledger confirmation applied", map[string]interface{}{
		"request_id": op.RequestID,
		"kind":       string(op.Kind),
		"tx_hash":    res.TxHash,
		"from":       int(expectedFrom),
		"to":         int(target),
	})
	return nil
}
