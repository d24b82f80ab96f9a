// Package errors provides the standardized error taxonomy for guarantee
// lifecycle transitions.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Authorization errors (deterministic, returned before any ledger call).
	ErrCodeWrongRole           ErrorCode = "WRONG_ROLE"
	ErrCodeWrongStage          ErrorCode = "WRONG_STAGE"
	ErrCodeAlreadyTransitioned ErrorCode = "ALREADY_TRANSITIONED"

	// Stage model errors.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Voting errors.
	ErrCodeVotingClosed   ErrorCode = "VOTING_CLOSED"
	ErrCodeNotAllowlisted ErrorCode = "NOT_ALLOWLISTED"

	// Settlement errors.
	ErrCodeNegativeBalance ErrorCode = "NEGATIVE_BALANCE"
	ErrCodeInvalidAmount   ErrorCode = "INVALID_AMOUNT"

	// Registry errors.
	ErrCodeStaleStage          ErrorCode = "STALE_STAGE"
	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeDuplicateRequest    ErrorCode = "DUPLICATE_REQUEST"
	ErrCodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"

	// Ledger errors (asynchronous; only a Confirmed resolution advances state).
	ErrCodeLedgerReverted     ErrorCode = "LEDGER_REVERTED"
	ErrCodeLedgerTimedOut     ErrorCode = "LEDGER_TIMED_OUT"
	ErrCodeNoPendingOperation ErrorCode = "NO_PENDING_OPERATION"

	// Input errors.
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnknownAction    ErrorCode = "UNKNOWN_ACTION"

	// Audit errors.
	ErrCodeRecordFinalized  ErrorCode = "RECORD_FINALIZED"
	ErrCodeAuditWriteFailed ErrorCode = "AUDIT_WRITE_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is lets errors.Is match two StandardErrors by code, so callers can compare
// against a constructor result without caring about details or timestamps.
func (e *StandardError) Is(target error) bool {
	var other *StandardError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the ErrorCode from any error, or "UNKNOWN_ERROR".
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return "UNKNOWN_ERROR"
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ==========================
// Error Constructors
// ==========================

// NewWrongRoleError denies an action requested by a role that never owns it.
func NewWrongRoleError(role, action string) *StandardError {
	return &StandardError{
		Code:      ErrCodeWrongRole,
		Message:   "Role is not permitted to perform this action",
		Details:   fmt.Sprintf("role: %s, action: %s", role, action),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewWrongStageError denies an action requested while the application is not
// at the stage the action requires.
func NewWrongStageError(action string, current, required int) *StandardError {
	return &StandardError{
		Code:      ErrCodeWrongStage,
		Message:   "Application is not at the required stage for this action",
		Details:   fmt.Sprintf("action: %s, currentStage: %d, requiredStage: %d", action, current, required),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAlreadyTransitionedError denies an action whose target stage has already
// been reached.
func NewAlreadyTransitionedError(action string, current int) *StandardError {
	return &StandardError{
		Code:      ErrCodeAlreadyTransitioned,
		Message:   "Application has already moved past this transition",
		Details:   fmt.Sprintf("action: %s, currentStage: %d", action, current),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTransitionError rejects a stage delta the transition table does
// not admit.
func NewInvalidTransitionError(from, to int) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Requested stage transition is not legal",
		Details:   fmt.Sprintf("from: %d, to: %d", from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewVotingClosedError rejects a vote cast after finalization.
func NewVotingClosedError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeVotingClosed,
		Message:   "Voting has been finalized for this application",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotAllowlistedError rejects a vote from an address outside the financier set.
func NewNotAllowlistedError(address string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotAllowlisted,
		Message:   "Voter address is not in the financier allow-list",
		Details:   fmt.Sprintf("address: %s", address),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNegativeBalanceError rejects settlement math where the guarantee exceeds
// the trade value.
func NewNegativeBalanceError(tradeValue, guaranteeAmount string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNegativeBalance,
		Message:   "Guarantee amount exceeds trade value",
		Details:   fmt.Sprintf("tradeValue: %s, guaranteeAmount: %s", tradeValue, guaranteeAmount),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidAmountError rejects a monetary field that does not parse as a
// fixed-point decimal string.
func NewInvalidAmountError(field, value string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidAmount,
		Message:   "Monetary amount is not a valid decimal string",
		Details:   fmt.Sprintf("field: %s, value: %q", field, value),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStaleStageError signals a lost compare-and-set race; recoverable by
// re-reading and re-authorizing.
func NewStaleStageError(requestID string, expected, actual int) *StandardError {
	return &StandardError{
		Code:      ErrCodeStaleStage,
		Message:   "Application stage changed underneath this transition",
		Details:   fmt.Sprintf("requestId: %s, expectedStage: %d, actualStage: %d", requestID, expected, actual),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewApplicationNotFoundError signals a missing registry record.
func NewApplicationNotFoundError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeApplicationNotFound,
		Message:   "No application exists for this request identifier",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDuplicateRequestError rejects creation under an already-used requestId.
func NewDuplicateRequestError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDuplicateRequest,
		Message:   "An application already exists for this request identifier",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError wraps a transient persistence failure.
func NewStoreUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "Registry store is unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerRevertedError surfaces an on-chain revert. Never silently retried:
// the caller must explicitly retry a reverted financial operation.
func NewLedgerRevertedError(requestID, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerReverted,
		Message:   "Ledger operation reverted",
		Details:   fmt.Sprintf("requestId: %s, reason: %s", requestID, reason),
		Retryable: false,
		Metadata:  map[string]interface{}{"reason": reason},
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerTimedOutError surfaces an unresolved submission. The outcome is
// unknown; the operation id in the metadata lets a later reconcile re-check
// the same submission instead of risking a double spend.
func NewLedgerTimedOutError(requestID, operation, operationID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerTimedOut,
		Message:   "Ledger operation did not resolve in time",
		Details:   fmt.Sprintf("requestId: %s, operation: %s, operationId: %s", requestID, operation, operationID),
		Retryable: false,
		Metadata:  map[string]interface{}{"operationId": operationID},
		Timestamp: time.Now().UTC(),
	}
}

// NewNoPendingOperationError signals a reconcile attempt for an application
// with no parked ledger submission.
func NewNoPendingOperationError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNoPendingOperation,
		Message:   "No pending ledger operation exists for this application",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError rejects a malformed action payload.
func NewValidationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Action payload validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnknownActionError rejects an action name outside the lifecycle table.
func NewUnknownActionError(action string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownAction,
		Message:   "Unknown lifecycle action",
		Details:   fmt.Sprintf("action: %s", action),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRecordFinalizedError refuses mutation of a terminal audit record.
func NewRecordFinalizedError(recordID, status string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecordFinalized,
		Message:   "Transaction record is immutable once terminal",
		Details:   fmt.Sprintf("recordId: %s, status: %s", recordID, status),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAuditWriteFailedError wraps a failed audit insert.
func NewAuditWriteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuditWriteFailed,
		Message:   "Failed to append transaction record",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// Classification
// ==========================

// retryCounts maps error codes to the number of local retries worth
// attempting before surfacing the failure. Ledger errors are deliberately
// zero: re-submitting a financial operation without operator intent risks
// double spends.
var retryCounts = map[ErrorCode]int{
	ErrCodeStaleStage:       3,
	ErrCodeStoreUnavailable: 3,
	ErrCodeAuditWriteFailed: 2,
}

// GetRetryCount returns how many local retries an error code admits.
func GetRetryCount(code ErrorCode) int {
	return retryCounts[code]
}

// GetErrorCategory buckets codes for metrics labels.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeWrongRole, ErrCodeWrongStage, ErrCodeAlreadyTransitioned:
		return "authorization"
	case ErrCodeInvalidTransition:
		return "stage_model"
	case ErrCodeVotingClosed, ErrCodeNotAllowlisted:
		return "voting"
	case ErrCodeNegativeBalance, ErrCodeInvalidAmount:
		return "settlement"
	case ErrCodeStaleStage, ErrCodeApplicationNotFound, ErrCodeDuplicateRequest, ErrCodeStoreUnavailable:
		return "registry"
	case ErrCodeLedgerReverted, ErrCodeLedgerTimedOut, ErrCodeNoPendingOperation:
		return "ledger"
	case ErrCodeValidationFailed, ErrCodeUnknownAction:
		return "input"
	case ErrCodeRecordFinalized, ErrCodeAuditWriteFailed:
		return "audit"
	default:
		return "unknown"
	}
}
