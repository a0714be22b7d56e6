package placement

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
)

// Validation reasons.
const (
	ReasonEmptyBatch     = "empty_batch"
	ReasonInvalidColor   = "invalid_color"
	ReasonOutOfBounds    = "out_of_bounds"
	ReasonInvalidBoardID = "invalid_board_id"
	ReasonInvalidUserID  = "invalid_user_id"
	ReasonInvalidModID   = "invalid_modification_id"
)

// Not-found kinds.
const (
	KindBoard        = "board"
	KindUser         = "user"
	KindModification = "modification"
)

// ValidationError rejects a request before any state is read or written.
// Index is the offending edit position, or -1 when the request as a whole is invalid.
type ValidationError struct {
	Reason string
	Index  int
	X      int
	Y      int
	Color  string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("placement: invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("placement: invalid edit %d (%d, %d, %q): %s", e.Index, e.X, e.Y, e.Color, e.Reason)
}

// QuotaExceededError rejects a batch whose quota-consuming edits exceed the balance.
type QuotaExceededError struct {
	Required  int
	Available int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("placement: quota exceeded: %d required, %d available", e.Required, e.Available)
}

// NotFoundError reports a missing board, user account or modification.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("placement: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ForbiddenError rejects an action reserved to the board owner.
type ForbiddenError struct {
	ActorID string
	BoardID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("placement: user %q may not modify board %q", e.ActorID, e.BoardID)
}

// LoadError reports that board state could not be loaded after retries.
type LoadError struct {
	BoardID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("placement: load board %q: %v", e.BoardID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ChargeError reports a record that was written while the quota decrement
// failed. The pixels are placed and the quota is not charged.
type ChargeError struct {
	Record   modifications.Record
	Required int
	Err      error
}

func (e *ChargeError) Error() string {
	return fmt.Sprintf("placement: modification %q written but quota charge of %d failed: %v", e.Record.ID, e.Required, e.Err)
}

func (e *ChargeError) Unwrap() error {
	return e.Err
}

// ServiceError carries an operation.reason code for failures without a dedicated type.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
