// Package storage defines the error model shared by every storage adapter.
// Adapters classify driver errors once, at their boundary, so callers only
// ever branch on a Kind.
package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Kind enumerates storage failure categories.
type Kind string

const (
	// KindTransient covers failures worth retrying: unavailable backends, timeouts, lock contention.
	KindTransient Kind = "transient"
	// KindNotFound reports a missing row or key.
	KindNotFound Kind = "not_found"
	// KindConflict reports a uniqueness violation.
	KindConflict Kind = "conflict"
	// KindPermanent covers everything else.
	KindPermanent Kind = "permanent"
)

// ErrNotFound is matched by errors.Is for any KindNotFound error.
var ErrNotFound = errors.New("storage: not found")

// Error is a classified storage failure.
type Error struct {
	Kind      Kind
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %s", e.Operation, e.Kind)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match classified not-found errors.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

var transientMessageFragments = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"too many connections",
	"timeout",
	"unavailable",
	"resource exhausted",
	"deadlock",
	"could not serialize access",
	"loading dataset in memory",
}

var conflictMessageFragments = []string{
	"unique constraint",
	"duplicate key",
}

// Classify wraps err with its Kind. Nil stays nil and already classified errors pass through.
func Classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: kindOf(err), Operation: operation, Err: err}
}

// NewNotFound builds a classified not-found error.
func NewNotFound(operation string, cause error) error {
	return &Error{Kind: KindNotFound, Operation: operation, Err: cause}
}

// KindOf reports the Kind of a classified error, or KindPermanent otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == KindTransient
	}
	return kindOf(err) == KindTransient
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, redis.Nil):
		return KindNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return KindConflict
	case errors.Is(err, context.Canceled):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range conflictMessageFragments {
		if strings.Contains(message, fragment) {
			return KindConflict
		}
	}
	for _, fragment := range transientMessageFragments {
		if strings.Contains(message, fragment) {
			return KindTransient
		}
	}
	return KindPermanent
}
