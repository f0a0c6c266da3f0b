package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/memory-mesh/pkg/types"
)

// Kind classifies an adapter failure.
type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindTimeout
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrorKind maps k onto the caller-visible taxonomy.
func (k Kind) ErrorKind() types.ErrorKind {
	switch k {
	case KindTimeout:
		return types.KindBackendTimeout
	case KindRejected:
		return types.KindBackendRejected
	default:
		return types.KindBackendUnavailable
	}
}

// Sentinels for errors.Is checks against *Error.
var (
	ErrUnavailable = goerr.New("backend unavailable")
	ErrTimeout     = goerr.New("backend timeout")
	ErrRejected    = goerr.New("backend rejected")
)

// Error is the failure of one operation on one adapter.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// Unavailable reports that the store could not be reached.
func Unavailable(backend, op string, err error) error {
	return &Error{Kind: KindUnavailable, Backend: backend, Op: op, Err: err}
}

// Timeout reports that the store did not answer before the deadline.
func Timeout(backend, op string, err error) error {
	return &Error{Kind: KindTimeout, Backend: backend, Op: op, Err: err}
}

// Rejected reports that the store refused the request, e.g. a schema mismatch.
func Rejected(backend, op string, err error) error {
	return &Error{Kind: KindRejected, Backend: backend, Op: op, Err: err}
}

// KindOf extracts the failure kind of err. Context deadlines count as
// timeouts and anything unclassified counts as unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// FromContext wraps err as a Timeout when ctx has expired and returns nil
// otherwise. Adapters use it before classifying driver errors.
func FromContext(ctx context.Context, backend, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Timeout(backend, op, err)
		}
		return Unavailable(backend, op, err)
	}
	return nil
}
