package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	conflictCodes    = []codes.Code{codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange}
	unavailableCodes = []codes.Code{codes.Unavailable, codes.ResourceExhausted, codes.Internal}
)

// Error is a Firestore failure tagged with the collection operation and the gRPC status code the
// backend answered with. It satisfies repositories.RepositoryError.
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op == "":
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.Code == codes.NotFound }
func (e *Error) IsConflict() bool    { return e != nil && hasCode(conflictCodes, e.Code) }
func (e *Error) IsUnavailable() bool { return e != nil && hasCode(unavailableCodes, e.Code) }

func hasCode(set []codes.Code, code codes.Code) bool {
	for _, candidate := range set {
		if candidate == code {
			return true
		}
	}
	return false
}

// WrapError tags err with op and its status code. Cancellation, whether local or reported by the
// backend, comes back as the plain context error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := asContextError(err); ctxErr != nil {
		return ctxErr
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if tagged.Op == "" {
			tagged.Op = op
		}
		return tagged
	}
	return &Error{Op: op, Code: status.Code(err), Err: err}
}

func asContextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case status.Code(err) == codes.Canceled:
		return context.Canceled
	case status.Code(err) == codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return nil
}

// IsNotFound reports whether err is a Firestore not-found failure, tagged or raw.
func IsNotFound(err error) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
