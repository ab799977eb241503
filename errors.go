package embedoc

import "fmt"

// ErrorKind classifies the errors embedoc's core can raise, per the error
// handling design: NotFound, Conflict, InvalidValue, InvalidState, or a
// bubbled Storage failure.
type ErrorKind int

const (
	// ErrStorage wraps any failure reported by the storage engine that
	// doesn't fall into one of the more specific kinds below.
	ErrStorage ErrorKind = iota
	// ErrNotFound is returned when an operation targets an unknown
	// document or revision (e.g. delete before save).
	ErrNotFound
	// ErrConflict is returned when a save meets a conflicting revision
	// and the conflict resolver returns nil. The merge runs once, inside
	// the save's own transaction, with no retry; a conflicting delete
	// yields to the stored revision instead of returning ErrConflict.
	ErrConflict
	// ErrInvalidValue is returned when a property is set to an
	// unsupported type.
	ErrInvalidValue
	// ErrInvalidState is returned for operations on a closed database,
	// writes against a read-only database, an uninstalled blob needing
	// store access, or an attempt to install a blob into a different
	// database. Detached and invalidated Subdocuments never return it;
	// their methods act on their own local state.
	ErrInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case ErrStorage:
		return "storage"
	case ErrNotFound:
		return "not found"
	case ErrConflict:
		return "conflict"
	case ErrInvalidValue:
		return "invalid value"
	case ErrInvalidState:
		return "invalid state"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Error is the error type returned by every embedoc entry point. It
// carries the document ID the failure relates to (when known) so logs and
// error messages can be correlated without a separate context argument.
type Error struct {
	Kind  ErrorKind
	DocID string
	Msg   string
	Err   error
}

func newError(kind ErrorKind, docID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, DocID: docID, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	var docPart string
	if e.DocID != "" {
		docPart = e.DocID + ": "
	}
	if e.Err != nil {
		return fmt.Sprintf("embedoc: %s%s (%s): %v", docPart, e.Msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("embedoc: %s%s (%s)", docPart, e.Msg, e.Kind)
}

// Is lets errors.Is(err, embedoc.ErrConflict) work against the ErrorKind
// constants directly.
func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrorKind); ok {
		return e.Kind == k
	}
	return false
}

func (k ErrorKind) Error() string { return k.String() }

func errNotFound(docID string, format string, args ...any) error {
	return newError(ErrNotFound, docID, nil, format, args...)
}

func errConflict(docID string, format string, args ...any) error {
	return newError(ErrConflict, docID, nil, format, args...)
}

func errInvalidValue(docID string, format string, args ...any) error {
	return newError(ErrInvalidValue, docID, nil, format, args...)
}

func errInvalidState(docID string, format string, args ...any) error {
	return newError(ErrInvalidState, docID, nil, format, args...)
}

func errStorage(docID string, err error, format string, args ...any) error {
	return newError(ErrStorage, docID, err, format, args...)
}
