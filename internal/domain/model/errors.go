package model

import (
	"errors"
)

// ErrorKind names a failure class of the protection pipeline. The string
// value is what callers surface to users verbatim.
type ErrorKind string

const (
	KindInvalidRecord        ErrorKind = "InvalidRecord"
	KindMalformedRecord      ErrorKind = "MalformedRecord"
	KindKeyMaterialNotFound  ErrorKind = "KeyMaterialNotFound"
	KindInvalidKeyShare      ErrorKind = "InvalidKeyShare"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindIntegrityCheckFailed ErrorKind = "IntegrityCheckFailed"
)

// Sentinels for errors.Is. Any *ProtectionError of the same kind matches.
var (
	ErrInvalidRecord        = &ProtectionError{Kind: KindInvalidRecord}
	ErrMalformedRecord      = &ProtectionError{Kind: KindMalformedRecord}
	ErrKeyMaterialNotFound  = &ProtectionError{Kind: KindKeyMaterialNotFound}
	ErrInvalidKeyShare      = &ProtectionError{Kind: KindInvalidKeyShare}
	ErrAuthenticationFailed = &ProtectionError{Kind: KindAuthenticationFailed}
	ErrIntegrityCheckFailed = &ProtectionError{Kind: KindIntegrityCheckFailed}
)

// ProtectionError is the typed failure value returned by every stage of the
// pipeline. Op names the failing step; Err is the underlying cause, if any.
type ProtectionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Fail builds a ProtectionError of the given kind.
func Fail(kind ErrorKind, op string, err error) error {
	return &ProtectionError{Kind: kind, Op: op, Err: err}
}

func (e *ProtectionError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ProtectionError of the same kind.
func (e *ProtectionError) Is(target error) bool {
	t, ok := target.(*ProtectionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first ProtectionError in err's chain, or
// the empty kind if there is none.
func KindOf(err error) ErrorKind {
	var pe *ProtectionError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
