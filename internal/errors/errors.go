package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of failure categories the orchestrator reports.
type Kind uint8

const (
	KindInternal Kind = iota
	KindConflict
	KindPolicyViolation
	KindLockTimeout
	KindExternalToolTimeout
	KindExternalTool
	KindNotFound
	KindCorruptDocument
	KindInvalidInput
	KindInvalidTransition
	KindTransient
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindConflict:            "Conflict",
	KindPolicyViolation:     "PolicyViolation",
	KindLockTimeout:         "LockTimeout",
	KindExternalToolTimeout: "ExternalToolTimeout",
	KindExternalTool:        "ExternalTool",
	KindNotFound:            "NotFound",
	KindCorruptDocument:     "CorruptDocument",
	KindInvalidInput:        "InvalidInput",
	KindInvalidTransition:   "InvalidTransition",
	KindTransient:           "Transient",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Error is the tagged error carried across component boundaries.
// Callers match on Kind with errors.Is against the sentinels below
// or with errors.As to inspect Op and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(strings.ToLower(e.Kind.String()))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels, one per Kind.
var (
	ErrInternal            = &Error{Kind: KindInternal}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrPolicyViolation     = &Error{Kind: KindPolicyViolation}
	ErrLockTimeout         = &Error{Kind: KindLockTimeout}
	ErrExternalToolTimeout = &Error{Kind: KindExternalToolTimeout}
	ErrExternalTool        = &Error{Kind: KindExternalTool}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrCorruptDocument     = &Error{Kind: KindCorruptDocument}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrTransient           = &Error{Kind: KindTransient}
)

// E builds a tagged error.
func E(kind Kind, op string, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func Conflict(op, msg string) error {
	return E(KindConflict, op, msg, nil)
}

func NotFound(op, msg string) error {
	return E(KindNotFound, op, msg, nil)
}

func InvalidInput(op, msg string) error {
	return E(KindInvalidInput, op, msg, nil)
}

func InvalidTransition(op string, from, to string) error {
	return E(KindInvalidTransition, op, fmt.Sprintf("transition %s -> %s not allowed", from, to), nil)
}

func LockTimeout(op, msg string, cause error) error {
	return E(KindLockTimeout, op, msg, cause)
}

func ExternalToolTimeout(op, msg string, cause error) error {
	return E(KindExternalToolTimeout, op, msg, cause)
}

func ExternalTool(op, msg string, cause error) error {
	return E(KindExternalTool, op, msg, cause)
}

func CorruptDocument(op, msg string, cause error) error {
	return E(KindCorruptDocument, op, msg, cause)
}

func Transient(op, msg string, cause error) error {
	return E(KindTransient, op, msg, cause)
}

func Internal(op, msg string, cause error) error {
	return E(KindInternal, op, msg, cause)
}

// KindOf returns the Kind of the outermost tagged error in the chain.
// Untagged errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Re-exports so callers importing this package under the std name keep working.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
