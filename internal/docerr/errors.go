// Package docerr holds the error taxonomy shared by the processing pipeline.
package docerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind string

const (
	// KindDocumentIO is a failure of the document handle itself. Fatal for the run.
	KindDocumentIO Kind = "DOCUMENT_IO"
	// KindUnreadable means the document could not be opened for assessment.
	KindUnreadable Kind = "UNREADABLE_DOCUMENT"
	// KindUnitDecode is a per-unit decode failure. The unit is skipped.
	KindUnitDecode Kind = "UNIT_DECODE"
	// KindEscalationTransport is a transport, quota or timeout failure of a fallback tier.
	KindEscalationTransport Kind = "ESCALATION_TRANSPORT"
	// KindChecksumMismatch rejects a checkpoint written for another document.
	KindChecksumMismatch Kind = "CHECKSUM_MISMATCH_ON_RESUME"
)

// NoUnit marks errors that are not tied to a single unit.
const NoUnit = -1

// Error is the pipeline's typed error.
type Error struct {
	Kind    Kind
	Message string
	Unit    int
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Unit != NoUnit {
		prefix = fmt.Sprintf("%s (unit %d)", e.Kind, e.Unit)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, unit int, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Unit: unit, Cause: cause}
}

func DocumentIO(message string, cause error) *Error {
	return New(KindDocumentIO, NoUnit, message, cause)
}

func Unreadable(message string, cause error) *Error {
	return New(KindUnreadable, NoUnit, message, cause)
}

func UnitDecode(unit int, cause error) *Error {
	return New(KindUnitDecode, unit, "failed to decode unit", cause)
}

func EscalationTransport(unit int, message string, cause error) *Error {
	return New(KindEscalationTransport, unit, message, cause)
}

func ChecksumMismatch(message string) *Error {
	return New(KindChecksumMismatch, NoUnit, message, nil)
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}
