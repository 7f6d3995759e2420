// Package mac evaluates mandatory access control decisions between a
// subject label and an object label. Decisions are pure: auditing them is
// the caller's job.
package mac

import (
	"errors"
	"fmt"

	"github.com/ppiankov/chainseal/internal/label"
)

// Decision codes carried by DenyError.
const (
	CodeDenyRead  = "MAC_DENY_READ"
	CodeDenyWrite = "MAC_DENY_WRITE"
)

var (
	// ErrDenyRead matches any no-read-up violation.
	ErrDenyRead = errors.New(CodeDenyRead)
	// ErrDenyWrite matches any no-write-down violation.
	ErrDenyWrite = errors.New(CodeDenyWrite)
)

// DenyError describes a refused access. It is always fatal to the
// requested operation.
type DenyError struct {
	Code    string
	Subject label.Label
	Object  label.Label
	Reason  string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("%s: %s (subject %s, object %s)", e.Code, e.Reason, e.Subject, e.Object)
}

// Is lets errors.Is match the sentinel for the same code.
func (e *DenyError) Is(target error) bool {
	switch target {
	case ErrDenyRead:
		return e.Code == CodeDenyRead
	case ErrDenyWrite:
		return e.Code == CodeDenyWrite
	}
	return false
}

// EnforceNoReadUp denies when the object is classified above the subject
// or carries a compartment the subject lacks.
func EnforceNoReadUp(subject, object label.Label) error {
	if object.Level > subject.Level {
		return &DenyError{
			Code:    CodeDenyRead,
			Subject: subject,
			Object:  object,
			Reason:  fmt.Sprintf("object level %s exceeds subject level %s", object.Level, subject.Level),
		}
	}
	if !subject.CoversCompartments(object) {
		return &DenyError{
			Code:    CodeDenyRead,
			Subject: subject,
			Object:  object,
			Reason:  "object compartments are not a subset of subject compartments",
		}
	}
	return nil
}

// EnforceNoWriteDown denies when the subject is classified above the
// object or carries a compartment the object lacks.
//
// The compartment rule requires the object to carry every subject
// compartment, which is stricter than the classical *-property.
func EnforceNoWriteDown(subject, object label.Label) error {
	if subject.Level > object.Level {
		return &DenyError{
			Code:    CodeDenyWrite,
			Subject: subject,
			Object:  object,
			Reason:  fmt.Sprintf("subject level %s exceeds object level %s", subject.Level, object.Level),
		}
	}
	if !object.CoversCompartments(subject) {
		return &DenyError{
			Code:    CodeDenyWrite,
			Subject: subject,
			Object:  object,
			Reason:  "subject compartments are not a subset of object compartments",
		}
	}
	return nil
}
