package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures surfaced by a discovery session.
type ErrorKind string

const (
	KindInvalidScope      ErrorKind = "InvalidScope"
	KindCredential        ErrorKind = "CredentialError"
	KindTransientSource   ErrorKind = "TransientSourceError"
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindPersistence       ErrorKind = "PersistenceError"
	KindDanglingReference ErrorKind = "DanglingReference"
	KindNoCheckpoint      ErrorKind = "NoCheckpoint"
)

// Sentinels for errors.Is checks against a DiscoveryError's kind.
var (
	ErrInvalidScope      = errors.New("invalid scope")
	ErrCredential        = errors.New("credential error")
	ErrTransientSource   = errors.New("transient source error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrPersistence       = errors.New("persistence error")
	ErrDanglingReference = errors.New("dangling reference")
	ErrNoCheckpoint      = errors.New("no checkpoint")
)

var sentinels = map[ErrorKind]error{
	KindInvalidScope:      ErrInvalidScope,
	KindCredential:        ErrCredential,
	KindTransientSource:   ErrTransientSource,
	KindPermissionDenied:  ErrPermissionDenied,
	KindPersistence:       ErrPersistence,
	KindDanglingReference: ErrDanglingReference,
	KindNoCheckpoint:      ErrNoCheckpoint,
}

// Fatal reports whether an error of this kind ends the session.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindInvalidScope, KindCredential, KindPersistence:
		return true
	}
	return false
}

// Warning reports whether the kind is a data-quality warning only.
func (k ErrorKind) Warning() bool {
	return k == KindDanglingReference
}

// DiscoveryError carries the kind of a failure plus the unit or
// resource it concerns. It is stored verbatim in the session error log.
type DiscoveryError struct {
	Kind       ErrorKind `json:"kind"`
	UnitID     string    `json:"unit_id,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	Attempts   int       `json:"attempts,omitempty"`
	At         time.Time `json:"at"`
	Cause      string    `json:"cause,omitempty"`

	Err error `json:"-"`
}

// NewError creates a DiscoveryError of the given kind.
func NewError(kind ErrorKind, msg string) *DiscoveryError {
	return &DiscoveryError{Kind: kind, Message: msg, At: time.Now().UTC()}
}

// WrapError creates a DiscoveryError that wraps cause.
func WrapError(kind ErrorKind, msg string, cause error) *DiscoveryError {
	e := NewError(kind, msg)
	e.Err = cause
	if cause != nil {
		e.Cause = cause.Error()
	}
	e.Retryable = kind == KindTransientSource
	return e
}

// ForUnit sets the unit context.
func (e *DiscoveryError) ForUnit(unitID string) *DiscoveryError {
	e.UnitID = unitID
	return e
}

// ForResource sets the resource context.
func (e *DiscoveryError) ForResource(resourceID string) *DiscoveryError {
	e.ResourceID = resourceID
	return e
}

func (e *DiscoveryError) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.UnitID != "" {
		msg += fmt.Sprintf(" (unit %s)", e.UnitID)
	}
	if e.ResourceID != "" {
		msg += fmt.Sprintf(" (resource %s)", e.ResourceID)
	}
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *DiscoveryError) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the kind from any error in the chain, or "".
func KindOf(err error) ErrorKind {
	var de *DiscoveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}
