// Package fault holds the error kinds every ledger operation reports.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNone               Kind = ""
	KindNotFound           Kind = "NOT_FOUND"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindAlreadyInitialized Kind = "ALREADY_INITIALIZED"
	KindInvalidState       Kind = "INVALID_STATE"
	KindInternal           Kind = "INTERNAL"
)

// NotFound is returned when an account, entry, mailbox or key is absent.
type NotFound struct {
	What string
	Key  string
}

func (e *NotFound) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.What)
	}
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

// Unauthorized is returned when the caller lacks the required capability.
// Reason must never name which of several accounts failed.
type Unauthorized struct {
	Reason string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

type AlreadyInitialized struct {
	Account string
}

func (e *AlreadyInitialized) Error() string {
	return fmt.Sprintf("account %s has already been initialized", e.Account)
}

type InvalidState struct {
	Key    string
	Reason string
}

func (e *InvalidState) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid state: %s", e.Reason)
	}
	return fmt.Sprintf("invalid state for '%s': %s", e.Key, e.Reason)
}

func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}

func IsUnauthorized(err error) bool {
	var e *Unauthorized
	return errors.As(err, &e)
}

func IsAlreadyInitialized(err error) bool {
	var e *AlreadyInitialized
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidState
	return errors.As(err, &e)
}

// KindOf reports the kind carried anywhere in err's chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case IsNotFound(err):
		return KindNotFound
	case IsUnauthorized(err):
		return KindUnauthorized
	case IsAlreadyInitialized(err):
		return KindAlreadyInitialized
	case IsInvalidState(err):
		return KindInvalidState
	}
	return KindInternal
}

// FromKind rebuilds a typed error from a kind and message received over the wire.
func FromKind(kind Kind, message string) error {
	switch kind {
	case KindNotFound:
		return &NotFound{What: message}
	case KindUnauthorized:
		return &Unauthorized{Reason: message}
	case KindAlreadyInitialized:
		return &AlreadyInitialized{Account: message}
	case KindInvalidState:
		return &InvalidState{Reason: message}
	}
	return errors.New(message)
}
