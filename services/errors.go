package services

import (
	"errors"
	"fmt"
	"strings"
)

var errIncompleteSubscription = errors.New("provider returned no status or period end")

// SignatureVerificationError means the payload could not be authenticated.
type SignatureVerificationError struct {
	Err error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed: %v", e.Err)
}

func (e *SignatureVerificationError) Unwrap() error { return e.Err }

// ValidationError means a required field was missing from an event.
type ValidationError struct {
	EventType string
	Fields    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing required fields: %s", e.EventType, strings.Join(e.Fields, ", "))
}

// IdentityResolutionError means no existing user could be matched to a checkout.
type IdentityResolutionError struct {
	ClientReferenceID string
	Email             string
}

func (e *IdentityResolutionError) Error() string {
	return fmt.Sprintf("could not resolve user (client_reference_id=%q, email=%q)", e.ClientReferenceID, e.Email)
}

// DuplicateSubscriptionError reports a blocked second subscription for a
// customer. It is a business outcome rather than a failure.
type DuplicateSubscriptionError struct {
	SubscriptionID         string
	CustomerID             string
	ExistingSubscriptionID string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("customer %s already has subscription %s; blocked %s", e.CustomerID, e.ExistingSubscriptionID, e.SubscriptionID)
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProviderError wraps a failed call to the billing provider API.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTerminal reports whether redelivering the same event can never succeed.
func IsTerminal(err error) bool {
	var sigErr *SignatureVerificationError
	var valErr *ValidationError
	var idErr *IdentityResolutionError
	return errors.As(err, &sigErr) || errors.As(err, &valErr) || errors.As(err, &idErr)
}

// IsRetryable reports whether the failure is transient and the provider
// should redeliver the event.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	var dupErr *DuplicateSubscriptionError
	return !errors.As(err, &dupErr)
}
