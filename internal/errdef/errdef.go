// Package errdef defines the error kinds surfaced by the cluster lifecycle. Every kind comes as a
// constructor and a predicate. Constructors accept a format string like [fmt.Errorf] so causes can
// be wrapped using %w and stay reachable through [errors.Is] and [errors.As].
package errdef

import (
	"errors"
	"fmt"
)

// NewValidation creates an error representing invalid local input like a malformed cluster
// identity or pod spec override. Validation errors never involve the orchestration platform.
func NewValidation(format string, a ...any) error {
	return validation{fmt.Errorf(format, a...)}
}

type validation struct{ error }

func (e validation) Unwrap() error { return e.error }

// IsValidation returns true if err is an error representing invalid local input and false otherwise.
func IsValidation(err error) bool {
	var e validation
	return errors.As(err, &e)
}

// NewAuthentication creates an error representing missing or rejected platform credentials.
func NewAuthentication(format string, a ...any) error {
	return authentication{fmt.Errorf(format, a...)}
}

type authentication struct{ error }

func (e authentication) Unwrap() error { return e.error }

func IsAuthentication(err error) bool {
	var e authentication
	return errors.As(err, &e)
}

// NewProvisioning creates an error representing the platform rejecting a create or patch.
func NewProvisioning(format string, a ...any) error {
	return provisioning{fmt.Errorf(format, a...)}
}

type provisioning struct{ error }

func (e provisioning) Unwrap() error { return e.error }

func IsProvisioning(err error) bool {
	var e provisioning
	return errors.As(err, &e)
}

// NewTimeout creates an error representing a bounded wait that was exceeded.
func NewTimeout(format string, a ...any) error {
	return timeout{fmt.Errorf(format, a...)}
}

type timeout struct{ error }

func (e timeout) Unwrap() error { return e.error }

// IsTimeout returns true if err is an error representing an exceeded wait, including endpoint
// timeouts, and false otherwise.
func IsTimeout(err error) bool {
	var e timeout
	return errors.As(err, &e)
}

// NewEndpointTimeout creates an error representing external addresses not being assigned in time.
// An endpoint timeout is also a timeout.
func NewEndpointTimeout(format string, a ...any) error {
	return endpointTimeout{timeout{fmt.Errorf(format, a...)}}
}

type endpointTimeout struct{ error }

func (e endpointTimeout) Unwrap() error { return e.error }

func IsEndpointTimeout(err error) bool {
	var e endpointTimeout
	return errors.As(err, &e)
}

// NewClosedCluster creates an error representing an operation on a cluster that was closed.
func NewClosedCluster(format string, a ...any) error {
	return closedCluster{fmt.Errorf(format, a...)}
}

type closedCluster struct{ error }

func (e closedCluster) Unwrap() error { return e.error }

func IsClosedCluster(err error) bool {
	var e closedCluster
	return errors.As(err, &e)
}

// NewNotCreated creates an error representing an operation on a cluster that was not created yet.
func NewNotCreated(format string, a ...any) error {
	return notCreated{fmt.Errorf(format, a...)}
}

type notCreated struct{ error }

func (e notCreated) Unwrap() error { return e.error }

func IsNotCreated(err error) bool {
	var e notCreated
	return errors.As(err, &e)
}

// NewInvalidScale creates an error representing a negative desired worker count.
func NewInvalidScale(format string, a ...any) error {
	return invalidScale{fmt.Errorf(format, a...)}
}

type invalidScale struct{ error }

func (e invalidScale) Unwrap() error { return e.error }

func IsInvalidScale(err error) bool {
	var e invalidScale
	return errors.As(err, &e)
}

func NewBadRequest(format string, a ...any) error {
	return badRequest{fmt.Errorf(format, a...)}
}

type badRequest struct{ error }

func (e badRequest) Unwrap() error { return e.error }

func IsBadRequest(err error) bool {
	var e badRequest
	return errors.As(err, &e)
}

// NewNotFound creates an error representing a resource that could not be found.
func NewNotFound(format string, a ...any) error {
	return notFound{fmt.Errorf(format, a...)}
}

type notFound struct{ error }

func (e notFound) Unwrap() error { return e.error }

// IsNotFound returns true if err is an error representing a resource that could not be found and false otherwise.
func IsNotFound(err error) bool {
	var e notFound
	return errors.As(err, &e)
}

// NewConflict creates an error representing a conflicting state.
func NewConflict(format string, a ...any) error {
	return conflict{fmt.Errorf(format, a...)}
}

type conflict struct{ error }

func (e conflict) Unwrap() error { return e.error }

// IsConflict returns true if err is an error representing a conflict and false otherwise.
func IsConflict(err error) bool {
	var e conflict
	return errors.As(err, &e)
}
