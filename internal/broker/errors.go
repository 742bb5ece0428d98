package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, throttling, 5xx
	ErrTransient = errors.New("transient broker error")
	// ErrRejected marks failures the broker will repeat: bad params, funds, unknown order
	ErrRejected = errors.New("broker rejected request")
)

type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify sorts an error returned by a Client into retryable or not
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrRejected):
		return ClassRejected
	case errors.Is(err, ErrTransient),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable reports whether retrying the same call could succeed
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// Transientf builds an error classified as transient
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Rejectedf builds an error classified as a rejection
func Rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}
