// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the generative provider abstraction used by the
// chat and enrichment pipelines: a small capability interface, a typed error
// taxonomy classified from provider-specific signals, and a fallback
// executor that tries a priority-ordered list of providers and degrades to
// a locally synthesized response when all of them fail.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// CLIENT INTERFACE
// =============================================================================

// KeySource supplies the current API key for a binding. Bindings call it
// on every request, so a source backed by a live configuration snapshot
// picks up rotated keys without a restart.
type KeySource func() string

// StaticKey returns a KeySource for a fixed key.
func StaticKey(key string) KeySource {
	key = strings.TrimSpace(key)
	return func() string { return key }
}

// Client is the capability interface implemented by every text provider.
type Client interface {
	// GenerateText produces a completion for userText under the given
	// system context. Implementations must honor ctx cancellation and
	// return a *Error for provider-side failures.
	GenerateText(ctx context.Context, systemContext, userText string) (string, error)

	// Name identifies the provider in logs and attempt records.
	Name() string

	// IsConfigured reports whether the binding has credentials. The
	// fallback chain skips unconfigured providers without counting an
	// attempt against them.
	IsConfigured() bool
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a provider failure.
type ErrorKind int

// Provider error kinds, classified from provider-specific status signals.
const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindUnauthorized
	KindUnavailable
)

// String returns the kind name for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNotConfigured indicates a provider binding has no API key.
var ErrNotConfigured = errors.New("provider not configured")

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// classifyErr wraps an arbitrary transport error as a *Error. Timeouts,
// cancellation and network-level failures are all Unavailable so a hung
// provider never stalls the fallback chain.
func classifyErr(providerName string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: providerName, Kind: KindUnavailable, Err: err, Message: err.Error()}
}

// =============================================================================
// ATTEMPT BOOKKEEPING
// =============================================================================

// Outcome is the result category of one provider attempt.
type Outcome int

// Attempt outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimeout
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Attempt records a single provider call, used only to drive fallback
// progression and logging. Attempts are not retained beyond the call.
type Attempt struct {
	Provider string
	Outcome  Outcome
	Latency  time.Duration
}
