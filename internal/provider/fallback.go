// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"log"
	"time"
)

// =============================================================================
// FALLBACK EXECUTOR
// =============================================================================

// FallbackFunc synthesizes a local response from the last user message when
// every provider has failed.
type FallbackFunc func(userText string) string

// FallbackExecutor tries a priority-ordered list of providers and
// short-circuits on the first success. When all providers fail it returns
// a locally computed canned response instead of an error: callers of
// Execute never see a raw provider failure.
//
// Attempts are made sequentially, never concurrently. Speculative parallel
// calls to multiple paid providers would burn quota for no user benefit.
type FallbackExecutor struct {
	clients  []Client
	fallback FallbackFunc
}

// NewFallbackExecutor creates an executor over the given providers, in
// priority order. The fallback function is required.
func NewFallbackExecutor(fallback FallbackFunc, clients ...Client) *FallbackExecutor {
	return &FallbackExecutor{
		clients:  clients,
		fallback: fallback,
	}
}

// Clients returns the configured chain, in priority order.
func (f *FallbackExecutor) Clients() []Client {
	return f.clients
}

// Primary returns the first configured provider in the chain, or nil.
func (f *FallbackExecutor) Primary() Client {
	for _, c := range f.clients {
		if c.IsConfigured() {
			return c
		}
	}
	return nil
}

// Execute runs the chain for one generation. userText is what providers
// see (it may be a whole transcript); lastUserMessage feeds the canned
// fallback, which pattern-matches on the user's final message only.
//
// The returned degraded flag is true when the text came from the local
// fallback rather than a provider. The error return is always nil for
// provider failures; it is reserved for context cancellation of the
// overall request.
func (f *FallbackExecutor) Execute(ctx context.Context, systemContext, userText, lastUserMessage string) (text string, degraded bool, err error) {
	for _, client := range f.clients {
		if !client.IsConfigured() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		attempt := f.try(ctx, client, systemContext, userText)
		log.Printf("PROVIDER_ATTEMPT | provider=%s outcome=%s latency=%dms",
			attempt.Provider, attempt.Outcome, attempt.Latency.Milliseconds())

		if attempt.Outcome == OutcomeSuccess {
			return attempt.text, false, nil
		}
	}

	// Chain exhausted (or nothing configured): always respond.
	return f.fallback(lastUserMessage), true, nil
}

// TryGenerate runs the chain but surfaces the final error instead of the
// canned fallback. Used where the caller has its own degradation policy,
// such as the enricher's degraded analysis result.
func (f *FallbackExecutor) TryGenerate(ctx context.Context, systemContext, userText string) (string, error) {
	var lastErr error
	for _, client := range f.clients {
		if !client.IsConfigured() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		attempt := f.try(ctx, client, systemContext, userText)
		log.Printf("PROVIDER_ATTEMPT | provider=%s outcome=%s latency=%dms",
			attempt.Provider, attempt.Outcome, attempt.Latency.Milliseconds())

		if attempt.Outcome == OutcomeSuccess {
			return attempt.text, nil
		}
		lastErr = attempt.err
	}

	if lastErr == nil {
		lastErr = &Error{Provider: "chain", Kind: KindUnavailable, Err: ErrNotConfigured, Message: "no provider configured"}
	}
	return "", lastErr
}

// tryResult extends Attempt with the call outputs for internal use.
type tryResult struct {
	Attempt
	text string
	err  error
}

// try performs a single provider call and records the attempt.
func (f *FallbackExecutor) try(ctx context.Context, client Client, systemContext, userText string) tryResult {
	start := time.Now()
	text, err := client.GenerateText(ctx, systemContext, userText)
	latency := time.Since(start)

	res := tryResult{
		Attempt: Attempt{Provider: client.Name(), Latency: latency},
		text:    text,
		err:     err,
	}

	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
	default:
		res.Outcome = OutcomeError
	}
	return res
}
