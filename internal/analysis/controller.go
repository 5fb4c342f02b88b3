// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package analysis provides the debounced prompt-analysis controller that
// sits between a typing user and the enrichment pipeline.
//
// Each keystroke resets a debounce timer; when the timer fires, one
// analysis is issued. While an analysis is in flight, newer input
// invalidates it: results are applied only when their request sequence
// token still matches the latest input, so an older, slower analysis can
// never overwrite a newer, faster one regardless of completion order.
// In-flight provider calls are not aborted; staleness is resolved entirely
// at the point the result is consumed.
package analysis

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/moffipet/moffi-ai/internal/enrich"
)

// =============================================================================
// ANALYZER INTERFACE
// =============================================================================

// Analyzer is the slice of the enricher the controller needs. Satisfied by
// *enrich.Enricher; tests substitute fakes.
type Analyzer interface {
	Analyze(ctx context.Context, text, style string) *enrich.PromptAnalysisResult
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller debounces input changes and exposes the latest analysis
// result. Safe for concurrent use, though input is expected from a single
// UI source.
type Controller struct {
	analyzer Analyzer
	debounce time.Duration
	minRunes int

	mu        sync.Mutex
	seq       uint64 // monotonic request-sequence token
	inflight  uint64 // token of the most recently issued analysis
	timer     *time.Timer
	result    *enrich.PromptAnalysisResult
	analyzing bool
	closed    bool

	// onSettle, when set, is called after a result is applied or
	// discarded. Tests use it to synchronize without sleeping.
	onSettle func(applied bool)
}

// NewController creates a controller with the given debounce delay and
// minimum input length in runes.
func NewController(analyzer Analyzer, debounce time.Duration, minRunes int) *Controller {
	return &Controller{
		analyzer: analyzer,
		debounce: debounce,
		minRunes: minRunes,
	}
}

// View returns the current result (nil when none) and whether an analysis
// is in flight.
func (c *Controller) View() (result *enrich.PromptAnalysisResult, analyzing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.analyzing
}

// OnInputChange records a new input value. Input shorter than the minimum
// length clears the result and cancels any pending timer; any in-flight
// analysis for older input is invalidated either way. Longer input arms
// the debounce timer.
//
// The sequence token is advanced synchronously here, before any async
// work is issued, so a result resolving later can be checked against it.
func (c *Controller) OnInputChange(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	// Every input change supersedes whatever was pending or in flight.
	c.seq++
	token := c.seq

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if utf8.RuneCountInString(text) < c.minRunes {
		c.result = nil
		c.analyzing = false
		return
	}

	c.timer = time.AfterFunc(c.debounce, func() {
		c.fire(token, text)
	})
}

// fire runs when the debounce timer elapses. It issues the analysis only
// if no newer input arrived while the timer was pending.
func (c *Controller) fire(token uint64, text string) {
	c.mu.Lock()
	if c.closed || token != c.seq {
		c.mu.Unlock()
		return
	}
	c.analyzing = true
	c.inflight = token
	c.mu.Unlock()

	// The analyze call runs outside the lock; it may take seconds.
	result := c.analyzer.Analyze(context.Background(), text, "")

	c.mu.Lock()
	applied := !c.closed && token == c.seq
	if applied {
		c.result = result
	}
	// Only the most recently issued analysis clears the in-flight flag;
	// a stale resolver must not mask a newer call still running.
	if c.inflight == token {
		c.analyzing = false
	}
	settle := c.onSettle
	c.mu.Unlock()

	if settle != nil {
		settle(applied)
	}
}

// Close stops the pending timer and invalidates any in-flight analysis.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.result = nil
	c.analyzing = false
}
