// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates a single conversation session: it owns the
// bounded turn list, prepends the assistant persona, delegates generation
// to the provider fallback chain, and streams a canned response with live
// pacing when every provider is down.
package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moffipet/moffi-ai/internal/provider"
)

// =============================================================================
// TURNS
// =============================================================================

// Role identifies the author of a conversation turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// personaInstruction is the fixed system turn prepended to every
// generation. It never appears in the turn list itself.
const personaInstruction = "You are Moffi, the friendly assistant of the MoffiPet app. " +
	"You help pet owners with feeding, care, training and daily routines. " +
	"Answer warmly and concretely, in the language the user writes in. " +
	"For medical concerns, always recommend seeing a veterinarian."

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Chunk is one piece of a streamed response.
type Chunk struct {
	Text string
	// Degraded is true when the response was synthesized locally.
	Degraded bool
	// Final marks the last chunk of the stream.
	Final bool
}

// Orchestrator manages one chat session. Turns are processed and appended
// strictly in submission order; a mutex serializes concurrent callers.
type Orchestrator struct {
	chain         *provider.FallbackExecutor
	maxTurns      int
	fallbackDelay time.Duration

	mu        sync.Mutex
	sessionID string
	turns     []Turn
}

// NewOrchestrator creates a session over the given provider chain.
// maxTurns bounds the history; fallbackDelay is the inter-token delay used
// when streaming a canned response.
func NewOrchestrator(chain *provider.FallbackExecutor, maxTurns int, fallbackDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		chain:         chain,
		maxTurns:      maxTurns,
		fallbackDelay: fallbackDelay,
		sessionID:     uuid.NewString(),
	}
}

// SessionID returns the session identifier used in logs.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Seed replaces the conversation history, used when the transcript travels
// with the request rather than living server-side. The bound still applies.
func (o *Orchestrator) Seed(turns []Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = o.turns[:0]
	for _, t := range turns {
		o.appendLocked(t)
	}
}

// Turns returns a copy of the conversation history.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Turn(nil), o.turns...)
}

// Respond processes one user message and returns the assistant reply in
// batch form. The reply is never an error: provider exhaustion yields the
// canned response with the offline marker. The returned degraded flag
// tells the caller which it was.
func (o *Orchestrator) Respond(ctx context.Context, userMessage string) (reply string, degraded bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.appendLocked(Turn{Role: RoleUser, Content: userMessage, Timestamp: time.Now()})

	text, degraded, err := o.chain.Execute(ctx, personaInstruction, o.transcriptLocked(), userMessage)
	if err != nil {
		// Context cancellation only; nothing was generated.
		return "", false, err
	}

	o.appendLocked(Turn{Role: RoleAssistant, Content: text, Timestamp: time.Now()})
	log.Printf("CHAT_TURN | session=%s degraded=%t turns=%d", o.sessionID, degraded, len(o.turns))
	return text, degraded, nil
}

// RespondStream processes one user message and returns a finite,
// non-restartable stream of chunks. Live responses are emitted word by
// word without artificial delay; a degraded (canned) response is paced at
// the configured inter-token delay so streaming consumers see comparable
// pacing either way. The channel is closed after the final chunk.
func (o *Orchestrator) RespondStream(ctx context.Context, userMessage string) <-chan Chunk {
	out := make(chan Chunk, 16)

	go func() {
		defer close(out)

		text, degraded, err := o.Respond(ctx, userMessage)
		if err != nil {
			return
		}

		tokens := strings.Fields(text)
		for i, tok := range tokens {
			chunk := Chunk{Text: tok, Degraded: degraded, Final: i == len(tokens)-1}
			if i > 0 {
				chunk.Text = " " + chunk.Text
			}

			if degraded && o.fallbackDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.fallbackDelay):
				}
			}

			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
	}()

	return out
}

// appendLocked appends a turn and enforces the history bound, dropping the
// oldest turns first. Callers hold o.mu.
func (o *Orchestrator) appendLocked(t Turn) {
	o.turns = append(o.turns, t)
	if len(o.turns) > o.maxTurns {
		o.turns = o.turns[len(o.turns)-o.maxTurns:]
	}
}

// transcriptLocked renders the history as the user text for one generation.
// Callers hold o.mu.
func (o *Orchestrator) transcriptLocked() string {
	var b strings.Builder
	for _, t := range o.turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// DIAGNOSTIC PROBE
// =============================================================================

// ProbeReport is the outcome of one diagnostic generation.
type ProbeReport struct {
	Provider  string        `json:"provider"`
	OK        bool          `json:"ok"`
	RawOutput string        `json:"raw_output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
}

// probePrompt is intentionally trivial; the probe checks reachability, not
// quality.
const probePrompt = "Reply with the single word: ok"

// Probe performs a single non-streaming generation against the primary
// provider and reports the outcome. It never touches the conversation
// history.
func (o *Orchestrator) Probe(ctx context.Context) ProbeReport {
	primary := o.chain.Primary()
	if primary == nil {
		return ProbeReport{Provider: "none", OK: false, Error: "no provider configured"}
	}

	start := time.Now()
	raw, err := primary.GenerateText(ctx, "", probePrompt)
	report := ProbeReport{
		Provider: primary.Name(),
		Latency:  time.Since(start),
	}
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.OK = true
	report.RawOutput = raw
	return report
}
