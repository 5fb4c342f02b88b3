// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrich

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// =============================================================================
// PROMPT SUGGESTIONS
// =============================================================================

// suggestionCount is the number of suggestions returned, always.
const suggestionCount = 3

// suggestionInstruction asks the provider for a bare JSON string array.
const suggestionInstruction = `Suggest creative prompts for a pet-themed image generator.
Respond with ONLY a JSON array of exactly 3 short prompt strings, no prose.`

// builtinSuggestions is the fixed fallback list used whenever the provider
// response cannot be parsed or no provider is reachable. Tests assert this
// list verbatim.
var builtinSuggestions = []string{
	"A golden retriever puppy wearing a tiny astronaut helmet",
	"A sleepy cat curled up inside a teacup, morning light",
	"A parrot painting a self-portrait on a small easel",
}

// BuiltinSuggestions returns a copy of the fixed fallback list.
func BuiltinSuggestions() []string {
	return append([]string(nil), builtinSuggestions...)
}

// Suggestions asks the text chain for prompt ideas around the given topic.
// Always returns exactly 3 suggestions: provider or parse failure falls
// back to the built-in list.
func (e *Enricher) Suggestions(ctx context.Context, topic string) []string {
	userText := "Topic: general pet portraits"
	if strings.TrimSpace(topic) != "" {
		userText = "Topic: " + strings.TrimSpace(topic)
	}

	raw, err := e.chain.TryGenerate(ctx, suggestionInstruction, userText)
	if err != nil {
		log.Printf("SUGGESTIONS_DEGRADED | reason=transport error=%v", err)
		return BuiltinSuggestions()
	}

	var parsed []string
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
		log.Printf("SUGGESTIONS_DEGRADED | reason=parse error=%v", err)
		return BuiltinSuggestions()
	}

	out := make([]string, 0, suggestionCount)
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		if len(out) == suggestionCount {
			break
		}
	}
	if len(out) < suggestionCount {
		return BuiltinSuggestions()
	}
	return out
}
