// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline provides locally synthesized responses used when every
// generative provider in the fallback chain has failed.
//
// The user-facing chat and generation flows never surface a raw provider
// error as a dead end: when the chain is exhausted, a canned response for
// the last user message is returned instead. Every canned response carries
// the Marker suffix so callers and tests can distinguish degraded answers
// from live ones.
package offline

import (
	"strings"
)

// Marker is the suffix appended to every canned response.
const Marker = "(offline mode)"

// =============================================================================
// CANNED RESPONSES
// =============================================================================

// Canned response bodies, pattern-matched from the last user message.
const (
	greetingReply = "Merhaba! I'm the MoffiPet assistant. I can help with feeding, " +
		"care and daily routines for your pet. What would you like to know?"

	dietReply = "Every pet's diet depends on its age, breed and activity level. " +
		"As a rule of thumb: fresh water always available, regular meal times, and " +
		"no table scraps. For a tailored feeding plan, please consult your veterinarian."

	troubleReply = "Sorry you ran into a problem. Please try again in a moment; " +
		"if it keeps happening, restarting the app usually helps."

	deferralReply = "I can't reach the assistant service right now, so I can only " +
		"give a short answer. Please try again in a little while for a full reply."
)

// greetingWords match a greeting in either of the product's two languages.
var greetingWords = []string{"merhaba", "selam", "hello", "hi ", "hey"}

// dietWords match feeding and nutrition questions.
var dietWords = []string{"mama", "yemek", "beslen", "food", "feed", "diet", "eat"}

// troubleWords match error reports and complaints.
var troubleWords = []string{"hata", "sorun", "çalışmıyor", "error", "problem", "broken", "not working"}

// Respond returns a canned reply for the given user message. It is a pure
// function of its input: the same message always yields the same reply.
//
// Matching is substring-based on the lowercased message, checked in order:
// greeting, diet/food, error/complaint, then a generic deferral.
func Respond(lastUserMessage string) string {
	msg := " " + strings.ToLower(strings.TrimSpace(lastUserMessage)) + " "

	switch {
	case containsAny(msg, greetingWords):
		return greetingReply + " " + Marker
	case containsAny(msg, dietWords):
		return dietReply + " " + Marker
	case containsAny(msg, troubleWords):
		return troubleReply + " " + Marker
	default:
		return deferralReply + " " + Marker
	}
}

// IsCanned reports whether a response text was synthesized locally.
func IsCanned(response string) bool {
	return strings.HasSuffix(strings.TrimSpace(response), Marker)
}

// containsAny reports whether s contains any of the given substrings.
func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
