// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package safety provides a pure, deterministic classifier that gates user
// prompts before they reach a generative provider.
//
// Classification is a local keyword/heuristic pass rather than a provider
// moderation call, so the verdict is available even when every provider is
// unreachable. Unclassifiable input is treated as safe with no warnings:
// this fail-open policy is deliberate, since the classifier gates a
// consumer image-generation flow where false blocks are worse than an
// occasional miss (the provider applies its own moderation downstream).
package safety

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// VERDICT
// =============================================================================

// Status is a safety classification level. Only StatusUnsafe blocks
// downstream generation; StatusWarning is advisory.
type Status int

// Safety statuses.
const (
	StatusSafe Status = iota
	StatusWarning
	StatusUnsafe
)

// String returns the status name used on the wire and in logs.
func (s Status) String() string {
	switch s {
	case StatusWarning:
		return "warning"
	case StatusUnsafe:
		return "unsafe"
	default:
		return "safe"
	}
}

// ParseStatus maps a wire-format status onto Status. Unknown values parse
// as safe (fail-open).
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return StatusWarning
	case "unsafe":
		return StatusUnsafe
	default:
		return StatusSafe
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the string form, treating unknown values as safe.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// Verdict is the result of classifying one text. Invariant: StatusUnsafe
// always carries at least one warning.
type Verdict struct {
	Status   Status
	Warnings []string
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Category terms, matched as substrings of the lowercased input. Terms are
// in English and Turkish, the product's two supported languages.
var (
	violenceTerms = []string{"kill", "blood", "gore", "torture", "weapon", "öldür", "silah", "işkence"}
	harmTerms     = []string{"suicide", "self-harm", "intihar", "zarar ver"}
	explicitTerms = []string{"nude", "naked", "nsfw", "çıplak"}
	edgyTerms     = []string{"scary", "creepy", "horror", "korkunç", "ürkütücü"}
)

// Warning messages per category.
const (
	warnViolence = "prompt contains violent content"
	warnHarm     = "prompt references self-harm"
	warnExplicit = "prompt contains explicit content"
	warnEdgy     = "prompt may produce unsettling imagery"
)

// Classify returns a safety verdict for the given text. Pure and
// deterministic: no I/O, never fails. Empty or unclassifiable input is
// safe with no warnings.
func Classify(text string) Verdict {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Verdict{Status: StatusSafe}
	}

	var warnings []string
	status := StatusSafe

	if containsAny(t, violenceTerms) {
		warnings = append(warnings, warnViolence)
		status = StatusUnsafe
	}
	if containsAny(t, harmTerms) {
		warnings = append(warnings, warnHarm)
		status = StatusUnsafe
	}
	if containsAny(t, explicitTerms) {
		warnings = append(warnings, warnExplicit)
		status = StatusUnsafe
	}
	if status == StatusSafe && containsAny(t, edgyTerms) {
		warnings = append(warnings, warnEdgy)
		status = StatusWarning
	}

	return Verdict{Status: status, Warnings: warnings}
}

// containsAny reports whether s contains any of the given substrings.
func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
