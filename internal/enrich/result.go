// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enrich transforms terse user prompts into detailed,
// style-conditioned prompts suitable for image generation, extracting
// keywords, a safety verdict and the detected language along the way.
package enrich

import (
	"golang.org/x/text/language"

	"github.com/moffipet/moffi-ai/internal/safety"
)

// =============================================================================
// ANALYSIS RESULT
// =============================================================================

// PromptAnalysisResult is the immutable outcome of one prompt analysis.
// Results are replaced, never patched: a superseding analysis produces a
// new value and the old one is discarded.
//
// Invariants:
//   - SafetyStatus == unsafe implies len(Warnings) > 0.
//   - EnrichedText is never empty when OriginalText is non-empty; on total
//     provider failure it mirrors OriginalText.
type PromptAnalysisResult struct {
	// OriginalText is the verbatim user input.
	OriginalText string `json:"originalText"`
	// EnrichedText is the provider-enriched prompt.
	EnrichedText string `json:"enrichedText"`
	// Keywords are extracted tags, in provider-returned order.
	Keywords []string `json:"keywords"`
	// SafetyStatus gates downstream generation; only unsafe blocks.
	SafetyStatus safety.Status `json:"safetyStatus"`
	// Warnings are human-readable reasons; empty when safe.
	Warnings []string `json:"warnings"`
	// DetectedLanguage is the best-effort BCP-47 tag of the input.
	DetectedLanguage string `json:"detectedLanguage"`
}

// Blocked reports whether the result blocks generation.
func (r *PromptAnalysisResult) Blocked() bool {
	return r.SafetyStatus == safety.StatusUnsafe
}

// normalizeLanguage parses a provider-returned language hint into a
// canonical BCP-47 tag, falling back to def when the hint is unusable.
func normalizeLanguage(hint, def string) string {
	if hint == "" {
		return def
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return def
	}
	base, conf := tag.Base()
	if conf == language.No {
		return def
	}
	return base.String()
}
