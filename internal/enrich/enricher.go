// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/moffipet/moffi-ai/internal/provider"
	"github.com/moffipet/moffi-ai/internal/safety"
)

// =============================================================================
// ENRICHER
// =============================================================================

// DegradedWarning is the single warning carried by a degraded analysis
// result. Byte-identical across calls so degraded analysis is idempotent.
const DegradedWarning = "AI service unreachable, showing original prompt"

// enrichmentInstruction asks the provider for a single JSON payload.
// Revisions here must keep analysisPayload in sync.
const enrichmentInstruction = `You are a prompt engineer for a pet-themed image generator.
Given the user's prompt, respond with ONLY a JSON object, no prose:
{"enhanced_prompt": "<detailed enriched prompt>", "keywords": ["<tag>", ...],
"safety": "safe|warning|unsafe", "warnings": ["<reason>", ...], "language": "<BCP-47 tag>"}`

// analysisPayload is the structured provider response.
type analysisPayload struct {
	EnhancedPrompt string   `json:"enhanced_prompt"`
	Keywords       []string `json:"keywords"`
	Safety         string   `json:"safety"`
	Warnings       []string `json:"warnings"`
	Language       string   `json:"language"`
}

// Enricher analyzes user prompts via the provider fallback chain.
type Enricher struct {
	chain           *provider.FallbackExecutor
	defaultLanguage string
}

// NewEnricher creates an Enricher over the given chain. defaultLanguage is
// the tag reported when detection fails.
func NewEnricher(chain *provider.FallbackExecutor, defaultLanguage string) *Enricher {
	return &Enricher{
		chain:           chain,
		defaultLanguage: defaultLanguage,
	}
}

// Analyze enriches text, returning a complete analysis result. It never
// returns an error for provider or parse failures: both terminate in the
// same degraded-but-safe result, so SafetyStatus is always set.
//
// The local safety verdict is merged with the provider's: unsafe wins, and
// local warnings are always carried. This keeps the unsafe-implies-warnings
// invariant intact even with a lying or unreachable provider.
func (e *Enricher) Analyze(ctx context.Context, text, style string) *PromptAnalysisResult {
	local := safety.Classify(text)

	raw, err := e.chain.TryGenerate(ctx, enrichmentInstruction, text)
	if err != nil {
		log.Printf("ENRICH_DEGRADED | reason=transport error=%v", err)
		return e.degraded(text, local)
	}

	payload, err := decodePayload(raw)
	if err != nil {
		log.Printf("ENRICH_DEGRADED | reason=parse error=%v", err)
		return e.degraded(text, local)
	}

	enriched := strings.TrimSpace(payload.EnhancedPrompt)
	if enriched == "" {
		enriched = text
	}
	if style != "" {
		enriched = ApplyStyle(enriched, style)
	}

	status := safety.ParseStatus(payload.Safety)
	warnings := append([]string(nil), payload.Warnings...)

	// Merge the local verdict: unsafe dominates, warnings accumulate.
	if local.Status > status {
		status = local.Status
	}
	warnings = append(warnings, local.Warnings...)
	if status == safety.StatusUnsafe && len(warnings) == 0 {
		warnings = append(warnings, "prompt flagged by content policy")
	}
	// A safe status never carries warnings: a provider that returned
	// warnings anyway promotes the status rather than dropping them.
	if status == safety.StatusSafe && len(warnings) > 0 {
		status = safety.StatusWarning
	}

	return &PromptAnalysisResult{
		OriginalText:     text,
		EnrichedText:     enriched,
		Keywords:         append([]string(nil), payload.Keywords...),
		SafetyStatus:     status,
		Warnings:         warnings,
		DetectedLanguage: normalizeLanguage(payload.Language, e.defaultLanguage),
	}
}

// degraded builds the canonical degraded result: the original text echoed
// back, one fixed warning, default language. The local safety verdict is
// still applied so unsafe input stays blocked offline.
func (e *Enricher) degraded(text string, local safety.Verdict) *PromptAnalysisResult {
	status := safety.StatusSafe
	warnings := []string{DegradedWarning}
	if local.Status > status {
		status = local.Status
		warnings = append(warnings, local.Warnings...)
	}
	return &PromptAnalysisResult{
		OriginalText:     text,
		EnrichedText:     text,
		Keywords:         []string{},
		SafetyStatus:     status,
		Warnings:         warnings,
		DetectedLanguage: e.defaultLanguage,
	}
}

// =============================================================================
// PAYLOAD DECODING
// =============================================================================

// decodePayload parses the provider's JSON payload, tolerating surrounding
// formatting noise such as markdown code fences. A result is returned only
// when the payload decodes and carries an enriched prompt; anything else is
// an error so the caller degrades.
func decodePayload(raw string) (*analysisPayload, error) {
	cleaned := stripCodeFences(raw)

	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("analysis payload did not decode: %w", err)
	}
	if strings.TrimSpace(payload.EnhancedPrompt) == "" {
		return nil, fmt.Errorf("analysis payload missing enhanced_prompt")
	}
	return &payload, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, and trims whitespace.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag like "json" on the fence line.
	if idx := strings.Index(s, "\n"); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
