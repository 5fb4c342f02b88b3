// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// =============================================================================
// GEMINI TEXT PROVIDER
// =============================================================================

// GeminiClient binds a single Gemini model as a text provider. The primary
// and secondary slots of the fallback chain are two GeminiClient instances
// with different models.
type GeminiClient struct {
	key     KeySource
	model   string
	timeout time.Duration

	mu        sync.Mutex
	client    *genai.Client
	clientKey string
}

// NewGeminiClient creates a Gemini binding for the given model. The key
// source is consulted on every call, so a rotated key takes effect without
// rebuilding the chain. An empty key is allowed: the client reports
// not-configured and the fallback chain skips it.
func NewGeminiClient(key KeySource, model string, timeout time.Duration) *GeminiClient {
	return &GeminiClient{
		key:     key,
		model:   model,
		timeout: timeout,
	}
}

// currentKey returns the trimmed key from the source.
func (g *GeminiClient) currentKey() string {
	return strings.TrimSpace(g.key())
}

// Name identifies this binding in logs and attempt records.
func (g *GeminiClient) Name() string {
	return "gemini:" + g.model
}

// IsConfigured reports whether an API key is present.
func (g *GeminiClient) IsConfigured() bool {
	return g.currentKey() != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the current API
// key for logging. The key itself is never logged.
func (g *GeminiClient) KeyFingerprint() string {
	key := g.currentKey()
	if key == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}

// ensureClient lazily constructs the SDK client, rebuilding it when the
// key has rotated since the last call.
func (g *GeminiClient) ensureClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.clientKey == apiKey {
		return g.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.client = client
	g.clientKey = apiKey
	return client, nil
}

// GenerateText produces a completion for userText under systemContext.
// Each call is bounded by the configured timeout; a hung call is classified
// as Unavailable so it never stalls the fallback chain.
func (g *GeminiClient) GenerateText(ctx context.Context, systemContext, userText string) (string, error) {
	apiKey := g.currentKey()
	if apiKey == "" {
		return "", &Error{Provider: g.Name(), Kind: KindUnauthorized, Err: ErrNotConfigured, Message: "no API key"}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	client, err := g.ensureClient(callCtx, apiKey)
	if err != nil {
		return "", classifyErr(g.Name(), err)
	}

	var cfg *genai.GenerateContentConfig
	if systemContext != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemContext, genai.RoleUser),
		}
	}

	resp, err := client.Models.GenerateContent(callCtx, g.model, genai.Text(userText), cfg)
	if err != nil {
		return "", g.classify(err)
	}

	text := resp.Text()
	if text == "" {
		return "", &Error{Provider: g.Name(), Kind: KindUnknown, Message: "empty completion"}
	}
	return text, nil
}

// classify maps SDK errors onto the provider error taxonomy.
func (g *GeminiClient) classify(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider: g.Name(),
			Kind:     classifyStatus(apiErr.Code),
			Message:  apiErr.Message,
			Err:      err,
		}
	}
	return classifyErr(g.Name(), err)
}
