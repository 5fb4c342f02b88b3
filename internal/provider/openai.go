// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// OPENAI CLIENT
// =============================================================================

// Configuration constants for the OpenAI API.
const (
	// DefaultOpenAIURL is the base URL for the OpenAI API.
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// maxResponseSize caps response bodies to prevent memory exhaustion.
	maxResponseSize = 10 * 1024 * 1024
)

// sharedHTTPClient is reused across all OpenAI requests for connection
// pooling. Per-request deadlines come from the caller's context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// OpenAIClient is a client for the OpenAI API, used for image generation
// and as a text provider slot in the fallback chain.
type OpenAIClient struct {
	key        KeySource
	baseURL    string
	imageModel string
	textModel  string
	timeout    time.Duration
}

// NewOpenAIClient creates a new OpenAI client. The key source is consulted
// on every call, so a rotated key takes effect without rebuilding the
// client. An empty key is allowed: the client reports not-configured and
// callers degrade gracefully.
func NewOpenAIClient(key KeySource, imageModel string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		key:        key,
		baseURL:    DefaultOpenAIURL,
		imageModel: imageModel,
		textModel:  "gpt-4o-mini",
		timeout:    timeout,
	}
}

// currentKey returns the trimmed key from the source.
func (c *OpenAIClient) currentKey() string {
	return strings.TrimSpace(c.key())
}

// WithBaseURL sets a custom base URL, used by tests to point at a fake.
func (c *OpenAIClient) WithBaseURL(url string) *OpenAIClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTextModel overrides the chat model used for GenerateText.
func (c *OpenAIClient) WithTextModel(model string) *OpenAIClient {
	c.textModel = model
	return c
}

// Name identifies this binding in logs and attempt records.
func (c *OpenAIClient) Name() string {
	return "openai:" + c.textModel
}

// IsConfigured reports whether an API key is present.
func (c *OpenAIClient) IsConfigured() bool {
	return c.currentKey() != ""
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// TEXT GENERATION
// =============================================================================

// GenerateText performs a chat completion with a system and user message.
func (c *OpenAIClient) GenerateText(ctx context.Context, systemContext, userText string) (string, error) {
	if !c.IsConfigured() {
		return "", &Error{Provider: c.Name(), Kind: KindUnauthorized, Err: ErrNotConfigured, Message: "no API key"}
	}

	messages := make([]chatMessage, 0, 2)
	if systemContext != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemContext})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userText})

	body, err := c.doRequest(ctx, "/chat/completions", chatRequest{
		Model:    c.textModel,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Provider: c.Name(), Kind: KindUnknown, Message: "malformed completion response", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: c.Name(), Kind: KindUnknown, Message: "empty completion"}
	}
	return resp.Choices[0].Message.Content, nil
}

// =============================================================================
// IMAGE GENERATION
// =============================================================================

// GenerateImage submits a prompt to the image model and returns the hosted
// image URL. The prompt should already carry any style template wrapping.
func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", &Error{Provider: c.Name(), Kind: KindUnauthorized, Err: ErrNotConfigured, Message: "no API key"}
	}

	body, err := c.doRequest(ctx, "/images/generations", imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		N:      1,
		Size:   "1024x1024",
	})
	if err != nil {
		return "", err
	}

	var resp imageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Provider: c.Name(), Kind: KindUnknown, Message: "malformed image response", Err: err}
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", &Error{Provider: c.Name(), Kind: KindUnknown, Message: "no image returned"}
	}
	return resp.Data[0].URL, nil
}

// removeBackgroundInstruction is the fixed wrapper for background removal.
const removeBackgroundInstruction = "Recreate the following subject exactly, " +
	"isolated on a plain transparent background, no shadows, no scenery: "

// RemoveBackground regenerates the subject on a transparent background.
func (c *OpenAIClient) RemoveBackground(ctx context.Context, prompt string) (string, error) {
	return c.GenerateImage(ctx, removeBackgroundInstruction+prompt)
}

// =============================================================================
// TRANSPORT
// =============================================================================

// doRequest performs one JSON POST against the API and returns the raw
// response body. Errors are classified into the provider taxonomy.
func (c *OpenAIClient) doRequest(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, classifyErr(c.Name(), fmt.Errorf("failed to marshal request: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, classifyErr(c.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentKey())
	req.Header.Set("Content-Type", "application/json")

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, classifyErr(c.Name(), err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, classifyErr(c.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses into classified errors.
func (c *OpenAIClient) handleErrorResponse(statusCode int, body []byte) *Error {
	msg := fmt.Sprintf("HTTP %d", statusCode)
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &Error{
		Provider: c.Name(),
		Kind:     classifyStatus(statusCode),
		Message:  msg,
	}
}

// readResponse reads a response body with a size cap.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == maxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", maxResponseSize)
	}
	return body, nil
}
