// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/moffipet/moffi-ai/internal/config"
	"github.com/moffipet/moffi-ai/internal/enrich"
	"github.com/moffipet/moffi-ai/internal/offline"
	"github.com/moffipet/moffi-ai/internal/provider"
)

// stubText is a scriptable text provider.
type stubText struct {
	response string
	err      error
	calls    int
	lastUser string
}

func (s *stubText) GenerateText(ctx context.Context, systemContext, userText string) (string, error) {
	s.calls++
	s.lastUser = userText
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubText) Name() string       { return "stub" }
func (s *stubText) IsConfigured() bool { return true }

// stubImages is a scriptable image provider.
type stubImages struct {
	url        string
	err        error
	calls      int
	lastPrompt string
}

func (s *stubImages) GenerateImage(ctx context.Context, prompt string) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func (s *stubImages) RemoveBackground(ctx context.Context, prompt string) (string, error) {
	return s.GenerateImage(ctx, prompt)
}

func (s *stubImages) IsConfigured() bool { return true }

func newTestServer(text *stubText, images ImageClient) *Server {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimitPerMinute = 0 // not under test here

	chain := provider.NewFallbackExecutor(offline.Respond, text)
	enricher := enrich.NewEnricher(chain, cfg.Analysis.DefaultLanguage)
	return New(config.NewLive(cfg), chain, enricher, images)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBodyJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// ===== CHAT =====

func TestChatLive(t *testing.T) {
	text := &stubText{response: "Hello! How can I help with your pet?"}
	s := newTestServer(text, nil)

	rec := doRequest(t, s, http.MethodPost, "/ai/chat",
		`{"messages": [{"role": "user", "content": "merhaba"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || resp.Degraded {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Message != "Hello! How can I help with your pet?" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestChatCarriesHistory(t *testing.T) {
	text := &stubText{response: "ok"}
	s := newTestServer(text, nil)

	doRequest(t, s, http.MethodPost, "/ai/chat", `{"messages": [
		{"role": "user", "content": "first"},
		{"role": "assistant", "content": "noted"},
		{"role": "user", "content": "second"}
	]}`)

	for _, want := range []string{"user: first", "assistant: noted", "user: second"} {
		if !strings.Contains(text.lastUser, want) {
			t.Errorf("transcript missing %q:\n%s", want, text.lastUser)
		}
	}
}

func TestChatOutageNever5xx(t *testing.T) {
	text := &stubText{err: &provider.Error{Provider: "stub", Kind: provider.KindUnavailable}}
	s := newTestServer(text, nil)

	rec := doRequest(t, s, http.MethodPost, "/ai/chat",
		`{"messages": [{"role": "user", "content": "merhaba"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, provider outage must not produce an error status", rec.Code)
	}

	var resp chatResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || !resp.Degraded {
		t.Errorf("resp = %+v, want degraded success", resp)
	}
	if !offline.IsCanned(resp.Message) {
		t.Errorf("message = %q, want offline marker", resp.Message)
	}
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages": []}`},
		{"last not user", `{"messages": [{"role": "assistant", "content": "hi"}]}`},
		{"blank content", `{"messages": [{"role": "user", "content": "   "}]}`},
		{"unknown role", `{"messages": [{"role": "system", "content": "x"}, {"role": "user", "content": "y"}]}`},
		{"not json", `{{{`},
		{"unknown field", `{"msgs": []}`},
	}
	for _, tc := range cases {
		rec := doRequest(t, s, http.MethodPost, "/ai/chat", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

// ===== GENERATE =====

func TestGenerateAppliesStyleTemplate(t *testing.T) {
	images := &stubImages{url: "https://img.example/cat.png"}
	s := newTestServer(&stubText{response: "ok"}, images)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate",
		`{"prompt": "cat", "style": "sticker"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	want := enrich.ApplyStyle("cat", "sticker")
	if images.lastPrompt != want {
		t.Errorf("image prompt = %q, want %q", images.lastPrompt, want)
	}

	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || resp.Degraded {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ImageURL != "https://img.example/cat.png" {
		t.Errorf("image_url = %q", resp.ImageURL)
	}
	if resp.Prompt != want {
		t.Errorf("prompt = %q, want %q", resp.Prompt, want)
	}
}

func TestGenerateNoStyle(t *testing.T) {
	images := &stubImages{url: "https://img.example/dog.png"}
	s := newTestServer(&stubText{response: "ok"}, images)

	doRequest(t, s, http.MethodPost, "/ai/generate", `{"prompt": "a happy dog"}`)
	if images.lastPrompt != "a happy dog" {
		t.Errorf("image prompt = %q, want unchanged", images.lastPrompt)
	}
}

func TestGenerateProviderFailureDegrades(t *testing.T) {
	images := &stubImages{err: &provider.Error{Provider: "openai", Kind: provider.KindUnavailable}}
	s := newTestServer(&stubText{response: "ok"}, images)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate", `{"prompt": "cat"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, image outage must not produce an error status", rec.Code)
	}

	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || !resp.Degraded {
		t.Errorf("resp = %+v, want degraded success", resp)
	}
	if !strings.HasPrefix(resp.ImageURL, placeholderImageBase) {
		t.Errorf("image_url = %q, want placeholder", resp.ImageURL)
	}
}

func TestGenerateNoImageProviderDegrades(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate", `{"prompt": "cat"}`)
	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || !resp.Degraded {
		t.Errorf("resp = %+v, want degraded success", resp)
	}
}

func TestGenerateUnsafePromptBlocked(t *testing.T) {
	images := &stubImages{url: "https://img.example/never.png"}
	s := newTestServer(&stubText{response: "ok"}, images)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate",
		`{"prompt": "a dog with a weapon"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if resp.Success {
		t.Error("Success = true for blocked prompt")
	}
	if len(resp.Warnings) == 0 {
		t.Error("blocked response carries no warnings")
	}
	if images.calls != 0 {
		t.Error("image provider called for blocked prompt")
	}
}

func TestGenerateValidation(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, &stubImages{url: "u"})

	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt": "  "}`},
		{"unknown style", `{"prompt": "cat", "style": "cubist"}`},
		{"unknown action", `{"prompt": "cat", "action": "upscale"}`},
	}
	for _, tc := range cases {
		rec := doRequest(t, s, http.MethodPost, "/ai/generate", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestGenerateSuggestionsFallback(t *testing.T) {
	text := &stubText{err: &provider.Error{Provider: "stub", Kind: provider.KindUnavailable}}
	s := newTestServer(text, nil)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate",
		`{"prompt": "pets", "action": "suggestion"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Suggestions) != 3 {
		t.Fatalf("suggestions = %v, want exactly 3", resp.Suggestions)
	}
	if resp.Suggestions[0] != enrich.BuiltinSuggestions()[0] {
		t.Errorf("suggestions = %v, want builtin list", resp.Suggestions)
	}
}

func TestGenerateRemoveBackground(t *testing.T) {
	images := &stubImages{url: "https://img.example/nobg.png"}
	s := newTestServer(&stubText{response: "ok"}, images)

	rec := doRequest(t, s, http.MethodPost, "/ai/generate",
		`{"prompt": "a red fox", "action": "remove-bg"}`)

	var resp generateResponse
	decodeBodyJSON(t, rec, &resp)
	if !resp.Success || resp.ImageURL != "https://img.example/nobg.png" {
		t.Errorf("resp = %+v", resp)
	}
	if images.calls != 1 {
		t.Errorf("image calls = %d", images.calls)
	}
}

func TestPlaceholderImageURLTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("ç", 60)
	got := placeholderImageURL(long)

	label, err := url.QueryUnescape(strings.TrimPrefix(got, placeholderImageBase))
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if !utf8.ValidString(label) {
		t.Fatalf("label is not valid UTF-8: %q", label)
	}
	if n := utf8.RuneCountInString(label); n != 48 {
		t.Errorf("label runes = %d, want 48", n)
	}
}

// ===== ANALYZE =====

func TestAnalyzeDegradedShape(t *testing.T) {
	text := &stubText{err: &provider.Error{Provider: "stub", Kind: provider.KindUnavailable}}
	s := newTestServer(text, nil)

	rec := doRequest(t, s, http.MethodPost, "/ai/analyze", `{"prompt": "a cute dog"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var result enrich.PromptAnalysisResult
	decodeBodyJSON(t, rec, &result)
	if result.EnrichedText != "a cute dog" {
		t.Errorf("enrichedText = %q, want original echoed back", result.EnrichedText)
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != enrich.DegradedWarning {
		t.Errorf("warnings = %v", result.Warnings)
	}
	if result.DetectedLanguage != "tr" {
		t.Errorf("detectedLanguage = %q, want default", result.DetectedLanguage)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	for _, body := range []string{`{"prompt": ""}`, `{"prompt": "cat", "style": "cubist"}`} {
		rec := doRequest(t, s, http.MethodPost, "/ai/analyze", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

// ===== HEALTH AND STATS =====

func TestHealth(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp healthResponse
	decodeBodyJSON(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if len(resp.Providers) != 1 || !resp.Providers[0].Configured {
		t.Errorf("providers = %+v", resp.Providers)
	}
	if resp.Probe != nil {
		t.Error("probe ran without being requested")
	}
}

func TestHealthWithProbe(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health?probe=1", "")
	var resp healthResponse
	decodeBodyJSON(t, rec, &resp)
	if resp.Probe == nil || !resp.Probe.OK {
		t.Errorf("probe = %+v", resp.Probe)
	}
}

func TestStatsCounters(t *testing.T) {
	text := &stubText{err: &provider.Error{Provider: "stub", Kind: provider.KindUnavailable}}
	s := newTestServer(text, nil)

	doRequest(t, s, http.MethodPost, "/ai/chat",
		`{"messages": [{"role": "user", "content": "merhaba"}]}`)

	rec := doRequest(t, s, http.MethodGet, "/stats", "")
	var resp statsResponse
	decodeBodyJSON(t, rec, &resp)
	if resp.ChatRequests != 1 {
		t.Errorf("chat_requests = %d", resp.ChatRequests)
	}
	if resp.DegradedReplies != 1 {
		t.Errorf("degraded_replies = %d", resp.DegradedReplies)
	}
}

// ===== MIDDLEWARE INTEGRATION =====

func TestBearerAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimitPerMinute = 0
	cfg.Server.BearerToken = "secret-token"

	text := &stubText{response: "ok"}
	chain := provider.NewFallbackExecutor(offline.Respond, text)
	enricher := enrich.NewEnricher(chain, "tr")
	s := New(config.NewLive(cfg), chain, enricher, nil)

	body := `{"messages": [{"role": "user", "content": "hi"}]}`

	req := httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(&stubText{response: "ok"}, nil)

	rec := doRequest(t, s, http.MethodGet, "/ai/chat", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
