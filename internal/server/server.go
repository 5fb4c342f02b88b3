// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the AI pipeline over HTTP. Provider outages never
// surface as 5xx responses: the handlers fall back to canned or degraded
// payloads and keep the success shape. Client errors (malformed JSON, missing
// fields, unknown actions) are the only 4xx sources.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/moffipet/moffi-ai/internal/chat"
	"github.com/moffipet/moffi-ai/internal/config"
	"github.com/moffipet/moffi-ai/internal/enrich"
	"github.com/moffipet/moffi-ai/internal/provider"
	"github.com/moffipet/moffi-ai/internal/safety"
)

// ===== LIMITS =====

const (
	maxRequestBody  = 256 * 1024 // chat transcripts stay well under this
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 15 * time.Second
)

// placeholderImageBase is returned when every image provider attempt fails.
// The prompt rides along as a query parameter so the client can retry later.
const placeholderImageBase = "https://placehold.co/1024x1024/f4e8ff/7a4fb0?text="

// ===== TYPES =====

// ImageClient is the slice of the image provider the server needs.
// *provider.OpenAIClient satisfies it.
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
	RemoveBackground(ctx context.Context, imagePrompt string) (string, error)
	IsConfigured() bool
}

// Stats tracks request counters for the /stats endpoint.
type Stats struct {
	started          time.Time
	totalRequests    atomic.Int64
	chatRequests     atomic.Int64
	generateRequests atomic.Int64
	degradedReplies  atomic.Int64
}

// Server wires the chat chain, the prompt enricher, and the image provider
// into the HTTP surface.
type Server struct {
	live     *config.Live
	chain    *provider.FallbackExecutor
	enricher *enrich.Enricher
	images   ImageClient
	stats    Stats
	limiter  *RateLimiter
	httpSrv  *http.Server
}

// New builds a Server. images may be nil when no image provider is
// configured; the generate handler then degrades to placeholders.
func New(live *config.Live, chain *provider.FallbackExecutor, enricher *enrich.Enricher, images ImageClient) *Server {
	s := &Server{
		live:     live,
		chain:    chain,
		enricher: enricher,
		images:   images,
	}
	s.stats.started = time.Now()
	return s
}

// ===== ROUTING =====

// Handler assembles the mux with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ai/chat", s.handleChat)
	mux.HandleFunc("POST /ai/generate", s.handleGenerate)
	mux.HandleFunc("POST /ai/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	cfg := s.live.Get()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(nil),
		CORSMiddleware(nil),
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimitPerMinute)
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter))
	}
	if cfg.Server.BearerToken != "" {
		middlewares = append(middlewares, AuthMiddleware(&AuthConfig{
			Enabled:     true,
			BearerToken: cfg.Server.BearerToken,
		}))
	}

	return Chain(middlewares...)(mux)
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.live.Get()
	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("SERVER_START | addr=%s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		log.Printf("SERVER_STOP | reason=%v", ctx.Err())
		return s.httpSrv.Shutdown(shutCtx)
	}
}

// ===== CHAT =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Degraded bool   `json:"degraded,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.stats.totalRequests.Add(1)
	s.stats.chatRequests.Add(1)

	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		writeError(w, http.StatusBadRequest, "last message must have role \"user\"")
		return
	}
	if strings.TrimSpace(last.Content) == "" {
		writeError(w, http.StatusBadRequest, "last message content must not be empty")
		return
	}

	history := make([]chat.Turn, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role, ok := parseRole(m.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q", m.Role))
			return
		}
		history = append(history, chat.Turn{Role: role, Content: m.Content, Timestamp: time.Now()})
	}

	cfg := s.live.Get()
	orch := chat.NewOrchestrator(s.chain, cfg.Chat.MaxTurns, cfg.FallbackTokenDelay())
	orch.Seed(history)

	reply, degraded, err := orch.Respond(r.Context(), last.Content)
	if err != nil {
		// Only context cancellation reaches here; the client went away.
		log.Printf("CHAT_ABANDONED | err=%v", err)
		return
	}
	if degraded {
		s.stats.degradedReplies.Add(1)
	}

	writeJSON(w, http.StatusOK, chatResponse{Success: true, Message: reply, Degraded: degraded})
}

func parseRole(s string) (chat.Role, bool) {
	switch s {
	case "user":
		return chat.RoleUser, true
	case "assistant":
		return chat.RoleAssistant, true
	default:
		return "", false
	}
}

// ===== GENERATE =====

type generateRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Action string `json:"action,omitempty"`
}

type generateResponse struct {
	Success     bool     `json:"success"`
	ImageURL    string   `json:"image_url,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.stats.totalRequests.Add(1)
	s.stats.generateRequests.Add(1)

	var req generateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	action := req.Action
	if action == "" {
		action = "generate"
	}

	switch action {
	case "generate":
		s.generateImage(w, r, req)
	case "suggestion":
		s.generateSuggestions(w, r, req)
	case "remove-bg":
		s.removeBackground(w, r, req)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
	}
}

func (s *Server) generateImage(w http.ResponseWriter, r *http.Request, req generateRequest) {
	if req.Style != "" && !enrich.KnownStyle(req.Style) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown style %q", req.Style))
		return
	}

	verdict := safety.Classify(req.Prompt)
	if verdict.Status == safety.StatusUnsafe {
		log.Printf("GENERATE_BLOCKED | warnings=%d", len(verdict.Warnings))
		writeJSON(w, http.StatusOK, generateResponse{
			Success:  false,
			Warnings: verdict.Warnings,
			Error:    "prompt flagged by content policy",
		})
		return
	}

	finalPrompt := enrich.ApplyStyle(req.Prompt, req.Style)

	if s.images == nil || !s.images.IsConfigured() {
		s.stats.degradedReplies.Add(1)
		writeJSON(w, http.StatusOK, generateResponse{
			Success:  true,
			ImageURL: placeholderImageURL(finalPrompt),
			Prompt:   finalPrompt,
			Warnings: verdict.Warnings,
			Degraded: true,
		})
		return
	}

	imageURL, err := s.images.GenerateImage(r.Context(), finalPrompt)
	if err != nil {
		log.Printf("GENERATE_DEGRADED | err=%v", err)
		s.stats.degradedReplies.Add(1)
		writeJSON(w, http.StatusOK, generateResponse{
			Success:  true,
			ImageURL: placeholderImageURL(finalPrompt),
			Prompt:   finalPrompt,
			Warnings: verdict.Warnings,
			Degraded: true,
		})
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Success:  true,
		ImageURL: imageURL,
		Prompt:   finalPrompt,
		Warnings: verdict.Warnings,
	})
}

func (s *Server) generateSuggestions(w http.ResponseWriter, r *http.Request, req generateRequest) {
	suggestions := s.enricher.Suggestions(r.Context(), req.Prompt)
	writeJSON(w, http.StatusOK, generateResponse{
		Success:     true,
		Suggestions: suggestions,
	})
}

func (s *Server) removeBackground(w http.ResponseWriter, r *http.Request, req generateRequest) {
	if s.images == nil || !s.images.IsConfigured() {
		s.stats.degradedReplies.Add(1)
		writeJSON(w, http.StatusOK, generateResponse{
			Success:  true,
			ImageURL: placeholderImageURL(req.Prompt),
			Degraded: true,
		})
		return
	}

	imageURL, err := s.images.RemoveBackground(r.Context(), req.Prompt)
	if err != nil {
		log.Printf("REMOVE_BG_DEGRADED | err=%v", err)
		s.stats.degradedReplies.Add(1)
		writeJSON(w, http.StatusOK, generateResponse{
			Success:  true,
			ImageURL: placeholderImageURL(req.Prompt),
			Degraded: true,
		})
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{Success: true, ImageURL: imageURL})
}

func placeholderImageURL(prompt string) string {
	const maxLabel = 48
	// Truncate on rune boundaries so multi-byte prompts stay valid UTF-8.
	label := []rune(prompt)
	if len(label) > maxLabel {
		label = label[:maxLabel]
	}
	return placeholderImageBase + url.QueryEscape(string(label))
}

// ===== ANALYZE =====

type analyzeRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.stats.totalRequests.Add(1)

	var req analyzeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}
	if req.Style != "" && !enrich.KnownStyle(req.Style) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown style %q", req.Style))
		return
	}

	result := s.enricher.Analyze(r.Context(), req.Prompt, req.Style)
	if result.EnrichedText == result.OriginalText && len(result.Warnings) > 0 {
		s.stats.degradedReplies.Add(1)
	}

	writeJSON(w, http.StatusOK, result)
}

// ===== HEALTH AND STATS =====

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Providers []providerStatus  `json:"providers"`
	Probe     *chat.ProbeReport `json:"probe,omitempty"`
}

type providerStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.stats.totalRequests.Add(1)

	cfg := s.live.Get()
	resp := healthResponse{Status: "ok", Version: cfg.Version}
	for _, c := range s.chain.Clients() {
		resp.Providers = append(resp.Providers, providerStatus{Name: c.Name(), Configured: c.IsConfigured()})
	}

	if r.URL.Query().Get("probe") == "1" {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		orch := chat.NewOrchestrator(s.chain, cfg.Chat.MaxTurns, cfg.FallbackTokenDelay())
		report := orch.Probe(probeCtx)
		resp.Probe = &report
		if !report.OK {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	TotalRequests    int64 `json:"total_requests"`
	ChatRequests     int64 `json:"chat_requests"`
	GenerateRequests int64 `json:"generate_requests"`
	DegradedReplies  int64 `json:"degraded_replies"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds:    int64(time.Since(s.stats.started).Seconds()),
		TotalRequests:    s.stats.totalRequests.Load(),
		ChatRequests:     s.stats.chatRequests.Load(),
		GenerateRequests: s.stats.generateRequests.Load(),
		DegradedReplies:  s.stats.degradedReplies.Load(),
	})
}

// ===== HELPERS =====

// decodeBody reads a size-capped JSON body into dst, writing a 400 and
// returning false on any decode problem.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "unexpected trailing data")
		return false
	}
	io.Copy(io.Discard, r.Body)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_WRITE_FAILED | err=%v", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
