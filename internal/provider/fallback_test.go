// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeClient is a scriptable provider for chain tests.
type fakeClient struct {
	name       string
	configured bool
	text       string
	err        error
	calls      int
}

func (f *fakeClient) GenerateText(ctx context.Context, systemContext, userText string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeClient) Name() string       { return f.name }
func (f *fakeClient) IsConfigured() bool { return f.configured }

func staticFallback(userText string) string {
	return "canned for: " + userText
}

func TestExecutePrimarySuccess(t *testing.T) {
	primary := &fakeClient{name: "p1", configured: true, text: "live answer"}
	secondary := &fakeClient{name: "p2", configured: true, text: "should not run"}
	f := NewFallbackExecutor(staticFallback, primary, secondary)

	text, degraded, err := f.Execute(context.Background(), "sys", "hello", "hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if degraded {
		t.Error("degraded = true for live answer")
	}
	if text != "live answer" {
		t.Errorf("text = %q", text)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.calls)
	}
}

func TestExecuteFallsThroughToSecondary(t *testing.T) {
	primary := &fakeClient{name: "p1", configured: true, err: &Error{Provider: "p1", Kind: KindRateLimited}}
	secondary := &fakeClient{name: "p2", configured: true, text: "secondary answer"}
	tertiary := &fakeClient{name: "p3", configured: true, text: "should not run"}
	f := NewFallbackExecutor(staticFallback, primary, secondary, tertiary)

	text, degraded, err := f.Execute(context.Background(), "sys", "hello", "hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if degraded || text != "secondary answer" {
		t.Errorf("text=%q degraded=%v, want secondary answer, not degraded", text, degraded)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls: primary=%d secondary=%d, want 1 each", primary.calls, secondary.calls)
	}
	if tertiary.calls != 0 {
		t.Errorf("tertiary called after success, calls=%d", tertiary.calls)
	}
}

func TestExecuteExhaustionDegradesToFallback(t *testing.T) {
	p1 := &fakeClient{name: "p1", configured: true, err: errors.New("boom")}
	p2 := &fakeClient{name: "p2", configured: true, err: context.DeadlineExceeded}
	f := NewFallbackExecutor(staticFallback, p1, p2)

	text, degraded, err := f.Execute(context.Background(), "sys", "full transcript", "last message")
	if err != nil {
		t.Fatalf("Execute must not surface provider errors, got %v", err)
	}
	if !degraded {
		t.Error("degraded = false after exhaustion")
	}
	// The fallback sees the last user message, not the transcript.
	if text != "canned for: last message" {
		t.Errorf("text = %q", text)
	}
}

func TestExecuteSkipsUnconfigured(t *testing.T) {
	unconfigured := &fakeClient{name: "p1", configured: false, text: "never"}
	live := &fakeClient{name: "p2", configured: true, text: "ok"}
	f := NewFallbackExecutor(staticFallback, unconfigured, live)

	text, degraded, _ := f.Execute(context.Background(), "", "x", "x")
	if degraded || text != "ok" {
		t.Errorf("text=%q degraded=%v", text, degraded)
	}
	if unconfigured.calls != 0 {
		t.Error("unconfigured provider was called")
	}
}

// keyedClient reports configured based on a mutable key source, the way
// the real bindings do.
type keyedClient struct {
	key   KeySource
	text  string
	calls int
}

func (k *keyedClient) GenerateText(ctx context.Context, systemContext, userText string) (string, error) {
	k.calls++
	return k.text, nil
}

func (k *keyedClient) Name() string       { return "keyed" }
func (k *keyedClient) IsConfigured() bool { return k.key() != "" }

func TestExecutePicksUpNewlyConfiguredProvider(t *testing.T) {
	key := ""
	client := &keyedClient{key: func() string { return key }, text: "live answer"}
	f := NewFallbackExecutor(staticFallback, client)

	// No key at boot: the slot is skipped and the chain degrades.
	text, degraded, err := f.Execute(context.Background(), "", "x", "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !degraded || client.calls != 0 {
		t.Fatalf("text=%q degraded=%v calls=%d, want degraded skip", text, degraded, client.calls)
	}

	// A key rotated in later makes the same chain serve live replies.
	key = "fresh-key"
	text, degraded, err = f.Execute(context.Background(), "", "x", "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if degraded || text != "live answer" {
		t.Errorf("text=%q degraded=%v, want live answer", text, degraded)
	}
	if f.Primary() == nil {
		t.Error("Primary = nil after the key appeared")
	}
}

func TestExecuteNothingConfigured(t *testing.T) {
	f := NewFallbackExecutor(staticFallback, &fakeClient{name: "p1"})

	text, degraded, err := f.Execute(context.Background(), "", "x", "merhaba")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !degraded || text != "canned for: merhaba" {
		t.Errorf("text=%q degraded=%v", text, degraded)
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeClient{name: "p1", configured: true, text: "ok"}
	f := NewFallbackExecutor(staticFallback, p)

	_, _, err := f.Execute(ctx, "", "x", "x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if p.calls != 0 {
		t.Error("provider called after cancellation")
	}
}

func TestTryGenerateSurfacesLastError(t *testing.T) {
	wantErr := &Error{Provider: "p2", Kind: KindUnauthorized, Message: "bad key"}
	p1 := &fakeClient{name: "p1", configured: true, err: &Error{Provider: "p1", Kind: KindUnavailable}}
	p2 := &fakeClient{name: "p2", configured: true, err: wantErr}
	f := NewFallbackExecutor(staticFallback, p1, p2)

	_, err := f.TryGenerate(context.Background(), "", "x")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if pe.Kind != KindUnauthorized {
		t.Errorf("Kind = %v, want unauthorized", pe.Kind)
	}
}

func TestTryGenerateNothingConfigured(t *testing.T) {
	f := NewFallbackExecutor(staticFallback)

	_, err := f.TryGenerate(context.Background(), "", "x")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPrimarySkipsUnconfigured(t *testing.T) {
	p1 := &fakeClient{name: "p1"}
	p2 := &fakeClient{name: "p2", configured: true}
	f := NewFallbackExecutor(staticFallback, p1, p2)

	if got := f.Primary(); got == nil || got.Name() != "p2" {
		t.Errorf("Primary = %v, want p2", got)
	}
}

func TestPrimaryNone(t *testing.T) {
	f := NewFallbackExecutor(staticFallback, &fakeClient{name: "p1"})
	if f.Primary() != nil {
		t.Error("Primary should be nil with nothing configured")
	}
}

func TestTryClassifiesTimeout(t *testing.T) {
	f := NewFallbackExecutor(staticFallback)
	slow := &fakeClient{name: "slow", configured: true, err: context.DeadlineExceeded}

	res := f.try(context.Background(), slow, "", "x")
	if res.Outcome != OutcomeTimeout {
		t.Errorf("Outcome = %v, want timeout", res.Outcome)
	}
	if res.Latency < 0 || res.Latency > time.Second {
		t.Errorf("Latency = %v, implausible", res.Latency)
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Provider: "gemini:flash", Kind: KindRateLimited, Message: "quota"}
	if !strings.Contains(e.Error(), "rate_limited") {
		t.Errorf("Error() = %q", e.Error())
	}
	if !strings.Contains(e.Error(), "quota") {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		401: KindUnauthorized,
		403: KindUnauthorized,
		429: KindRateLimited,
		500: KindUnavailable,
		503: KindUnavailable,
		400: KindUnknown,
		404: KindUnknown,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
