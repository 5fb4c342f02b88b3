// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

// moffi-ai is the AI companion service for the MoffiPet app. It fronts the
// Gemini and OpenAI APIs with a fallback chain that always produces a reply,
// degrading to canned responses when every provider is unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moffipet/moffi-ai/internal/chat"
	"github.com/moffipet/moffi-ai/internal/config"
	"github.com/moffipet/moffi-ai/internal/enrich"
	"github.com/moffipet/moffi-ai/internal/offline"
	"github.com/moffipet/moffi-ai/internal/provider"
	"github.com/moffipet/moffi-ai/internal/server"
)

const watcherDebounce = 500 * time.Millisecond

func main() {
	var (
		port    = flag.Int("port", 0, "override the listen port")
		probe   = flag.Bool("probe", false, "run a provider connectivity probe and exit")
		version = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("moffi-ai ")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("CONFIG_LOAD_FAILED | err=%v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if *version {
		fmt.Println("moffi-ai " + cfg.Version)
		return
	}

	live := config.NewLive(cfg)
	chain, openai := buildChain(live)

	if *probe {
		os.Exit(runProbe(cfg, chain))
	}

	watcher, err := config.NewWatcher(live, watcherDebounce)
	if err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | err=%v", err)
	} else if err := watcher.Watch(); err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | err=%v", err)
	} else {
		defer watcher.Close()
	}

	enricher := enrich.NewEnricher(chain, cfg.Analysis.DefaultLanguage)
	srv := server.New(live, chain, enricher, openai)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("SERVER_FAILED | err=%v", err)
	}
}

// buildChain assembles the provider fallback chain in priority order:
// primary Gemini model, secondary Gemini model, OpenAI text completion,
// then canned offline replies. Every binding is constructed up front with
// a key source reading the live configuration, so keys rotated via the
// watcher take effect on the next call and a provider missing its key at
// boot becomes usable once one appears; unconfigured bindings are skipped
// at execution time. The OpenAI client doubles as the image provider.
func buildChain(live *config.Live) (*provider.FallbackExecutor, *provider.OpenAIClient) {
	cfg := live.Get()
	timeout := cfg.RequestTimeout()

	geminiKey := func() string { return live.Get().Providers.GeminiKey }
	openaiKey := func() string { return live.Get().Providers.OpenAIKey }

	primary := provider.NewGeminiClient(geminiKey, cfg.Providers.PrimaryModel, timeout)
	secondary := provider.NewGeminiClient(geminiKey, cfg.Providers.SecondaryModel, timeout)
	openai := provider.NewOpenAIClient(openaiKey, cfg.Providers.ImageModel, timeout)

	log.Printf("PROVIDERS_READY | gemini_key=%s openai_configured=%t",
		primary.KeyFingerprint(), openai.IsConfigured())

	return provider.NewFallbackExecutor(offline.Respond, primary, secondary, openai), openai
}

// runProbe checks provider connectivity and reports the result, returning
// the process exit code.
func runProbe(cfg *config.Config, chain *provider.FallbackExecutor) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout())
	defer cancel()

	orch := chat.NewOrchestrator(chain, cfg.Chat.MaxTurns, cfg.FallbackTokenDelay())
	report := orch.Probe(ctx)

	if report.OK {
		fmt.Printf("provider %s ok (%.0fms)\n", report.Provider, float64(report.Latency.Milliseconds()))
		return 0
	}
	fmt.Printf("provider %s failed: %s\n", report.Provider, report.Error)
	return 1
}
