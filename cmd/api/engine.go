package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/config"
	"github.com/zhouzirui/kvtavern/internal/engine"
	"github.com/zhouzirui/kvtavern/internal/engine/chatmodel"
	"github.com/zhouzirui/kvtavern/internal/engine/fake"
	"github.com/zhouzirui/kvtavern/internal/engine/llamacpp"
	"github.com/zhouzirui/kvtavern/internal/engine/openaicompat"
	"github.com/zhouzirui/kvtavern/internal/monitoring"
)

// buildEngine selects the backend, bounds it to ENGINE_PARALLEL concurrent
// evaluations and instruments it.
func buildEngine(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) (engine.Engine, error) {
	var backend engine.Engine
	switch cfg.Engine.Backend {
	case config.BackendFake:
		backend = fake.New()
	case config.BackendLlamaCpp:
		// one server slot per session: start llama-server with --parallel >= ENGINE_PARALLEL
		backend = llamacpp.New(llamacpp.Config{
			ClientConfig: llamacpp.ClientConfig{
				BaseURL:    cfg.Engine.LlamaCppURL,
				Timeout:    cfg.Engine.LlamaCppTimeout,
				MaxRetries: cfg.Engine.LlamaCppRetries,
			},
			Slots: cfg.Engine.Parallel,
		})
	case config.BackendArk:
		cm, err := cfg.Ark.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create ark chat model: %w", err)
		}
		backend = chatmodel.New(cm, cfg.Session.MaxSessions)
	case config.BackendOpenAI:
		backend = openaicompat.New(openaicompat.Options{
			BaseURL:   cfg.OpenAI.BaseURL,
			APIKey:    cfg.OpenAI.APIKey,
			Model:     cfg.OpenAI.Model,
			MaxStates: cfg.Session.MaxSessions,
		})
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}

	return engine.Instrument(engine.NewGate(backend, cfg.Engine.Parallel), metrics, logger), nil
}
