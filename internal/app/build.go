package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/accel"
	"github.com/ent0n29/splatforge/internal/config"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/httpapi"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/pipeline"
	"github.com/ent0n29/splatforge/internal/policy"
	"github.com/ent0n29/splatforge/internal/session"
	"github.com/ent0n29/splatforge/internal/video"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Engine       engine.Engine
	Orchestrator *pipeline.Orchestrator
	Exporter     *pipeline.Exporter
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, engine connections).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ledger, err := jobs.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %s", policy.Redact(err.Error()))
	}

	eng, err := NewEngine(ctx, cfg)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	encoder := video.NewFFmpegEncoder(cfg.FFmpegPath)
	if !encoder.Available() {
		log.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found; preview generation will fail until it is installed")
	}

	sessions := session.NewManager(cfg.TmpDir, cfg.SessionInactivityTimeout)
	guard := accel.NewGuard(1, metrics.ObserveAcceleratorWait)
	deps := pipeline.Deps{
		Engine:   eng,
		Guard:    guard,
		Sessions: sessions,
		Jobs:     ledger,
		Metrics:  metrics,
	}
	orchestrator, err := pipeline.NewOrchestrator(deps, encoder, pipeline.PreviewOptions{
		IncludeNormals: cfg.PreviewIncludeNormals,
	})
	if err != nil {
		_ = eng.Close()
		_ = ledger.Close()
		return nil, err
	}
	exporter, err := pipeline.NewExporter(deps)
	if err != nil {
		_ = eng.Close()
		_ = ledger.Close()
		return nil, err
	}

	api := httpapi.New(cfg, sessions, orchestrator, exporter, ledger, metrics)
	sessions.SetExpireHook(api.OnSessionExpired)
	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
		log.Info().Str("database_url", policy.RedactURL(cfg.DatabaseURL)).Msg("job ledger backed by postgres")
	}
	api.SetReadiness(func(context.Context) map[string]any {
		return map[string]any{
			"encoder_available":   encoder.Available(),
			"job_store_mode":      storeMode,
			"accelerator_active":  guard.Active(),
			"accelerator_waiting": guard.Waiting(),
		}
	})

	cleanup := func() error {
		var errs []string
		if err := eng.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := ledger.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Engine:       eng,
		Orchestrator: orchestrator,
		Exporter:     exporter,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// NewEngine constructs the configured engine once. A remote worker is probed
// until it reports healthy or the startup attempts run out.
func NewEngine(ctx context.Context, cfg config.Config) (engine.Engine, error) {
	eng, err := engine.NewEngine(engine.Config{
		Mode:             cfg.EngineMode,
		HTTPURL:          cfg.EngineHTTPURL,
		ModelRepo:        cfg.ModelRepo,
		Timeout:          cfg.EngineTimeout,
		RenderResolution: cfg.PreviewResolution,
	})
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	if remote, ok := eng.(*engine.HTTPEngine); ok {
		if err := remote.WaitReady(ctx, uint(cfg.EngineStartupAttempts)); err != nil {
			_ = remote.Close()
			return nil, fmt.Errorf("engine worker not ready at %s: %w", policy.RedactURL(cfg.EngineHTTPURL), err)
		}
		log.Info().Str("url", policy.RedactURL(cfg.EngineHTTPURL)).Str("model_repo", cfg.ModelRepo).Msg("engine worker ready")
		return eng, nil
	}
	log.Info().Str("mode", "mock").Msg("using in-process mock engine")
	return eng, nil
}
