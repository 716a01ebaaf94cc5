package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxwire/voxbridge/internal/audio"
	"github.com/voxwire/voxbridge/internal/config"
	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/httpapi"
	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/record"
	"github.com/voxwire/voxbridge/internal/reliability"
	"github.com/voxwire/voxbridge/internal/resource"
	"github.com/voxwire/voxbridge/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	ctx := context.Background()
	recordStore, err := record.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("record store init failed: %v", err)
	}
	defer recordStore.Close()
	recorder := record.NewRecorder(recordStore, cfg.RecordSaveTimeout)

	model := buildTransport(cfg)

	overflow := audio.DropOldest
	if cfg.OverflowPolicy == "reject" {
		overflow = audio.Reject
	}
	sessions, err := engine.NewManager(model, engine.ManagerConfig{
		Session: engine.Config{
			MaxChunksPerBatch: cfg.MaxChunksPerBatch,
			DrainInterval:     cfg.DrainInterval,
			CloseGrace:        cfg.CloseGrace,
			AckTimeout:        cfg.AckTimeout,
			SampleRateHz:      cfg.SampleRateHz,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			TopP:              cfg.TopP,
			SystemPrompt:      cfg.SystemPrompt,
			Buffers: audio.Config{
				InputMaxChunks:    cfg.InputMaxChunks,
				OutputMaxChunks:   cfg.OutputMaxChunks,
				NominalChunkBytes: cfg.NominalChunkBytes,
				Policy:            overflow,
			},
			RealtimeInputMaxChunks: cfg.RealtimeInputMaxChunks,
		},
		SweepInterval:   cfg.SweepInterval,
		IdleTimeout:     cfg.IdleTimeout,
		ResourceTimeout: cfg.ResourceTimeout,
	}, metrics, stages)
	if err != nil {
		log.Fatalf("session manager init failed: %v", err)
	}

	resources := resource.NewManager()
	sessions.SetResourceTracker(resources)
	sessions.SetExpireHook(func(string) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartSweeper(runCtx)
	resources.StartMonitor(runCtx, resource.MonitorConfig{
		Interval:               cfg.MemoryCheckInterval,
		HighWatermarkBytes:     uint64(cfg.MemoryHighWatermarkMiB) << 20,
		CriticalWatermarkBytes: uint64(cfg.MemoryCriticalMiB) << 20,
		AggressiveCleanup:      cfg.AggressiveCleanup,
	})

	api := httpapi.New(cfg, sessions, recorder, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	for _, r := range sessions.CleanupAll(closeCtx) {
		if r.Err != nil {
			log.Printf("shutdown: session %s close error: %v", r.SessionID, r.Err)
		}
	}

	log.Printf("shutdown complete")
}

// buildTransport resolves the model transport from config: an explicit
// gateway (with optional failover), an explicit mock, or auto which picks
// the gateway when a URL is configured and the mock otherwise.
func buildTransport(cfg config.Config) engine.Transport {
	mode := strings.ToLower(strings.TrimSpace(cfg.TransportMode))
	if mode == "" {
		mode = "auto"
	}
	if mode == "mock" || (mode == "auto" && cfg.GatewayURL == "") {
		log.Printf("model transport: mock")
		return transport.NewMock()
	}

	primary, err := transport.NewGateway(transport.GatewayConfig{
		URL:    cfg.GatewayURL,
		APIKey: cfg.GatewayAPIKey,
		Name:   "primary",
	})
	if err != nil {
		log.Fatalf("gateway transport init failed: %v", err)
	}

	var model engine.Transport = primary
	if cfg.FallbackGateway != "" {
		fallback, err := transport.NewGateway(transport.GatewayConfig{
			URL:    cfg.FallbackGateway,
			APIKey: cfg.FallbackAPIKey,
			Name:   "fallback",
		})
		if err != nil {
			log.Fatalf("fallback gateway transport init failed: %v", err)
		}
		log.Printf("model transport: gateway %s with fallback %s", cfg.GatewayURL, cfg.FallbackGateway)
		model = transport.NewFailover(primary, fallback)
	} else {
		log.Printf("model transport: gateway %s", cfg.GatewayURL)
	}

	return transport.NewResilient(model, reliability.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}, reliability.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MonitorWindow:    cfg.BreakerMonitorWindow,
		ResetTimeout:     cfg.BreakerResetTimeout,
	})
}
