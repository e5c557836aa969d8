// The gateway binary wires the store, vendor registry, retry engine,
// conversation pipeline, voice channel and HTTP surface, then serves until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/config"
	"github.com/design-smith/vocalbridge/internal/idempotency"
	"github.com/design-smith/vocalbridge/internal/mgmt"
	"github.com/design-smith/vocalbridge/internal/monitoring"
	"github.com/design-smith/vocalbridge/internal/pipeline"
	"github.com/design-smith/vocalbridge/internal/retry"
	"github.com/design-smith/vocalbridge/internal/store"
	"github.com/design-smith/vocalbridge/internal/transport"
	"github.com/design-smith/vocalbridge/internal/vendors"
	"github.com/design-smith/vocalbridge/internal/voice"
)

func main() {
	configPath := flag.String("config", "vocalbridge.yaml", "path to the config file")
	pretty := flag.Bool("pretty", false, "human-readable console logging")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	durations, err := cfg.Durations()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid durations in config")
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid retry policy in config")
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() { _ = st.Close() }()

	tracker, err := monitoring.NewTracker(cfg.Monitoring)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init telemetry")
	}

	httpClient := &http.Client{}
	registry := vendors.NewRegistry()
	registry.Register(vendors.NewVendorAAdapter(cfg.VendorAEndpoint(), cfg.VendorA.APIKey, cfg.VendorA.Model, httpClient))
	registry.Register(vendors.NewVendorBAdapter(cfg.VendorBEndpoint(), cfg.VendorB.APIKey, cfg.VendorB.Model, httpClient))

	idem := idempotency.New(st, cfg.Idempotency.StrictFingerprint)
	pipe := pipeline.NewService(st, registry, retry.NewEngine(), policy, idem, tracker)
	voiceSvc := voice.NewService(pipe, voice.MockTranscriber{}, voice.MockSynthesizer{})

	server := transport.NewServer(
		cfg.ListenAddr(),
		auth.NewGate(st),
		pipe,
		voiceSvc,
		mgmt.New(st),
		durations.ServerReadTimeout,
		durations.ServerWriteTimeout,
	)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go runJanitor(janitorCtx, st, durations.JanitorInterval, durations.IdempotencyRetention)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.IsPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.OpenPostgres(ctx, cfg.StoreDSN())
	}
	return store.OpenSQLite(cfg.StoreDSN())
}

// runJanitor sweeps expired idempotency records on a ticker. Retention
// housekeeping only; correctness never depends on a sweep happening.
func runJanitor(ctx context.Context, st store.Store, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.SweepIdempotency(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("swept", n).Msg("idempotency records swept")
			}
		}
	}
}
