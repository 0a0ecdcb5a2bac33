package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/auth"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/broker"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/config"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/gate"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/gate/httpserver"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/kpi"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/logging"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/store"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/stream"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		logging.Init("info", "json", "carbon-gate-service")
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat, "carbon-gate-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "carbon-gate-service",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup")
	}
	metrics, err := telemetry.NewMetrics(tp.Meter())
	if err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	st, pg, closeStore := openStore(ctx, cfg)
	defer closeStore()

	b := newBroker(cfg).WithRecorder(metrics)
	service := gate.New(st, b, gate.Config{
		Period:        cfg.Period,
		DefaultPolicy: cfg.DefaultPolicy,
		KPI:           kpi.Config{LowCarbonIntensity: cfg.LowCarbonIntensity, GridIntensity: cfg.GridIntensity},
	}).WithMetrics(metrics)
	if err := service.SeedPolicies(ctx, cfg.SeedPolicies); err != nil {
		log.Fatal().Err(err).Msg("seed budget policies")
	}

	if pg != nil {
		startStreamer(ctx, cfg, pg)
	}

	var opts []httpserver.Option
	if cfg.JWTSecret != "" {
		v, err := auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret})
		if err != nil {
			log.Fatal().Err(err).Msg("jwt verifier")
		}
		opts = append(opts, httpserver.WithVerifier(v))
	} else {
		log.Warn().Msg("CARBON_GATE_JWT_SECRET not set; gate API is unauthenticated")
	}
	if cfg.RateLimitRPS > 0 {
		rl := httpserver.NewRateLimiter(cfg.RateLimitRPS, cfg.RateBurst)
		go rl.Run(ctx)
		opts = append(opts, httpserver.WithRateLimiter(rl))
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(service, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("carbon gate service listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForShutdown(ctx, httpServer, tp)
}

// openStore picks Postgres, then SQLite, then memory. pg is non-nil only for
// Postgres, the one backend with an outbox.
func openStore(ctx context.Context, cfg config.ServiceConfig) (store.Store, *store.PGStore, func()) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := store.OpenPG(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		pg := store.NewPGStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate postgres")
		}
		log.Info().Msg("gate ledger: postgres")
		return pg, pg, func() { db.Close() }
	case cfg.SQLitePath != "":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("open sqlite")
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("gate ledger: sqlite")
		return s, nil, func() { s.Close() }
	default:
		log.Warn().Msg("no database configured; gate ledger is in memory and will not survive restarts")
		return store.NewMemoryStore(), nil, func() {}
	}
}

func newBroker(cfg config.ServiceConfig) *broker.Broker {
	source, err := broker.NewHTTPCatalogClient(broker.HTTPCatalogConfig{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("provider client")
	}
	classes := cfg.Preferences
	if len(classes) == 0 {
		classes = broker.DefaultPreferences()
	}
	prefs, err := broker.NewPreferenceTable(classes, cfg.DefaultGPU)
	if err != nil {
		log.Fatal().Err(err).Msg("preference table")
	}

	var cache broker.CatalogCache = broker.NewMemoryCache()
	if cfg.RedisAddr != "" {
		cache = broker.NewRedisCacheFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		log.Info().Str("addr", cfg.RedisAddr).Msg("catalog cache: redis")
	}

	b, err := broker.New(source, cache, broker.Config{
		Preferences:   prefs,
		FallbackModel: cfg.FallbackModel,
		CatalogTTL:    cfg.CatalogTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("broker")
	}
	return b
}

func startStreamer(ctx context.Context, cfg config.ServiceConfig, pg *store.PGStore) {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" || cfg.S3Bucket == "" {
		log.Info().Msg("gate event streaming disabled; set KAFKA_BROKERS, KAFKA_TOPIC and S3_BUCKET to enable")
		return
	}
	producer, err := stream.NewKafkaProducer(stream.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer")
	}
	archiver, err := stream.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		log.Fatal().Err(err).Msg("s3 archiver")
	}
	streamer := stream.NewStreamer(pg, producer, archiver, stream.StreamerConfig{})
	go func() {
		if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("gate event streamer exited")
		}
	}()
}

func waitForShutdown(ctx context.Context, srv *http.Server, tp *telemetry.Provider) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown failed")
	}
}
