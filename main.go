package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	alertapp "vitals-alerting/internal/alerts/application"
	"vitals-alerting/internal/alerts/dedup"
	alertmemory "vitals-alerting/internal/alerts/infrastructure/memory"
	alertrepo "vitals-alerting/internal/alerts/infrastructure/postgres"
	alertinterfaces "vitals-alerting/internal/alerts/interfaces"
	alerthttp "vitals-alerting/internal/alerts/interfaces/http"
	alertnotify "vitals-alerting/internal/alerts/notify"
	"vitals-alerting/internal/auth"
	"vitals-alerting/internal/config"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/inference"
	"vitals-alerting/internal/ingest"
	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
	"vitals-alerting/internal/relay"
)

const (
	notifierGroup = "notifier"
	pipelineGroup = "pipeline"
)

type closer func() error

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "vitals-alerting")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("shutdown step failed", zap.Error(err))
			}
		}
	}()

	var redisClient *redis.Client
	if cfg.DedupDriver == config.DriverRedis || cfg.BusDriver == config.DriverRedis {
		redisClient, err = openRedis(ctx, cfg.RedisURI)
		if err != nil {
			logger.Fatal("redis unavailable", zap.Error(err))
		}
		closers = append(closers, redisClient.Close)
	}

	filter, err := buildFilter(ctx, cfg, redisClient)
	if err != nil {
		logger.Fatal("dedup filter init failed", zap.Error(err))
	}

	store, reader, db, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("alert store init failed", zap.Error(err))
	}
	if db != nil {
		closers = append(closers, db.Close)
	}

	bus, err := buildBus(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("event bus init failed", zap.Error(err))
	}
	closers = append(closers, bus.Close)

	streams := eventing.Streams{Readings: cfg.VitalsChannel, Alerts: cfg.AlertsChannel}

	inferenceOpts := []inference.Option{inference.WithTimeout(cfg.InferenceTimeout)}
	for key, value := range cfg.InferenceHeaders() {
		inferenceOpts = append(inferenceOpts, inference.WithHeader(key, value))
	}
	scorer, err := inference.NewClient(cfg.InferenceURL, inferenceOpts...)
	if err != nil {
		logger.Fatal("inference client init failed", zap.Error(err))
	}
	publisher, err := alertapp.NewStreamPublisher(bus, streams.Alerts)
	if err != nil {
		logger.Fatal("alert publisher init failed", zap.Error(err))
	}
	pipeline, err := alertapp.NewPipeline(scorer, filter, store, publisher, alertapp.WithLogger(logger))
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	consumer, err := alertinterfaces.NewReadingConsumer(pipeline,
		alertinterfaces.WithWorkers(cfg.PipelineWorkers),
		alertinterfaces.WithQueueSize(cfg.PipelineQueueSize),
		alertinterfaces.WithConsumerLogger(logger),
	)
	if err != nil {
		logger.Fatal("reading consumer init failed", zap.Error(err))
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("reading consumer start failed", zap.Error(err))
	}
	closers = append(closers, func() error { consumer.Close(); return nil })
	readingSub, err := bus.Subscribe(ctx, streams.Readings, consumer.Consume, eventing.WithGroup(pipelineGroup))
	if err != nil {
		logger.Fatal("subscribe readings failed", zap.Error(err))
	}
	closers = append(closers, readingSub.Close)

	broker := relay.NewSSEBroker()
	hub := relay.NewHub(nil, logger)
	closers = append(closers, func() error { hub.Close(); return nil })
	liveRelay, err := relay.New(bus, streams, logger, broker, hub)
	if err != nil {
		logger.Fatal("relay init failed", zap.Error(err))
	}
	if err := liveRelay.Start(ctx); err != nil {
		logger.Fatal("relay start failed", zap.Error(err))
	}
	closers = append(closers, func() error { liveRelay.Close(); return nil })

	if notifier, err := buildNotifier(cfg, logger); err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	} else if notifier != nil {
		sub, err := bus.Subscribe(ctx, streams.Alerts, notifier.Consume, eventing.WithGroup(notifierGroup))
		if err != nil {
			logger.Fatal("subscribe alerts failed", zap.Error(err))
		}
		closers = append(closers, sub.Close)
	}

	ingestHandler, err := ingest.NewHandler(bus, streams.Readings, logger)
	if err != nil {
		logger.Fatal("ingest handler init failed", zap.Error(err))
	}
	alertsHandler, err := alerthttp.NewHandler(reader, logger)
	if err != nil {
		logger.Fatal("alerts handler init failed", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, logger) })
	if cfg.AuthEnabled() {
		policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
		r.Use(auth.NewMiddleware([]byte(cfg.JWTSecret), policy, auth.WithMiddlewareLogger(logger)).Wrap)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/api/v1/vitals", ingestHandler)
	r.Handle("/api/vitals", ingestHandler)
	r.Handle("/api/v1/alerts", alertsHandler)
	r.Handle("/api/v1/alerts/*", alertsHandler)
	r.Handle("/api/v1/stream", relay.NewStreamHandler(broker))
	r.Handle("/api/v1/ws", hub)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("bus", cfg.BusDriver),
			zap.String("store", cfg.StoreDriver),
			zap.String("dedup", cfg.DedupDriver),
			zap.Bool("auth", cfg.AuthEnabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}

func openRedis(ctx context.Context, uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func buildFilter(ctx context.Context, cfg *config.Config, client *redis.Client) (alertapp.SpamFilter, error) {
	switch cfg.DedupDriver {
	case config.DriverRedis:
		return dedup.NewRedisFilter(client, cfg.AlertCooldown(), "vitals:dedup:")
	default:
		filter := dedup.NewMemoryFilter(cfg.AlertCooldown(), dedup.WithMaxKeys(cfg.DedupMaxKeys))
		go filter.RunJanitor(ctx, cfg.AlertCooldown())
		return filter, nil
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (alertapp.AlertRepository, alerthttp.AlertReader, *sql.DB, error) {
	if cfg.StoreDriver == config.DriverMemory {
		repo := alertmemory.NewAlertRepository()
		metrics.Init(nil, logger)
		metrics.RegisterUnacknowledged(repo.CountUnacknowledged)
		return repo, repo, nil, nil
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("db ping: %w", err)
	}
	repo := alertrepo.NewAlertRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	metrics.Init(db, logger)
	return repo, repo, db, nil
}

func buildBus(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (eventing.Bus, error) {
	switch cfg.BusDriver {
	case config.DriverRedis:
		return eventing.NewRedisBus(ctx, client, logger)
	case config.DriverKafka:
		return eventing.NewKafkaBus(ctx, eventing.KafkaConfig{
			Brokers:     eventing.ParseBrokers(cfg.KafkaBrokers),
			GroupPrefix: cfg.KafkaGroupID,
			DialTimeout: 5 * time.Second,
		}, logger)
	case config.DriverMQTT:
		return eventing.NewMQTTBus(eventing.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			QoS:      1,
			Timeout:  5 * time.Second,
		}, logger)
	default:
		return eventing.NewMemoryBus(cfg.PipelineQueueSize, logger), nil
	}
}

// buildNotifier returns nil when no channel is configured.
func buildNotifier(cfg *config.Config, logger *zap.Logger) (*alertnotify.Notifier, error) {
	var channels []alertnotify.Channel
	if cfg.NotifyWebhookURL != "" {
		webhookOpts := []alertnotify.WebhookOption{alertnotify.WithRetries(2, 500*time.Millisecond)}
		if cfg.NotifyWebhookMarkdown {
			webhookOpts = append(webhookOpts, alertnotify.WithMarkdown())
		}
		webhook, err := alertnotify.NewWebhookChannel(cfg.NotifyWebhookURL, webhookOpts...)
		if err != nil {
			return nil, err
		}
		channels = append(channels, webhook)
	}
	if cfg.ResendAPIKey != "" {
		email, err := alertnotify.NewEmailChannel(cfg.ResendAPIKey, cfg.NotifyEmailFrom, cfg.EmailRecipients())
		if err != nil {
			return nil, err
		}
		channels = append(channels, email)
	}
	if len(channels) == 0 {
		return nil, nil
	}

	body, err := alertnotify.NewTemplate("")
	if err != nil {
		return nil, err
	}
	subject, err := alertnotify.NewSubjectTemplate("")
	if err != nil {
		return nil, err
	}
	return alertnotify.NewNotifier(alertnotify.NewMultiChannel(channels...), body, subject,
		alertnotify.WithMinSeverity(cfg.MinSeverity()),
		alertnotify.WithDashboardURL(cfg.NotifyDashboardURL),
		alertnotify.WithLogger(logger),
	)
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// statusWriter records the response status. It passes Flush and Hijack
// through so SSE streams and websocket upgrades keep working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
