package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaypoint/notifly/libs/config"
	"github.com/relaypoint/notifly/libs/db"
	"github.com/relaypoint/notifly/libs/eventbus"
	"github.com/relaypoint/notifly/libs/httpx"
	"github.com/relaypoint/notifly/libs/kafkax"
	"github.com/relaypoint/notifly/libs/metrics"
	otelx "github.com/relaypoint/notifly/libs/otel"
	"github.com/relaypoint/notifly/libs/runtime"
	"github.com/relaypoint/notifly/services/dlq-reprocessor/internal/archive"
	"github.com/relaypoint/notifly/services/dlq-reprocessor/internal/replay"
)

func main() {
	service := config.String("SERVICE_NAME", "dlq-reprocessor")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	brokers := config.String("KAFKA_BROKERS", "")

	publisher := eventbus.NewPublisher(logger, recorder, eventbus.PublisherConfig{Brokers: brokers})
	defer publisher.Close()

	repo := archive.NewRepository(pool)
	archiver := archive.NewHandler(logger, repo)

	// Plain at-least-once consumption, no retry/DLQ coordination: a
	// dead-letter topic must never feed another dead-letter topic.
	consumer := eventbus.NewConsumer(
		logger.With("group", "dlq-reprocessor"),
		recorder,
		nil,
		nil,
		eventbus.ConsumerConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "dlq-reprocessor"),
			Topics:  dlqTopics(),
		},
		archiver.Handle,
	)
	go consumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
	)
	mux.Handle("/metrics", metrics.Handler())
	replay.New(logger, repo, publisher).Register(mux)

	// Operator-facing API on a single instance; an in-process limiter
	// is enough, no need to drag Redis into this service.
	limiter := httpx.NewRateLimiter(
		config.Int("REPLAY_RATE_LIMIT", 60),
		config.Duration("REPLAY_RATE_WINDOW", time.Minute),
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", 30*time.Second)),
		limiter.Middleware(),
	)
	handler = otelhttp.NewHandler(handler, "dlq-reprocessor")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// dlqTopics parses DLQ_TOPICS, defaulting to the pipeline's known
// dead-letter topics.
func dlqTopics() []string {
	raw := config.String("DLQ_TOPICS", strings.Join([]string{
		"notification.created.dlq",
		"channel.email.queued.dlq",
		"channel.sms.queued.dlq",
		"channel.push.queued.dlq",
		"channel.inapp.queued.dlq",
	}, ","))
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
