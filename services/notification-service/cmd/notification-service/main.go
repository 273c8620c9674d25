package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaypoint/notifly/libs/breaker"
	"github.com/relaypoint/notifly/libs/config"
	"github.com/relaypoint/notifly/libs/eventbus"
	"github.com/relaypoint/notifly/libs/httpx"
	"github.com/relaypoint/notifly/libs/kafkax"
	"github.com/relaypoint/notifly/libs/metrics"
	otelx "github.com/relaypoint/notifly/libs/otel"
	"github.com/relaypoint/notifly/libs/runtime"
	"github.com/relaypoint/notifly/services/notification-service/internal/deliver"
	"github.com/relaypoint/notifly/services/notification-service/internal/dispatch"
	"github.com/relaypoint/notifly/services/notification-service/internal/email"
	"github.com/relaypoint/notifly/services/notification-service/internal/inbox"
	"github.com/relaypoint/notifly/services/notification-service/internal/ingest"
	"github.com/relaypoint/notifly/services/notification-service/internal/push"
	"github.com/relaypoint/notifly/services/notification-service/internal/sms"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	brokers := config.String("KAFKA_BROKERS", "")
	rdb := redis.NewClient(&redis.Options{
		Addr: config.String("REDIS_ADDR", "localhost:6379"),
	})
	defer rdb.Close()

	breakers := breaker.NewRegistry(breaker.Config{
		VolumeThreshold:   int64(config.Int("BREAKER_VOLUME_THRESHOLD", 10)),
		ErrorThresholdPct: config.Float("BREAKER_ERROR_THRESHOLD_PCT", 0.5),
		ResetTimeout:      config.Duration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		CallTimeout:       config.Duration("BREAKER_CALL_TIMEOUT", 10*time.Second),
	}, recorder)

	publisher := eventbus.NewPublisher(logger, recorder, eventbus.PublisherConfig{Brokers: brokers})
	defer publisher.Close()
	ingestPub := eventbus.NewGuardedPublisher(publisher, breakers.Get("kafka-publish"))

	policy := eventbus.RetryPolicy{
		MaxRetries: config.Int("RETRY_MAX", 3),
		BaseDelay:  config.Duration("RETRY_BASE_DELAY", time.Second),
		MaxDelay:   config.Duration("RETRY_MAX_DELAY", 60*time.Second),
		DLQSuffix:  config.String("DLQ_SUFFIX", ".dlq"),
	}

	dispatcher := dispatch.New(logger, publisher)
	dispatchConsumer := eventbus.NewConsumer(
		logger.With("group", "notification-dispatch"),
		recorder,
		nil,
		eventbus.NewCoordinator(logger, recorder, publisher, policy),
		eventbus.ConsumerConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_DISPATCH_GROUP_ID", "notification-dispatch"),
			Topics:  []string{ingest.CreatedTopic},
		},
		dispatcher.Handle,
	)
	go dispatchConsumer.Run(ctx)

	senders := deliver.Senders{
		Email: buildEmailSender(),
		SMS:   buildSMSSender(),
		Push:  buildPushSender(),
	}
	sender := deliver.New(logger, breakers, publisher, senders)
	senderInbox := inbox.NewRedisInbox(rdb, config.Duration("INBOX_TTL", 24*time.Hour), "notifly:inbox")
	senderConsumer := eventbus.NewConsumer(
		logger.With("group", "notification-sender"),
		recorder,
		senderInbox,
		eventbus.NewCoordinator(logger, recorder, publisher, policy),
		eventbus.ConsumerConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_SENDER_GROUP_ID", "notification-sender"),
			Topics: []string{
				dispatch.TopicFor("email"),
				dispatch.TopicFor("sms"),
				dispatch.TopicFor("push"),
				dispatch.TopicFor("inapp"),
			},
		},
		sender.Handle,
	)
	go senderConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
		runtime.ReadyCheck{Name: "redis", Check: inbox.ReadyCheck(rdb)},
	)
	mux.Handle("/metrics", metrics.Handler())
	ingest.New(logger, ingestPub).Register(mux)

	limiter := httpx.NewRedisRateLimiter(rdb,
		config.Int("INGEST_RATE_LIMIT", 120),
		config.Duration("INGEST_RATE_WINDOW", time.Minute),
		"notifly:rl",
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", 15*time.Second)),
		httpx.WithBodyLimit(1<<20),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		limiter.Middleware(logger, true),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildEmailSender() email.Sender {
	if strings.ToLower(config.String("EMAIL_PROVIDER", "smtp")) == "noop" {
		return email.NewNoopSender()
	}
	return email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@notifly.local"),
	)
}

func buildSMSSender() sms.Sender {
	if strings.ToLower(config.String("SMS_PROVIDER", "webhook")) == "noop" {
		return sms.NewNoopSender()
	}
	return sms.NewWebhookSender(
		config.String("SMS_WEBHOOK_URL", ""),
		config.String("SMS_WEBHOOK_TOKEN", ""),
	)
}

func buildPushSender() push.Sender {
	if strings.ToLower(config.String("PUSH_PROVIDER", "webhook")) == "noop" {
		return push.NewNoopSender()
	}
	return push.NewWebhookSender(
		config.String("PUSH_WEBHOOK_URL", ""),
		config.String("PUSH_API_KEY", ""),
	)
}
