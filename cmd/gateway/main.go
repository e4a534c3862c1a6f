package main

import (
	"context"
	"strings"
	"time"

	"github.com/erebus-sh/erebus/internal/gateway/channel"
	"github.com/erebus-sh/erebus/internal/gateway/handlers"
	gwmetrics "github.com/erebus-sh/erebus/internal/gateway/metrics"
	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/config"
	"github.com/erebus-sh/erebus/pkg/geoip"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/monitoring"
	"github.com/erebus-sh/erebus/pkg/server"
	"github.com/erebus-sh/erebus/pkg/usage"
	"github.com/erebus-sh/erebus/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("gateway")
	config.LoadEnv(logger)

	logger.Info("Starting Gateway (pub/sub engine)")

	healthChecker := monitoring.NewHealthChecker("gateway", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("gateway", version.Version, version.GitCommit)

	serviceMetrics := &gwmetrics.Metrics{
		ConnectionsActive: metricsCollector.NewGauge("ws_connections_active", "Active websocket connections", []string{"project"}),
		ChannelsActive:    metricsCollector.NewGauge("channels_active", "Live channel actors", []string{"project"}),
		MessagesPublished: metricsCollector.NewCounter("messages_published_total", "Accepted publishes", []string{"project"}),
		FanoutDeliveries:  metricsCollector.NewCounter("fanout_deliveries_total", "Messages fanned out to subscribers", []string{"project"}),
		BroadcastLatency:  metricsCollector.NewHistogram("broadcast_latency_seconds", "Ingress to broadcast-end latency", []string{"project"}, nil),
		EgressOverflows:   metricsCollector.NewCounter("egress_overflows_total", "Connections closed for exceeding the egress budget", []string{"project"}),
		ProtocolErrors:    metricsCollector.NewCounter("protocol_errors_total", "Protocol-level rejections", []string{"kind"}),
		AcksSent:          metricsCollector.NewCounter("acks_sent_total", "Acknowledgements sent", []string{"path", "outcome"}),
	}

	// Verification key is fatal configuration
	publicKey, err := auth.LoadPublicKey(config.RequireEnv("GRANT_PUBLIC_KEY"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to load grant public key")
	}
	verifier, err := auth.NewVerifier(publicKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to construct grant verifier")
	}

	// Usage egress: HMAC-signed webhook by default, Kafka or disabled by
	// deployment choice
	var sink usage.Sink
	switch strings.ToLower(config.GetEnv("USAGE_SINK", "webhook")) {
	case "webhook":
		sink = usage.NewWebhookSink(usage.WebhookConfig{
			URL:           config.RequireEnv("USAGE_WEBHOOK_URL"),
			Secret:        []byte(config.RequireEnv("USAGE_WEBHOOK_SECRET")),
			BatchSize:     config.GetEnvInt("USAGE_BATCH_SIZE", 100),
			FlushInterval: config.GetEnvDuration("USAGE_FLUSH_INTERVAL", 2*time.Second),
		}, logger)
	case "kafka":
		kafkaSink, err := usage.NewKafkaSink(usage.KafkaConfig{
			Brokers: strings.Split(config.RequireEnv("KAFKA_BROKERS"), ","),
			Topic:   config.GetEnv("USAGE_KAFKA_TOPIC", "usage_events"),
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka usage sink")
		}
		sink = kafkaSink
	case "none":
		logger.Warn("Usage metering disabled")
		sink = usage.NoopSink{}
	default:
		logger.Fatal("USAGE_SINK must be webhook, kafka, or none")
	}

	// Optional GeoIP fallback for X-Location-Hint
	geo, err := geoip.NewResolver(config.GetEnv("GEOIP_MMDB_PATH", ""))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open GeoIP database")
	}
	if geo != nil {
		defer geo.Close()
	}

	channelCfg := channel.Config{
		HeartbeatInterval:  config.GetEnvDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		ConnectGrace:       config.GetEnvDuration("CONNECT_GRACE", 10*time.Second),
		EgressBudget:       int64(config.GetEnvInt("EGRESS_BUDGET_BYTES", 1<<20)),
		MaxFrameSize:       config.GetEnvInt("MAX_FRAME_BYTES", 256*1024),
		IdleActorTTL:       config.GetEnvDuration("IDLE_CHANNEL_TTL", 5*time.Minute),
		MaxConnsPerChannel: config.GetEnvInt("MAX_CONNS_PER_CHANNEL", 10000),
		PublishPerSecond:   config.GetEnvInt("PUBLISH_PER_SECOND", 0),
	}

	registry := channel.NewRegistry(channelCfg, verifier, sink, logger, serviceMetrics)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"GRANT_PUBLIC_KEY": "set",
	}))

	router := server.SetupServiceRouter(logger, "gateway", healthChecker, metricsCollector)
	handlers.New(registry, geo, channelCfg, logger).RegisterRoutes(router)

	serverConfig := server.DefaultConfig("gateway", "18090")
	err = server.Start(serverConfig, router, logger, func(ctx context.Context) {
		// Drain channel actors, then flush buffered usage events
		registry.Shutdown(ctx)
		if err := sink.Close(ctx); err != nil {
			logger.WithError(err).Warn("Usage sink close incomplete")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("HTTP server startup failed")
	}
}
