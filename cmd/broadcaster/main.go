// Command broadcaster runs the stateful pub/sub session engine as a
// standalone WebSocket server: it accepts connections, upgrades them via
// gobwas/ws, and hands each one to a fresh session.Session wired against
// the NATS-backed FanoutHub and Kafka-backed DeliveryFanout reference
// collaborators. Structurally this mirrors the teacher's root main.go:
// automaxprocs first, then config, then logger, then the server loop.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/Tjstretchalot/statefulpubsub/internal/authjwt"
	"github.com/Tjstretchalot/statefulpubsub/internal/config"
	"github.com/Tjstretchalot/statefulpubsub/internal/deliveryfanout"
	"github.com/Tjstretchalot/statefulpubsub/internal/fanouthub"
	"github.com/Tjstretchalot/statefulpubsub/internal/limits"
	"github.com/Tjstretchalot/statefulpubsub/internal/logging"
	"github.com/Tjstretchalot/statefulpubsub/internal/metrics"
	"github.com/Tjstretchalot/statefulpubsub/internal/platform"
	"github.com/Tjstretchalot/statefulpubsub/internal/session"
	"github.com/Tjstretchalot/statefulpubsub/internal/trainer"
	"github.com/Tjstretchalot/statefulpubsub/internal/transport"
)

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	signingKey, err := os.ReadFile(cfg.JWTSigningKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.JWTSigningKeyPath).Msg("reading JWT signing key")
	}
	authProvider := authjwt.NewProvider(signingKey, 5*time.Minute)

	hub, err := fanouthub.New(fanouthub.Config{
		URL:             cfg.NATSURL,
		MaxReconnects:   cfg.NATSMaxReconnect,
		ReconnectWait:   cfg.NATSReconnectWait,
		ReconnectJitter: 250 * time.Millisecond,
	}, hostID(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting fanout hub")
	}
	defer hub.Close()

	delivery, err := deliveryfanout.New(deliveryfanout.Config{
		Brokers:      splitCommaList(cfg.KafkaBrokers),
		ArchiveTopic: cfg.KafkaArchiveTopic,
		HTTPTimeout:  cfg.KafkaHTTPTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting delivery fanout")
	}
	defer delivery.Close()

	dictProvider := trainer.NewStaticProvider()

	reg := prometheus.NewRegistry()
	mtx := metrics.New(reg)

	var activeSessions int64
	memLimit, _ := platform.MemoryLimit()
	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = platform.MaxConnections(memLimit)
	}
	guard := limits.New(limits.Config{
		MaxSessions:        maxConns,
		MemoryLimitBytes:   memLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxNotifyRate:      cfg.MaxNotifyRate,
	}, logger, &activeSessions)

	ctx, cancel := context.WithCancel(context.Background())
	go guard.StartMonitoring(ctx, cfg.MetricsInterval)

	sessionCfg := cfg.SessionConfig()
	sessCfg := session.Config{
		MessageBodySpoolSize:             sessionCfg.MessageBodySpoolSize,
		OutgoingMaxWSMessageSize:         sessionCfg.OutgoingMaxWSMessageSize,
		WebsocketAcceptTimeout:           sessionCfg.WebsocketAcceptTimeout,
		WebsocketLargeDirectSendTimeout:  sessionCfg.WebsocketLargeDirectSendTimeout,
		WebsocketMaxPendingSends:         sessionCfg.WebsocketMaxPendingSends,
		WebsocketMaxUnprocessedReceives:  sessionCfg.WebsocketMaxUnprocessedReceives,
		WebsocketSendMaxUnacknowledged:   sessionCfg.WebsocketSendMaxUnacknowledged,
		WebsocketMinimalHeaders:          sessionCfg.WebsocketMinimalHeaders,
		CompressionAllowed:               sessionCfg.CompressionAllowed,
		AllowTraining:                    sessionCfg.AllowTraining,
		CompressionMinSize:               sessionCfg.CompressionMinSize,
		CompressionTrainedMaxSize:        sessionCfg.CompressionTrainedMaxSize,
		CompressionTrainingLowWatermark:  sessionCfg.CompressionTrainingLowWatermark,
		CompressionTrainingHighWatermark: sessionCfg.CompressionTrainingHighWatermark,
		CompressionRetrainInterval:       sessionCfg.CompressionRetrainInterval,
		DecompressionMaxWindowSize:       sessionCfg.DecompressionMaxWindowSize,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if accept, reason := guard.ShouldAcceptSession(); !accept {
			logger.Warn().Str("reason", reason).Msg("rejecting session at accept")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
			mtx.CapacityRejections.WithLabelValues("upgrade_failed").Inc()
			return
		}

		atomic.AddInt64(&activeSessions, 1)
		mtx.SessionsTotal.Inc()
		mtx.SessionsActive.Inc()

		id := sessionID()
		sessLogger := logger.With().Str("session_id", id).Logger()

		go func() {
			defer func() {
				atomic.AddInt64(&activeSessions, -1)
				mtx.SessionsActive.Dec()
				logging.RecoverPanic(sessLogger, "session.Run", id)
			}()

			tp := transport.New(conn, 0, 10*time.Second)
			collab := session.Collaborators{
				Transport:    tp,
				Verifier:     authProvider,
				Signer:       authProvider,
				Hub:          hub,
				Delivery:     delivery,
				DictProvider: dictProvider,
				Logger:       sessLogger,
			}

			sess := session.New(id, sessCfg, collab)
			start := time.Now()
			runErr := sess.Run(context.Background())
			reason := "clean"
			if runErr != nil {
				reason = "error"
				mtx.SessionsFailed.Inc()
				sessLogger.Warn().Err(runErr).Msg("session ended with error")
			}
			mtx.SessionDuration.WithLabelValues(reason).Observe(time.Since(start).Seconds())
		}()
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("broadcaster listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during http shutdown")
	}
}

func hostID() string {
	host, err := os.Hostname()
	if err != nil {
		return "broadcaster"
	}
	return host
}

func sessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}
