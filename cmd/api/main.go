package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qci-scorer-go/internal/config"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/metrics"
	"qci-scorer-go/internal/pipeline"
	"qci-scorer-go/internal/poller"
	"qci-scorer-go/internal/sink"
	"qci-scorer-go/internal/voiceapi"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.WithField("profile", cfg.Profile).WithField("model", cfg.Model).Info("configuration loaded")

	rec := metrics.NewRecorder(true)
	comps, err := pipeline.Build(cfg, rec, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build scoring pipeline")
	}

	opts := []pipeline.Option{pipeline.WithMetrics(rec), pipeline.WithLogger(log)}
	if cfg.AMQPURL != "" {
		pub, err := sink.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to broker")
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithSinks(pub))
		log.WithField("exchange", cfg.AMQPExchange).Info("publishing reports to AMQP")
	}
	pipe := comps.Pipeline(cfg, opts...)

	if cfg.SyncCron != "" {
		voice, err := voiceapi.New(cfg.VoiceAPIURL, cfg.VoiceAPIKey)
		if err != nil {
			log.WithError(err).Fatal("failed to create voice platform client")
		}
		p := poller.New(voice, pipe, poller.WithLogger(log), poller.WithSince(time.Now().Add(-24*time.Hour)))
		if err := p.Start(cfg.SyncCron); err != nil {
			log.WithError(err).Fatal("failed to schedule sync")
		}
		defer func() { <-p.Stop().Done() }()
	}

	srv := &server{
		pipe:     pipe,
		metrics:  rec,
		log:      log,
		dataPath: envOr("DATASET_PATH", "calls.json"),
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
	}()

	log.WithField("addr", addr).Info("listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("server stopped")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
