package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/pkg/tracing"
	"flashsale/internal/service/inventory"
)

const serviceName = "outbox-relay"

// 独立部署的 relay，可以起任意多个实例，彼此通过消费组分摊流量。
func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9102", "address for /metrics and /healthz")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	consumer := inventory.ConsumerName(cfg.Outbox.Consumer)
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)
	log.Logger = log.With().Str("consumer", consumer).Logger()

	shutdownTracer, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	relay, closeWriters := inventory.NewRelay(cfg, redisClient, consumer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("outbox relay stopped with error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeWriters(ctx)
	if err := shutdownTracer(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}
	log.Info().Msg("Outbox relay gracefully shut down.")
}
