package main

import (
	"context"
	"flag"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/httpclient"
	"flashsale/internal/pkg/idempotency"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/nacos"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/pkg/tracing"
	"flashsale/internal/service/inventory"
	"flashsale/internal/service/inventory/application"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
	"flashsale/internal/service/inventory/infrastructure"
	"flashsale/internal/service/inventory/infrastructure/adapter"
	"flashsale/internal/service/inventory/interfaces"
)

const serviceName = "inventory-service"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	shutdownTracer, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	// 后台组件在 RegisterHandlers 中创建，关停时按逆序执行
	var (
		mu       sync.Mutex
		stoppers []func(ctx context.Context)
	)
	onStop := func(f func(ctx context.Context)) {
		mu.Lock()
		stoppers = append(stoppers, f)
		mu.Unlock()
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler := wire(appCtx, redisClient, onStop)
			handler.RegisterRoutes(appCtx.Router)
		},
		OnShutdown: []func(ctx context.Context){
			func(ctx context.Context) {
				if err := shutdownTracer(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down tracer provider")
				}
				if err := redisClient.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing redis client")
				}
			},
			func(ctx context.Context) {
				mu.Lock()
				defer mu.Unlock()
				for i := len(stoppers) - 1; i >= 0; i-- {
					stoppers[i](ctx)
				}
			},
		},
	})
}

// wire 组装应用服务、HTTP 处理器，并启动 relay 与各个 Kafka 消费者。
func wire(appCtx bootstrap.AppCtx, redisClient *redis.Client, onStop func(func(ctx context.Context))) *interfaces.FlashSaleHandler {
	cfg := appCtx.Config
	tracer := otel.Tracer(serviceName)
	keys := adapter.NewKeySpace(cfg.FlashSale.HashTag)

	engine, err := adapter.NewReservationRedisAdapter(redisClient, keys, adapter.EngineOptions{
		ReservationTTL: cfg.FlashSale.ReservationTTL,
		PaymentTimeout: cfg.FlashSale.PaymentTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize reservation engine")
	}

	store, err := idempotency.NewRedisStore(redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize idempotency store")
	}
	namespace := cfg.Idempotency.Namespace
	if namespace == "" {
		namespace = cfg.App.Name
	}
	guard := idempotency.NewGuard(store, namespace)

	policy, err := application.NewPurchasePolicy(cfg.FlashSale.PurchasePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid purchase policy")
	}

	reservations, err := application.NewReservationService(engine, newPricing(cfg.Catalog, appCtx.Nacos), policy, guard,
		application.GuardConfig{
			KeyPrefix:     cfg.Idempotency.KeyPrefix,
			ProcessingTTL: cfg.Idempotency.ProcessingTTL,
			DoneTTL:       cfg.Idempotency.DoneTTL,
		}, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize reservation service")
	}

	stock, err := application.NewStockService(engine, guard, cfg.Idempotency.KeyPrefix, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize stock service")
	}

	ctx := context.Background()
	brokers := cfg.Infra.Kafka.Brokers

	if cfg.Outbox.Embedded {
		relay, closeWriters := inventory.NewRelay(cfg, redisClient, inventory.ConsumerName(cfg.Outbox.Consumer))
		relayCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			// Run 内部会重试建组，只有关停时才返回
			if err := relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("outbox relay exited")
			}
		}()
		onStop(func(ctx context.Context) {
			cancel()
			<-done
			closeWriters(ctx)
		})
	}

	start := func(name, topic string, c bootstrap.ConsumerConfig, h interfaces.MessageHandler) {
		if !c.Enabled {
			return
		}
		consumer := interfaces.NewConsumerAdapter(name, topic, mq.NewKafkaReader(brokers, topic, c.GroupID), h, cfg.Consumers.RetryDelay)
		consumer.Start(ctx)
		onStop(consumer.Stop)
	}

	start("release", domain.TopicReleaseRequested, cfg.Consumers.Release, interfaces.NewReleaseHandler(stock))
	start("dlq", domain.TopicFlashSaleReservedDLQ, cfg.Consumers.DLQ, interfaces.NewDeadLetterHandler())

	if cfg.Infra.MySQL.DSN != "" {
		db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN, cfg.Infra.MySQL.MaxOpenConns)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mysql")
		}
		repo := infrastructure.NewGormLedgerRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate ledger table")
		}
		ledger, err := application.NewLedgerService(repo, guard, cfg.Idempotency.KeyPrefix, tracer)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize ledger service")
		}
		start("ledger", domain.TopicFlashSaleReserved, cfg.Consumers.Ledger, interfaces.NewLedgerHandler(ledger))
	} else {
		log.Warn().Msg("mysql dsn not configured, ledger projector disabled")
	}

	return interfaces.NewFlashSaleHandler(reservations, stock, cfg.FlashSale.RetryAfter)
}

// newPricing 优先使用配置的目录服务地址，其次通过 Nacos 发现，最后退回固定价格。
func newPricing(c bootstrap.CatalogConfig, naming *nacos.Client) port.PricingService {
	baseURL := c.BaseURL
	if baseURL == "" && c.ServiceName != "" && naming != nil {
		discovered, err := naming.DiscoverServiceInstance(c.ServiceName)
		if err != nil {
			log.Warn().Err(err).Str("service", c.ServiceName).Msg("catalog discovery failed, using static price")
		} else {
			baseURL = discovered
		}
	}
	if baseURL == "" {
		return adapter.StaticPricing{Price: port.Price{Cents: c.StaticPriceCents, Currency: c.Currency}}
	}
	return adapter.NewPricingHTTPAdapter(httpclient.NewClient(otel.Tracer(serviceName), c.Timeout), baseURL)
}
