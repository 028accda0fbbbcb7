// Package inventory 组装秒杀库存服务的各个组件，供 cmd 下的进程复用。
package inventory

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"flashsale/internal/pkg/bootstrap"
	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/infrastructure/adapter"
	"flashsale/internal/service/inventory/outbox"
)

// RelayConfig 把配置文件中的 outbox 段转换为 relay 参数。
func RelayConfig(c bootstrap.OutboxConfig) outbox.Config {
	return outbox.Config{
		BatchSize:           c.BatchSize,
		ReadBlock:           c.ReadBlock,
		ReclaimInterval:     c.ReclaimInterval,
		StaleThreshold:      c.StaleThreshold,
		ReclaimBatchSize:    c.ReclaimBatchSize,
		LocalRetryIdle:      c.LocalRetryIdle,
		LocalRetryBatchSize: c.LocalRetryBatchSize,
		MaxAttempts:         c.MaxAttempts,
		BackoffBase:         c.BackoffBase,
		BackoffCap:          c.BackoffCap,
		MaxInFlight:         c.MaxInFlight,
		SendTimeout:         c.SendTimeout,
		StatsInterval:       c.StatsInterval,
	}
}

// ConsumerName 返回配置的消费者名，未配置时生成实例唯一的 <hostname>-<短 uuid>。
func ConsumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewRelay 创建一个连接 Redis 流与 Kafka 的 relay，返回的 close 函数关闭 Kafka writer。
func NewRelay(cfg *bootstrap.Config, client *redis.Client, consumer string) (*outbox.Relay, func(context.Context)) {
	keys := adapter.NewKeySpace(cfg.FlashSale.HashTag)
	mainWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, domain.TopicFlashSaleReserved)
	dlqWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, domain.TopicFlashSaleReservedDLQ)

	relay := outbox.NewRelay(
		adapter.NewOutboxStreamAdapter(client, keys.Outbox(), cfg.Outbox.Group, consumer),
		adapter.NewRetryRedisAdapter(client, keys, cfg.Outbox.RetryStateTTL),
		adapter.NewEventKafkaAdapter(mainWriter, dlqWriter, domain.TopicFlashSaleReserved),
		RelayConfig(cfg.Outbox),
		clock.NewSystem(),
		otel.Tracer("outbox-relay"),
	)

	closeWriters := func(context.Context) {
		for _, w := range []interface{ Close() error }{mainWriter, dlqWriter} {
			if err := w.Close(); err != nil {
				log.Error().Err(err).Msg("close kafka writer failed")
			}
		}
	}
	return relay, closeWriters
}
