package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/metrics"
)

// MessageReader 是 *kafka.Reader 中消费者用到的部分。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler 处理一条消息。返回 ErrPoisonEntry / ErrInvalidReservation 的消息会被跳过并提交，
// 其他错误会原地重试同一条消息，offset 不前移。
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// ConsumerAdapter 是一个驱动适配器，它监听 Kafka 消息并驱动应用服务。
type ConsumerAdapter struct {
	name       string
	topic      string
	reader     MessageReader
	handle     MessageHandler
	retryDelay time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumerAdapter 创建消费者。name 用作日志和指标标签。
func NewConsumerAdapter(name, topic string, reader MessageReader, handle MessageHandler, retryDelay time.Duration) *ConsumerAdapter {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &ConsumerAdapter{name: name, topic: topic, reader: reader, handle: handle, retryDelay: retryDelay}
}

// Start 开始监听 Kafka 主题，立即返回。
func (a *ConsumerAdapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("consumer", a.name).Str("topic", a.topic).Msg("✅ Kafka Consumer Adapter started.")
		for {
			// 使用 FetchMessage 而不是 ReadMessage，处理成功后才提交 offset
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Str("consumer", a.name).Msg("🛑 Kafka Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("consumer", a.name).Msg("could not fetch message, retrying")
				if !sleep(ctx, a.retryDelay) {
					return
				}
				continue
			}

			if !a.process(ctx, msg) {
				return
			}
			if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Str("consumer", a.name).Int64("offset", msg.Offset).Msg("failed to commit message")
			}
		}
	}()
}

// Stop 优雅地停止消费者。
func (a *ConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if err := a.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("consumer", a.name).Msg("close reader failed")
	}
	logger.Ctx(ctx).Info().Str("consumer", a.name).Msg("✅ Kafka Consumer Adapter stopped.")
}

// process 返回 false 表示 ctx 已取消，消息未处理完。
func (a *ConsumerAdapter) process(parent context.Context, msg kafka.Message) bool {
	ctx := mq.ExtractTraceContext(parent, msg.Headers)
	for {
		err := a.handle(ctx, msg)
		if err == nil {
			return true
		}
		if isPoison(err) {
			metrics.ObserveConsume(a.name, metrics.ConsumePoison)
			logger.Ctx(ctx).Error().Err(err).
				Str("consumer", a.name).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Str("key", string(msg.Key)).
				Msg("skipping unprocessable message")
			return true
		}

		metrics.ObserveConsume(a.name, metrics.ConsumeError)
		logger.Ctx(ctx).Warn().Err(err).
			Str("consumer", a.name).
			Int64("offset", msg.Offset).
			Msg("message handling failed, retrying")
		if !sleep(parent, a.retryDelay) {
			return false
		}
	}
}

func isPoison(err error) bool {
	return errors.Is(err, domain.ErrPoisonEntry) || errors.Is(err, domain.ErrInvalidReservation)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
