package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/metrics"
)

// ReleaseApplier 应用一条回补请求。
type ReleaseApplier interface {
	HandleReleaseRequested(ctx context.Context, evt domain.ReleaseRequested) error
}

// LedgerProjector 把预占事件写入流水表。
type LedgerProjector interface {
	Project(ctx context.Context, evt domain.OutboxEntry) error
}

// NewReleaseHandler 解码 inventory.release-requested.v1 消息并回补库存。
func NewReleaseHandler(app ReleaseApplier) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt domain.ReleaseRequested
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return errors.Wrapf(domain.ErrPoisonEntry, "decode release event: %v", err)
		}
		return app.HandleReleaseRequested(ctx, evt)
	}
}

// NewLedgerHandler 解码主 topic 上的预占事件并投影到流水表。
func NewLedgerHandler(app LedgerProjector) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt domain.OutboxEntry
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return errors.Wrapf(domain.ErrPoisonEntry, "decode reserved event: %v", err)
		}
		return app.Project(ctx, evt)
	}
}

// NewDeadLetterHandler 记录每一条死信。DLQ 中的消息总是直接提交，因为它们已经被"处理"了（即记录日志）。
func NewDeadLetterHandler() MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		metrics.DeadLetters.Inc()

		var evt domain.OutboxEntry
		decodeErr := json.Unmarshal(msg.Value, &evt)

		l := logger.Ctx(ctx).Error().
			Str("reason", "dead_letter_message_received").
			Str("original_topic", mq.Header(msg.Headers, mq.HeaderOriginalTopic)).
			Str("exception_message", mq.Header(msg.Headers, mq.HeaderExceptionMessage)).
			Str("attempts", mq.Header(msg.Headers, mq.HeaderAttempts)).
			Str("stream_id", mq.Header(msg.Headers, mq.HeaderStreamID)).
			Str("key", string(msg.Key))
		if decodeErr != nil {
			l = l.Str("value", string(msg.Value))
		} else {
			l = l.Str("event_id", evt.EventID).
				Str("order_id", evt.OrderID).
				Str("user_id", evt.UserID).
				Str("sku_id", evt.SkuID).
				Int("qty", evt.Qty)
		}
		l.Msg("🚨 CRITICAL: Dead letter message received")
		return nil
	}
}
