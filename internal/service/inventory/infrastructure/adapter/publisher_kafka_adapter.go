package adapter

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
)

// 死信头部里错误信息的最大长度
const maxExceptionMessageLen = 512

// EventKafkaAdapter 把 outbox 记录发布到主 topic 或 DLQ，分区键为 skuId。
type EventKafkaAdapter struct {
	writer    mq.Writer
	dlqWriter mq.Writer
	topic     string
}

// NewEventKafkaAdapter 创建发布器。writer 写主 topic，dlqWriter 写死信 topic。
func NewEventKafkaAdapter(writer, dlqWriter mq.Writer, topic string) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer, dlqWriter: dlqWriter, topic: topic}
}

func (p *EventKafkaAdapter) Publish(ctx context.Context, entry domain.OutboxEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "marshal event %s", entry.EventID)
	}
	if err := mq.ProduceMessage(ctx, p.writer, []byte(entry.SkuID), body); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "publish event %s: %v", entry.EventID, err)
	}
	return nil
}

func (p *EventKafkaAdapter) PublishDeadLetter(ctx context.Context, entry domain.OutboxEntry, dl port.DeadLetter) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "marshal dead letter %s", entry.EventID)
	}
	reason := dl.Reason
	if len(reason) > maxExceptionMessageLen {
		reason = reason[:maxExceptionMessageLen]
	}
	headers := []kafka.Header{
		{Key: mq.HeaderOriginalTopic, Value: []byte(p.topic)},
		{Key: mq.HeaderExceptionMessage, Value: []byte(reason)},
		{Key: mq.HeaderAttempts, Value: []byte(strconv.Itoa(dl.Attempts))},
		{Key: mq.HeaderStreamID, Value: []byte(dl.StreamID)},
	}
	if err := mq.ProduceMessage(ctx, p.dlqWriter, []byte(entry.SkuID), body, headers...); err != nil {
		return errors.Wrapf(domain.ErrTransientInfra, "publish dead letter %s: %v", entry.EventID, err)
	}
	return nil
}
