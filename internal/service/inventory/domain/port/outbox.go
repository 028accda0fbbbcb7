package port

import (
	"context"
	"time"

	"flashsale/internal/service/inventory/domain"
)

// LogRecord 是从 outbox 流读到的一条原始记录。
type LogRecord struct {
	ID     string
	Values map[string]interface{}
}

// LogStats 是流长度与消费组待确认数量。
type LogStats struct {
	Length  int64
	Pending int64
}

// OutboxLog 是带消费组语义的 outbox 日志。
type OutboxLog interface {
	// EnsureGroup 创建消费组（流不存在时一并创建），组已存在不是错误。
	EnsureGroup(ctx context.Context) error
	// ReadNew 阻塞读取尚未投递给组内任何消费者的新记录。
	ReadNew(ctx context.Context, count int64, block time.Duration) ([]LogRecord, error)
	// ClaimStale 把组内空闲超过 minIdle 的记录认领给当前消费者（owner 视为已崩溃）。
	ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]LogRecord, error)
	// ClaimOwnIdle 只扫描当前消费者自己的待确认记录，重新认领空闲超过 minIdle 的部分。
	ClaimOwnIdle(ctx context.Context, minIdle time.Duration, count int64) ([]LogRecord, error)
	// Ack 确认并删除记录。
	Ack(ctx context.Context, id string) error
	// Stats 返回流长度和组待确认数。
	Stats(ctx context.Context) (LogStats, error)
}

// RetryStore 保存 relay 的按事件重试状态。
type RetryStore interface {
	// Get 返回事件的重试状态，不存在时返回零值。
	Get(ctx context.Context, eventID string) (domain.RetryState, error)
	// Increment 把尝试次数加一并返回新值。
	Increment(ctx context.Context, eventID string) (int, error)
	// SetNextEligible 记录下一次允许发送的时间。
	SetNextEligible(ctx context.Context, eventID string, at time.Time) error
	// Clear 删除重试状态。
	Clear(ctx context.Context, eventID string) error
}

// DeadLetter 描述一次死信投递的失败上下文。
type DeadLetter struct {
	Attempts int
	Reason   string
	StreamID string
}

// EventPublisher 是事件总线的出站端口，主 topic 与 DLQ 共用同一个载荷结构。
type EventPublisher interface {
	Publish(ctx context.Context, entry domain.OutboxEntry) error
	PublishDeadLetter(ctx context.Context, entry domain.OutboxEntry, dl DeadLetter) error
}
