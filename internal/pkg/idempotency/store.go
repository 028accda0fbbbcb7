package idempotency

import (
	"context"
	"time"
)

// AcquireStatus 是一次 Acquire 观察到的键状态。
type AcquireStatus string

const (
	StatusAcquired   AcquireStatus = "ACQUIRED"
	StatusProcessing AcquireStatus = "PROCESSING"
	StatusDone       AcquireStatus = "DONE"
)

// AcquireOutcome 是 Acquire 的返回值。
// Fingerprint 是键上已存储的载荷指纹；Pointer 只在 DONE 时有意义。
type AcquireOutcome struct {
	Status      AcquireStatus
	Fingerprint string
	Pointer     string
}

// Store 是幂等记录的存储契约。
// 状态机：ABSENT -> PROCESSING -> DONE，或 PROCESSING -> ABSENT（Release / TTL 过期）。
// DONE 之后不再发生任何迁移。
type Store interface {
	// Acquire 原子地执行：键不存在时写入 PROCESSING 并返回 ACQUIRED；
	// 否则不做修改，原样返回当前状态与指纹。
	Acquire(ctx context.Context, key, token string, processingTTL time.Duration, fingerprint string) (AcquireOutcome, error)

	// MarkDone 仅在存储的 token 仍与调用方一致且状态为 PROCESSING 时迁移到 DONE，
	// 同时保存结果指针并把 TTL 延长到 doneTTL。返回 false 表示围栏失败。
	MarkDone(ctx context.Context, key, token string, doneTTL time.Duration, pointer, fingerprint string) (bool, error)

	// Release 在 token 一致且仍为 PROCESSING 时删除键。
	Release(ctx context.Context, key, token string) error
}
