package idempotency

import "github.com/pkg/errors"

var (
	// ErrPayloadMismatch 表示两个不同的请求落在了同一个幂等键上，调用方不应重试。
	ErrPayloadMismatch = errors.New("idempotency: payload mismatch for key")
	// ErrInProgress 表示同一个键的首次执行仍在进行中，稍后重试。
	ErrInProgress = errors.New("idempotency: operation in progress")
	// ErrAlreadyCompleted 对应 OnDone=Throw。
	ErrAlreadyCompleted = errors.New("idempotency: operation already completed")
	// ErrMarkDoneFailed 表示副作用已经执行，但完成状态没有被可靠记录。
	ErrMarkDoneFailed = errors.New("idempotency: mark done failed")
	// ErrPointerMissing 表示键已 DONE，但没有保存可返回的结果指针。
	ErrPointerMissing = errors.New("idempotency: done without result pointer")
	// ErrInvalidPolicy 在装配期发现策略与操作形态不匹配时返回。
	ErrInvalidPolicy = errors.New("idempotency: invalid policy")
	// ErrStoreUnavailable 包装存储层的网络或服务端错误，可安全重试。
	ErrStoreUnavailable = errors.New("idempotency: store unavailable")
)

// ErrEmptyKey 表示从请求推导出的幂等 id 为空。
var ErrEmptyKey = errors.New("idempotency: empty key")
