package idempotency

import (
	"time"

	"github.com/pkg/errors"
)

// ProcessingAction 决定观察到 PROCESSING 时的行为。
type ProcessingAction int

const (
	// OnProcessingRetry 返回 ErrInProgress，由调用方稍后重试。
	OnProcessingRetry ProcessingAction = iota
	// OnProcessingAck 视为幂等空操作，只允许用于无返回值的操作。
	OnProcessingAck
)

// DoneAction 决定观察到 DONE 时的行为。
type DoneAction int

const (
	// OnDoneAck 静默跳过。
	OnDoneAck DoneAction = iota
	// OnDoneThrow 返回 ErrAlreadyCompleted。
	OnDoneThrow
	// OnDoneReturnPointer 返回首次执行保存的结果指针，有返回值的操作必须使用。
	OnDoneReturnPointer
)

const (
	defaultKeyPrefix     = "idem:v1"
	defaultProcessingTTL = 30 * time.Second
	defaultDoneTTL       = 2 * time.Hour
)

// Policy 描述一个受保护调用点的幂等策略。
type Policy struct {
	EventType     string
	KeyPrefix     string
	OnProcessing  ProcessingAction
	OnDone        DoneAction
	ProcessingTTL time.Duration // 必须明显大于被保护操作的最坏耗时
	DoneTTL       time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.KeyPrefix == "" {
		p.KeyPrefix = defaultKeyPrefix
	}
	if p.ProcessingTTL <= 0 {
		p.ProcessingTTL = defaultProcessingTTL
	}
	if p.DoneTTL <= 0 {
		p.DoneTTL = defaultDoneTTL
	}
	return p
}

func (p Policy) validate(returnsResult bool) error {
	if p.EventType == "" {
		return errors.Wrap(ErrInvalidPolicy, "event type is required")
	}
	if returnsResult {
		if p.OnDone != OnDoneReturnPointer {
			return errors.Wrapf(ErrInvalidPolicy, "%s: result-bearing operation requires OnDone=ReturnPointer", p.EventType)
		}
		if p.OnProcessing == OnProcessingAck {
			return errors.Wrapf(ErrInvalidPolicy, "%s: OnProcessing=Ack requires a void operation", p.EventType)
		}
		return nil
	}
	if p.OnDone == OnDoneReturnPointer {
		return errors.Wrapf(ErrInvalidPolicy, "%s: OnDone=ReturnPointer requires a result-bearing operation", p.EventType)
	}
	return nil
}
