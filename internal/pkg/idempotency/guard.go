package idempotency

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"flashsale/internal/pkg/logger"
)

const (
	defaultNamespace   = "default"
	maxNamespaceLength = 200
	releaseTimeout     = 2 * time.Second
)

var whitespace = regexp.MustCompile(`\s+`)

// Guard 按 acquire -> 执行 -> markDone / release 的流程保护副作用调用。
// 一个进程通常只有一个 Guard，由各调用点通过 Wrap / WrapVoid 在装配期组合。
type Guard struct {
	store     Store
	namespace string
	newToken  func() string
}

// NewGuard 创建 Guard。namespace 区分不同服务共用同一个存储时的键空间。
func NewGuard(store Store, namespace string) *Guard {
	return &Guard{
		store:     store,
		namespace: sanitizeNamespace(namespace),
		newToken:  func() string { return uuid.NewString() },
	}
}

// Key 返回完整的存储键：<prefix>:<namespace>:<eventType>:<id>。
func (g *Guard) Key(p Policy, id string) string {
	p = p.withDefaults()
	return p.KeyPrefix + ":" + g.namespace + ":" + p.EventType + ":" + id
}

// Wrap 把一个有返回值的操作包装成幂等操作。操作的返回值即结果指针，
// 重复请求在 DONE 状态下会拿到首次执行保存的指针。
func Wrap[A any](
	g *Guard,
	op func(ctx context.Context, args A) (string, error),
	keyOf func(args A) string,
	fingerprintOf func(args A) string,
	policy Policy,
) (func(ctx context.Context, args A) (string, error), error) {
	p := policy.withDefaults()
	if err := p.validate(true); err != nil {
		return nil, err
	}
	if g == nil || op == nil || keyOf == nil {
		return nil, errors.Wrapf(ErrInvalidPolicy, "%s: guard, operation and key derivation are required", p.EventType)
	}
	return func(ctx context.Context, args A) (string, error) {
		return g.execute(ctx, p, keyOf(args), fingerprint(fingerprintOf, args), func(ctx context.Context) (string, error) {
			return op(ctx, args)
		})
	}, nil
}

// WrapVoid 包装只有副作用、没有返回值的操作（例如消息消费者）。
func WrapVoid[A any](
	g *Guard,
	op func(ctx context.Context, args A) error,
	keyOf func(args A) string,
	fingerprintOf func(args A) string,
	policy Policy,
) (func(ctx context.Context, args A) error, error) {
	p := policy.withDefaults()
	if err := p.validate(false); err != nil {
		return nil, err
	}
	if g == nil || op == nil || keyOf == nil {
		return nil, errors.Wrapf(ErrInvalidPolicy, "%s: guard, operation and key derivation are required", p.EventType)
	}
	return func(ctx context.Context, args A) error {
		_, err := g.execute(ctx, p, keyOf(args), fingerprint(fingerprintOf, args), func(ctx context.Context) (string, error) {
			return "", op(ctx, args)
		})
		return err
	}, nil
}

func (g *Guard) execute(ctx context.Context, p Policy, id, fp string, run func(ctx context.Context) (string, error)) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.Wrapf(ErrEmptyKey, "event type %s", p.EventType)
	}
	key := g.Key(p, id)
	token := g.newToken()

	outcome, err := g.store.Acquire(ctx, key, token, p.ProcessingTTL, fp)
	if err != nil {
		return "", err
	}

	switch outcome.Status {
	case StatusDone:
		if outcome.Fingerprint != fp {
			return "", errors.Wrapf(ErrPayloadMismatch, "key=%s", key)
		}
		switch p.OnDone {
		case OnDoneThrow:
			return "", errors.Wrapf(ErrAlreadyCompleted, "key=%s", key)
		case OnDoneReturnPointer:
			if outcome.Pointer == "" {
				return "", errors.Wrapf(ErrPointerMissing, "key=%s", key)
			}
			return outcome.Pointer, nil
		default:
			logger.Ctx(ctx).Debug().Str("idem_key", key).Msg("idempotent skip: already done")
			return "", nil
		}

	case StatusProcessing:
		if outcome.Fingerprint != fp {
			return "", errors.Wrapf(ErrPayloadMismatch, "key=%s (processing)", key)
		}
		if p.OnProcessing == OnProcessingAck {
			logger.Ctx(ctx).Debug().Str("idem_key", key).Msg("idempotent skip: processing elsewhere")
			return "", nil
		}
		return "", errors.Wrapf(ErrInProgress, "key=%s", key)
	}

	return g.runAcquired(ctx, p, key, token, fp, run)
}

func (g *Guard) runAcquired(ctx context.Context, p Policy, key, token, fp string, run func(ctx context.Context) (string, error)) (string, error) {
	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, key, token)
			panic(r)
		}
	}()

	pointer, err := run(ctx)
	if err != nil {
		g.release(ctx, key, token)
		return "", err
	}

	// 指针为空时不能 markDone：保持 PROCESSING，等 TTL 过期后才允许重试
	if p.OnDone == OnDoneReturnPointer && pointer == "" {
		logger.Ctx(ctx).Warn().Str("idem_key", key).Msg("operation returned empty result pointer")
		return "", errors.Wrapf(ErrMarkDoneFailed, "key=%s: empty result pointer", key)
	}

	marked, err := g.store.MarkDone(ctx, key, token, p.DoneTTL, pointer, fp)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("idem_key", key).Msg("mark done error")
		return "", errors.Wrapf(ErrMarkDoneFailed, "key=%s: %v", key, err)
	}
	if !marked {
		logger.Ctx(ctx).Warn().Str("idem_key", key).Str("token", token).Msg("mark done rejected: token no longer owns key")
		return "", errors.Wrapf(ErrMarkDoneFailed, "key=%s", key)
	}
	return pointer, nil
}

// release 尽力而为，失败只记录日志，键最终会随 TTL 过期。
func (g *Guard) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := g.store.Release(rctx, key, token); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str("idem_key", key).Msg("release idempotency key failed")
	}
}

func fingerprint[A any](fn func(A) string, args A) string {
	if fn == nil {
		return ""
	}
	return fn(args)
}

func sanitizeNamespace(raw string) string {
	ns := whitespace.ReplaceAllString(strings.TrimSpace(raw), "_")
	if ns == "" {
		return defaultNamespace
	}
	if len(ns) > maxNamespaceLength {
		ns = ns[:maxNamespaceLength]
	}
	return ns
}
