package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
	"flashsale/internal/service/inventory/metrics"
)

// Config 是 relay 的调优参数，零值字段会被替换为默认值。
type Config struct {
	BatchSize           int64
	ReadBlock           time.Duration
	ReclaimInterval     time.Duration
	StaleThreshold      time.Duration // 超过这个空闲时间的 pending 记录视为 owner 已崩溃
	ReclaimBatchSize    int64
	LocalRetryIdle      time.Duration // 本实例 pending 记录的重新派发间隔，必须小于 StaleThreshold
	LocalRetryBatchSize int64
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxInFlight         int64
	SendTimeout         time.Duration
	StatsInterval       time.Duration
}

// DefaultConfig 返回线上默认参数。
func DefaultConfig() Config {
	return Config{
		BatchSize:           100,
		ReadBlock:           2 * time.Second,
		ReclaimInterval:     5 * time.Second,
		StaleThreshold:      60 * time.Second,
		ReclaimBatchSize:    100,
		LocalRetryIdle:      5 * time.Second,
		LocalRetryBatchSize: 100,
		MaxAttempts:         10,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          60 * time.Second,
		MaxInFlight:         64,
		SendTimeout:         10 * time.Second,
		StatsInterval:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = d.ReadBlock
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = d.ReclaimInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.ReclaimBatchSize <= 0 {
		c.ReclaimBatchSize = d.ReclaimBatchSize
	}
	if c.LocalRetryIdle <= 0 {
		c.LocalRetryIdle = d.LocalRetryIdle
	}
	if c.LocalRetryBatchSize <= 0 {
		c.LocalRetryBatchSize = d.LocalRetryBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	return c
}

// Relay 把 outbox 流转发到事件总线。每个进程实例只运行一个 Run 循环，
// 实例之间只通过消费组和 stale reclaim 协作。
type Relay struct {
	log       port.OutboxLog
	retries   port.RetryStore
	publisher port.EventPublisher
	cfg       Config
	clock     clock.Clock
	tracer    trace.Tracer

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRelay 创建 relay。
func NewRelay(log port.OutboxLog, retries port.RetryStore, publisher port.EventPublisher, cfg Config, clk clock.Clock, tracer trace.Tracer) *Relay {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Relay{
		log:       log,
		retries:   retries,
		publisher: publisher,
		cfg:       cfg,
		clock:     clk,
		tracer:    tracer,
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
		inflight:  make(map[string]struct{}),
	}
}

// Run 阻塞运行主循环，ctx 取消后等待在途发送完成再返回。
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().
		Int64("max_in_flight", r.cfg.MaxInFlight).
		Int("max_attempts", r.cfg.MaxAttempts).
		Msg("✅ Outbox relay started.")

	reclaim := time.NewTicker(r.cfg.ReclaimInterval)
	defer reclaim.Stop()
	stats := time.NewTicker(r.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Wait()
			logger.Ctx(ctx).Info().Msg("🛑 Outbox relay stopped.")
			return nil
		case <-reclaim.C:
			r.ReclaimOnce(ctx)
		case <-stats.C:
			r.refreshStats(ctx)
		default:
			r.PollOnce(ctx)
		}
	}
}

// ensureGroup 创建消费组，失败时按退避一直重试，只有 ctx 取消才返回错误。
// 预占在 Redis 不可用期间也会失败，relay 不能因此永久退出。
func (r *Relay) ensureGroup(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := r.log.EnsureGroup(ctx)
		if err == nil {
			return nil
		}
		wait := domain.Backoff(r.cfg.ReclaimInterval, r.cfg.BackoffCap, attempt)
		logger.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).
			Msg("create outbox consumer group failed, retrying")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "relay stopped before consumer group was ready")
		case <-time.After(wait):
		}
	}
}

// Wait 等待所有已派发的发送结束。
func (r *Relay) Wait() {
	r.wg.Wait()
}

// PollOnce 阻塞读取一批新记录并派发。
func (r *Relay) PollOnce(ctx context.Context) {
	records, err := r.log.ReadNew(ctx, r.cfg.BatchSize, r.cfg.ReadBlock)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Ctx(ctx).Warn().Err(err).Msg("outbox read failed, backing off")
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	for _, rec := range records {
		r.dispatch(ctx, rec)
	}
}

// ReclaimOnce 先认领其他实例遗留的 stale 记录，再重新派发本实例空闲的 pending 记录。
func (r *Relay) ReclaimOnce(ctx context.Context) {
	stale, err := r.log.ClaimStale(ctx, r.cfg.StaleThreshold, r.cfg.ReclaimBatchSize)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("stale reclaim failed")
	} else {
		if len(stale) > 0 {
			logger.Ctx(ctx).Info().Int("count", len(stale)).Msg("reclaimed stale outbox entries")
		}
		for _, rec := range stale {
			r.dispatch(ctx, rec)
		}
	}

	own, err := r.log.ClaimOwnIdle(ctx, r.cfg.LocalRetryIdle, r.cfg.LocalRetryBatchSize)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("local retry reclaim failed")
		return
	}
	for _, rec := range own {
		r.dispatch(ctx, rec)
	}
}

func (r *Relay) dispatch(ctx context.Context, rec port.LogRecord) {
	if !r.claimInflight(rec.ID) {
		return
	}

	entry, err := domain.ParseOutboxEntry(rec.Values)
	if err != nil {
		defer r.releaseInflight(rec.ID)
		metrics.ObservePublish(metrics.ResultPoison)
		logger.Ctx(ctx).Error().Err(err).Str("stream_id", rec.ID).Msg("dropping poison outbox entry")
		if err := r.log.Ack(ctx, rec.ID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("stream_id", rec.ID).Msg("ack poison entry failed")
		}
		return
	}

	st, err := r.retries.Get(ctx, entry.EventID)
	if err != nil {
		r.releaseInflight(rec.ID)
		logger.Ctx(ctx).Warn().Err(err).Str("event_id", entry.EventID).Msg("read retry state failed, leaving pending")
		return
	}
	if !st.Eligible(r.clock.Now()) {
		r.releaseInflight(rec.ID)
		return
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.releaseInflight(rec.ID)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer r.releaseInflight(rec.ID)

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SendTimeout)
		defer cancel()
		r.send(sendCtx, rec, entry, st)
	}()
}

func (r *Relay) send(ctx context.Context, rec port.LogRecord, entry domain.OutboxEntry, st domain.RetryState) {
	ctx, span := r.tracer.Start(ctx, "relay.dispatch", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", entry.EventID),
			attribute.String("stream.id", rec.ID),
			attribute.Int("attempts", st.Attempts),
		))
	defer span.End()

	if st.Exhausted(r.cfg.MaxAttempts) {
		r.deadLetter(ctx, rec, entry, st.Attempts, "retry attempts exhausted")
		return
	}

	err := r.publisher.Publish(ctx, entry)
	if err == nil {
		metrics.ObservePublish(metrics.ResultSuccess)
		r.complete(ctx, rec, entry)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "publish failed")
	metrics.ObservePublish(metrics.ResultFail)

	attempts, ierr := r.retries.Increment(ctx, entry.EventID)
	if ierr != nil {
		logger.Ctx(ctx).Warn().Err(ierr).Str("event_id", entry.EventID).Msg("record retry attempt failed")
		return
	}
	if attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, rec, entry, attempts, err.Error())
		return
	}

	backoff := domain.Backoff(r.cfg.BackoffBase, r.cfg.BackoffCap, attempts)
	if serr := r.retries.SetNextEligible(ctx, entry.EventID, r.clock.Now().Add(backoff)); serr != nil {
		logger.Ctx(ctx).Warn().Err(serr).Str("event_id", entry.EventID).Msg("record backoff failed")
	}
	metrics.ObservePublish(metrics.ResultRetry)
	logger.Ctx(ctx).Warn().Err(err).
		Str("event_id", entry.EventID).
		Int("attempts", attempts).
		Dur("backoff", backoff).
		Msg("publish failed, will retry")
}

// deadLetter 只有 DLQ 发布成功才确认；失败时记录保持 pending，下次按 cap 延后再试。
func (r *Relay) deadLetter(ctx context.Context, rec port.LogRecord, entry domain.OutboxEntry, attempts int, reason string) {
	err := r.publisher.PublishDeadLetter(ctx, entry, port.DeadLetter{Attempts: attempts, Reason: reason, StreamID: rec.ID})
	if err != nil {
		metrics.ObservePublish(metrics.ResultDLQFail)
		if serr := r.retries.SetNextEligible(ctx, entry.EventID, r.clock.Now().Add(r.cfg.BackoffCap)); serr != nil {
			logger.Ctx(ctx).Warn().Err(serr).Str("event_id", entry.EventID).Msg("record dlq backoff failed")
		}
		logger.Ctx(ctx).Error().Err(err).Str("event_id", entry.EventID).Msg("dead letter publish failed, entry stays pending")
		return
	}
	metrics.ObservePublish(metrics.ResultDLQ)
	logger.Ctx(ctx).Error().
		Str("event_id", entry.EventID).
		Str("stream_id", rec.ID).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("🚨 outbox entry moved to dead letter topic")
	r.complete(ctx, rec, entry)
}

// complete 确认并删除记录，再清理重试状态。确认失败时记录会被重新投递，下游按 eventId 去重。
func (r *Relay) complete(ctx context.Context, rec port.LogRecord, entry domain.OutboxEntry) {
	if err := r.log.Ack(ctx, rec.ID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("event_id", entry.EventID).Msg("ack outbox entry failed")
		return
	}
	if err := r.retries.Clear(ctx, entry.EventID); err != nil && !errors.Is(err, context.Canceled) {
		logger.Ctx(ctx).Warn().Err(err).Str("event_id", entry.EventID).Msg("clear retry state failed")
	}
}

func (r *Relay) refreshStats(ctx context.Context) {
	st, err := r.log.Stats(ctx)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("outbox stats unavailable")
		return
	}
	metrics.StreamLength.Set(float64(st.Length))
	metrics.StreamPending.Set(float64(st.Pending))
}

func (r *Relay) claimInflight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Relay) releaseInflight(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
