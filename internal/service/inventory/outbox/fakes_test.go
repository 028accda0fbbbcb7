package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/service/inventory/domain"
	"flashsale/internal/service/inventory/domain/port"
)

// memLog 是带消费组语义的内存日志：未投递记录、pending 表（owner + 投递时间）。
type memLog struct {
	mu        sync.Mutex
	clock     clock.Clock
	consumer  string
	seq       int
	entries   map[string]map[string]interface{}
	order     []string
	delivered map[string]bool
	pending   map[string]*pendingInfo

	ensureFailures int // EnsureGroup 在成功前失败的次数
	ensureCalls    int
}

type pendingInfo struct {
	owner       string
	deliveredAt time.Time
}

func newMemLog(clk clock.Clock, consumer string) *memLog {
	return &memLog{
		clock:     clk,
		consumer:  consumer,
		entries:   map[string]map[string]interface{}{},
		delivered: map[string]bool{},
		pending:   map[string]*pendingInfo{},
	}
}

// as 返回共享同一份数据、但以另一个消费者身份操作的视图。
func (l *memLog) as(consumer string) *memLogView {
	return &memLogView{memLog: l, consumer: consumer}
}

func (l *memLog) append(values map[string]interface{}) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("%d-0", l.seq)
	l.entries[id] = values
	l.order = append(l.order, id)
	return id
}

func (l *memLog) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *memLog) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *memLog) readNew(ctx context.Context, consumer string, count int64, block time.Duration) ([]port.LogRecord, error) {
	l.mu.Lock()
	var out []port.LogRecord
	for _, id := range l.order {
		if int64(len(out)) >= count {
			break
		}
		if _, ok := l.entries[id]; !ok || l.delivered[id] {
			continue
		}
		l.delivered[id] = true
		l.pending[id] = &pendingInfo{owner: consumer, deliveredAt: l.clock.Now()}
		out = append(out, port.LogRecord{ID: id, Values: l.entries[id]})
	}
	l.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	return out, nil
}

func (l *memLog) claim(consumer string, minIdle time.Duration, count int64, onlyOwner string) []port.LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	ids := make([]string, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []port.LogRecord
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		p := l.pending[id]
		if onlyOwner != "" && p.owner != onlyOwner {
			continue
		}
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.owner = consumer
		p.deliveredAt = now
		out = append(out, port.LogRecord{ID: id, Values: l.entries[id]})
	}
	return out
}

func (l *memLog) EnsureGroup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureCalls++
	if l.ensureCalls <= l.ensureFailures {
		return fmt.Errorf("create group: %w", domain.ErrTransientInfra)
	}
	return nil
}

func (l *memLog) ensureGroupCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureCalls
}

func (l *memLog) ReadNew(ctx context.Context, count int64, block time.Duration) ([]port.LogRecord, error) {
	return l.readNew(ctx, l.consumer, count, block)
}

func (l *memLog) ClaimStale(_ context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	return l.claim(l.consumer, minIdle, count, ""), nil
}

func (l *memLog) ClaimOwnIdle(_ context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	return l.claim(l.consumer, minIdle, count, l.consumer), nil
}

func (l *memLog) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
	delete(l.entries, id)
	return nil
}

func (l *memLog) Stats(context.Context) (port.LogStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return port.LogStats{Length: int64(len(l.entries)), Pending: int64(len(l.pending))}, nil
}

type memLogView struct {
	*memLog
	consumer string
}

func (v *memLogView) ReadNew(ctx context.Context, count int64, block time.Duration) ([]port.LogRecord, error) {
	return v.readNew(ctx, v.consumer, count, block)
}

func (v *memLogView) ClaimStale(_ context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	return v.claim(v.consumer, minIdle, count, ""), nil
}

func (v *memLogView) ClaimOwnIdle(_ context.Context, minIdle time.Duration, count int64) ([]port.LogRecord, error) {
	return v.claim(v.consumer, minIdle, count, v.consumer), nil
}

type memRetries struct {
	mu    sync.Mutex
	state map[string]domain.RetryState
}

func newMemRetries() *memRetries {
	return &memRetries{state: map[string]domain.RetryState{}}
}

func (m *memRetries) Get(_ context.Context, eventID string) (domain.RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[eventID], nil
}

func (m *memRetries) Increment(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[eventID]
	st.Attempts++
	m.state[eventID] = st
	return st.Attempts, nil
}

func (m *memRetries) SetNextEligible(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[eventID]
	st.NextEligibleAt = at
	m.state[eventID] = st
	return nil
}

func (m *memRetries) Clear(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, eventID)
	return nil
}

func (m *memRetries) get(eventID string) (domain.RetryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[eventID]
	return st, ok
}

var errBrokerDown = errors.New("kafka: leader not available")

// fakePublisher 记录发送结果，可以按 eventId 注入失败。
type fakePublisher struct {
	mu          sync.Mutex
	published   []domain.OutboxEntry
	deadLetters []deadLetterCall
	attempts    map[string]int
	rejectMain  map[string]bool
	dlqFailures int

	delay       time.Duration
	current     int32
	maxObserved int32
}

type deadLetterCall struct {
	entry domain.OutboxEntry
	dl    port.DeadLetter
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{attempts: map[string]int{}, rejectMain: map[string]bool{}}
}

func (p *fakePublisher) Publish(_ context.Context, entry domain.OutboxEntry) error {
	n := atomic.AddInt32(&p.current, 1)
	defer atomic.AddInt32(&p.current, -1)
	for {
		prev := atomic.LoadInt32(&p.maxObserved)
		if n <= prev || atomic.CompareAndSwapInt32(&p.maxObserved, prev, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[entry.EventID]++
	if p.rejectMain[entry.EventID] {
		return errBrokerDown
	}
	p.published = append(p.published, entry)
	return nil
}

func (p *fakePublisher) PublishDeadLetter(_ context.Context, entry domain.OutboxEntry, dl port.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dlqFailures > 0 {
		p.dlqFailures--
		return errBrokerDown
	}
	p.deadLetters = append(p.deadLetters, deadLetterCall{entry: entry, dl: dl})
	return nil
}

func (p *fakePublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.published))
	for _, e := range p.published {
		ids = append(ids, e.EventID)
	}
	return ids
}

func (p *fakePublisher) deadLetterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deadLetters)
}

func (p *fakePublisher) attemptsFor(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[eventID]
}

func entryValues(eventID string) map[string]interface{} {
	return map[string]interface{}{
		domain.FieldEventID:    eventID,
		domain.FieldOrderID:    "o-" + eventID,
		domain.FieldUserID:     "u-" + eventID,
		domain.FieldSkuID:      "sku-1",
		domain.FieldQty:        "1",
		domain.FieldPriceCents: "1999",
		domain.FieldCurrency:   "CNY",
		domain.FieldOccurredAt: "2025-11-11T00:00:00.000Z",
		domain.FieldExpireAt:   "2025-11-11T00:05:00.000Z",
	}
}
