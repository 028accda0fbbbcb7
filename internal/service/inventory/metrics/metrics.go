package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flashsale"

var (
	// Reservations 按结果统计预占请求：RESERVED / DUPLICATE / SOLD_OUT / ERROR。
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_total",
		Help:      "Flash-sale reservation attempts by outcome.",
	}, []string{"status"})

	// Publisher 统计 relay 的发送结果：success / fail / retry / dlq / dlq_fail / poison。
	Publisher = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "publisher_events_total",
		Help:      "Outbox relay publish outcomes.",
	}, []string{"result"})

	// Consumed 统计消费者处理结果：processed / duplicate / poison / error。
	Consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka messages handled by inventory consumers.",
	}, []string{"consumer", "result"})

	// DeadLetters 统计 DLQ 监控收到的死信。
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dead_letters_received_total",
		Help:      "Dead letters observed on the DLQ topic.",
	})

	// StreamLength 与 StreamPending 由 relay 周期性刷新。
	StreamLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "stream_length",
		Help:      "Entries currently in the outbox stream.",
	})
	StreamPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "stream_pending",
		Help:      "Entries delivered to the relay group but not yet acknowledged.",
	})
)

// 发送结果标签
const (
	ResultSuccess = "success"
	ResultFail    = "fail"
	ResultRetry   = "retry"
	ResultDLQ     = "dlq"
	ResultDLQFail = "dlq_fail"
	ResultPoison  = "poison"
)

// 消费结果标签
const (
	ConsumeProcessed = "processed"
	ConsumeDuplicate = "duplicate"
	ConsumePoison    = "poison"
	ConsumeError     = "error"
)

// ObservePublish 记录一次 relay 发送结果。
func ObservePublish(result string) {
	Publisher.WithLabelValues(result).Inc()
}

// ObserveConsume 记录一次消费结果。
func ObserveConsume(consumer, result string) {
	Consumed.WithLabelValues(consumer, result).Inc()
}
