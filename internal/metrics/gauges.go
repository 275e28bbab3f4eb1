// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram），由协议事件直接驱动
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ARDPMetrics 协议事件指标，实现 transport.MetricsSink
type ARDPMetrics struct {
	RTT         prometheus.Histogram
	Retransmits *prometheus.CounterVec
	Connects    *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Messages    *prometheus.CounterVec
}

// NewARDPMetrics 创建并注册指标
func NewARDPMetrics(registry prometheus.Registerer) *ARDPMetrics {
	m := &ARDPMetrics{
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round trip time samples from acknowledged segments",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmit_events_total",
			Help:      "Retransmission events by trigger",
		}, []string{"kind"}),

		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection establishment outcomes",
		}, []string{"role", "result"}),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection teardowns by reason",
		}, []string{"reason"}),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Message completions by direction and result",
		}, []string{"direction", "result"}),
	}

	registry.MustRegister(
		m.RTT,
		m.Retransmits,
		m.Connects,
		m.Disconnects,
		m.Messages,
	)

	return m
}

// ObserveRTT 记录 RTT 采样
func (m *ARDPMetrics) ObserveRTT(d time.Duration) {
	m.RTT.Observe(d.Seconds())
}

// IncRetransmit 记录重传
func (m *ARDPMetrics) IncRetransmit(kind string) {
	m.Retransmits.WithLabelValues(kind).Inc()
}

// IncConnect 记录建连结果
func (m *ARDPMetrics) IncConnect(role, result string) {
	m.Connects.WithLabelValues(role, result).Inc()
}

// IncDisconnect 记录断开原因
func (m *ARDPMetrics) IncDisconnect(reason string) {
	m.Disconnects.WithLabelValues(reason).Inc()
}

// IncMessage 记录消息完成
func (m *ARDPMetrics) IncMessage(direction, result string) {
	m.Messages.WithLabelValues(direction, result).Inc()
}
