// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器 - 抓取时读取 ARDP 实例统计
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/ardp/internal/transport"
)

const namespace = "ardp"

// EndpointStats 端点统计数据接口
type EndpointStats interface {
	Stats() transport.HandleStats
	PacketsDropped() uint64
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *transport.HandleStats) uint64
}

// ARDPCollector ARDP 实例指标收集器
type ARDPCollector struct {
	statsProvider EndpointStats

	counters []counterDesc

	activeConnsDesc  *prometheus.Desc
	queueDroppedDesc *prometheus.Desc
	segmentsDesc     *prometheus.Desc
	bytesDesc        *prometheus.Desc
	droppedDesc      *prometheus.Desc
}

// NewARDPCollector 创建 ARDP 收集器
func NewARDPCollector(provider EndpointStats) *ARDPCollector {
	subsystem := "handle"

	counter := func(name, help string, value func(s *transport.HandleStats) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
			value: value,
		}
	}

	return &ARDPCollector{
		statsProvider: provider,

		counters: []counterDesc{
			counter("retransmits_total", "Segments retransmitted after a timeout",
				func(s *transport.HandleStats) uint64 { return s.Retransmits }),
			counter("fast_retransmits_total", "Segments retransmitted on duplicate acknowledgements",
				func(s *transport.HandleStats) uint64 { return s.FastRetransmits }),
			counter("dup_acks_total", "Duplicate acknowledgements received",
				func(s *transport.HandleStats) uint64 { return s.DupAcks }),
			counter("messages_sent_total", "Reliable messages accepted for sending",
				func(s *transport.HandleStats) uint64 { return s.MessagesSent }),
			counter("messages_delivered_total", "Messages delivered to the application",
				func(s *transport.HandleStats) uint64 { return s.MessagesDelivered }),
			counter("messages_expired_total", "Messages whose time to live elapsed",
				func(s *transport.HandleStats) uint64 { return s.MessagesExpired }),
			counter("backpressure_total", "Send calls rejected by a closed window",
				func(s *transport.HandleStats) uint64 { return s.Backpressure }),
			counter("resets_sent_total", "Reset segments sent",
				func(s *transport.HandleStats) uint64 { return s.ResetsSent }),
			counter("connects_opened_total", "Connections that reached the open state",
				func(s *transport.HandleStats) uint64 { return s.ConnectsOpened }),
			counter("connects_failed_total", "Connection attempts that failed",
				func(s *transport.HandleStats) uint64 { return s.ConnectsFailed }),
			counter("accepts_rejected_total", "Inbound connection requests rejected",
				func(s *transport.HandleStats) uint64 { return s.AcceptsRejected }),
			counter("link_timeouts_total", "Connections torn down by link or retry timeout",
				func(s *transport.HandleStats) uint64 { return s.LinkTimeouts }),
		},

		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_connections"),
			"Number of connection records in use",
			nil, nil,
		),
		queueDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "endpoint", "queue_dropped_total"),
			"Datagrams dropped because the inbound queue was full",
			nil, nil,
		),
		segmentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_total"),
			"Segments processed",
			[]string{"direction"}, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_total"),
			"Segment bytes processed",
			[]string{"direction"}, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_dropped_total"),
			"Inbound segments dropped",
			[]string{"reason"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ARDPCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.activeConnsDesc
	ch <- c.queueDroppedDesc
	ch <- c.segmentsDesc
	ch <- c.bytesDesc
	ch <- c.droppedDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ARDPCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider.Stats()

	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(&s)))
	}

	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue,
		float64(s.ActiveConns))
	ch <- prometheus.MustNewConstMetric(c.queueDroppedDesc, prometheus.CounterValue,
		float64(c.statsProvider.PacketsDropped()))

	// 收发
	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue,
		float64(s.SegmentsReceived), "in")
	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue,
		float64(s.SegmentsSent), "out")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue,
		float64(s.BytesReceived), "in")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue,
		float64(s.BytesSent), "out")

	// 丢弃原因
	for reason, v := range map[string]uint64{
		"malformed":      s.MalformedDropped,
		"retired":        s.RetiredDropped,
		"window":         s.WindowDropped,
		"pool_exhausted": s.PoolExhausted,
	} {
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(v), reason)
	}
}
