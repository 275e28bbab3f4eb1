// =============================================================================
// 文件: internal/transport/ardp_types.go
// 描述: ARDP 可靠数据报协议 - 类型、配置、错误与回调接口
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/mrcgq/ardp/internal/protocol"
)

// 默认参数
const (
	DefaultConnectTimeout        = 3 * time.Second
	DefaultConnectRetries        = 3
	DefaultInitialDataTimeout    = time.Second
	DefaultTotalDataRetryTimeout = 5 * time.Second
	DefaultMinDataRetries        = 5
	DefaultPersistInterval       = time.Second
	DefaultTotalAppTimeout       = 30 * time.Second
	DefaultLinkTimeout           = 30 * time.Second
	DefaultKeepaliveRetries      = 5
	DefaultFastRetransmitCounter = 1
	DefaultDelayedAckTimeout     = 100 * time.Millisecond
	DefaultDelayedAckCount       = 2
	DefaultTimeWait              = time.Second
	DefaultSegBMax               = 1472 // 1500 - IP(20) - UDP(8)
	DefaultSegMax                = 50
	DefaultMaxConnections        = 1024
	DefaultRecvPoolSize          = 4096
	DefaultMinRTO                = 50 * time.Millisecond
	DefaultInitialCwnd           = 8
	DefaultMaxInFlight           = 50

	// 无定时器时 Run 的最长等待
	maxIdleWait = time.Second
)

// State 连接状态
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateOpen
	StateCloseWait
	StateTimeWait
)

func (s State) String() string {
	names := []string{"CLOSED", "SYN_SENT", "SYN_RCVD", "OPEN", "CLOSE_WAIT", "TIMEWAIT"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ConnID 应用侧不透明连接句柄
type ConnID uint32

// 错误定义
var (
	ErrConnectTimeout        = errors.New("连接超时")
	ErrConnectionReset       = errors.New("连接被重置")
	ErrConnectionRefused     = fmt.Errorf("连接被拒绝: %w", ErrConnectionReset)
	ErrLinkTimeout           = errors.New("链路超时")
	ErrRetryTimeout          = fmt.Errorf("数据重传超时: %w", ErrLinkTimeout)
	ErrPersistTimeout        = errors.New("零窗口探测超时")
	ErrMessageExpired        = errors.New("消息已过期")
	ErrBackpressure          = errors.New("发送窗口已满")
	ErrResourceExhausted     = errors.New("资源耗尽")
	ErrConnectionAborted     = errors.New("连接已中止")
	ErrConnectionExists      = errors.New("连接已存在")
	ErrNotFound              = errors.New("连接不存在")
	ErrInvalidState          = errors.New("连接状态无效")
	ErrMessageTooLarge       = errors.New("消息过大")
	ErrInvalidBuffer         = errors.New("接收缓冲区无效")
	ErrUnreliableUnsupported = errors.New("对端不接收不可靠数据报")
	ErrHandleClosed          = errors.New("句柄已释放")
	ErrInvalidConfig         = errors.New("配置无效")
)

// =============================================================================
// 配置
// =============================================================================

// GlobalConfig 协议实例配置
type GlobalConfig struct {
	ConnectTimeout           time.Duration // SYN 重传间隔
	ConnectRetries           int           // SYN 发送总次数
	InitialDataTimeout       time.Duration // 无 RTT 采样时的 RTO
	TotalDataRetryTimeout    time.Duration // 单段重传总时长上限
	MinDataRetries           int           // 判定失败前的最少重传次数
	PersistInterval          time.Duration // 零窗口探测初始间隔
	TotalAppTimeout          time.Duration // 零窗口持续上限
	LinkTimeout              time.Duration // 链路静默上限
	KeepaliveRetries         int           // 链路超时内的探测次数
	FastRetransmitAckCounter int           // 触发快速重传的重复确认数
	DelayedAckTimeout        time.Duration
	DelayedAckCount          int // 累计多少个未确认段立即确认
	TimeWait                 time.Duration
	SegBMax                  int // 段最大字节数 (含头部)
	SegMax                   int // 接收窗口段数
	MaxInFlight              int // 本端最大在途段数
	MaxConnections           int
	RecvPoolSize             int // 接收缓冲池元素数
	MinRTO                   time.Duration
	InitialCwnd              int
	AcceptUnreliable         bool // 是否接收不可靠数据报
}

// DefaultGlobalConfig 默认配置
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		ConnectTimeout:           DefaultConnectTimeout,
		ConnectRetries:           DefaultConnectRetries,
		InitialDataTimeout:       DefaultInitialDataTimeout,
		TotalDataRetryTimeout:    DefaultTotalDataRetryTimeout,
		MinDataRetries:           DefaultMinDataRetries,
		PersistInterval:          DefaultPersistInterval,
		TotalAppTimeout:          DefaultTotalAppTimeout,
		LinkTimeout:              DefaultLinkTimeout,
		KeepaliveRetries:         DefaultKeepaliveRetries,
		FastRetransmitAckCounter: DefaultFastRetransmitCounter,
		DelayedAckTimeout:        DefaultDelayedAckTimeout,
		DelayedAckCount:          DefaultDelayedAckCount,
		TimeWait:                 DefaultTimeWait,
		SegBMax:                  DefaultSegBMax,
		SegMax:                   DefaultSegMax,
		MaxConnections:           DefaultMaxConnections,
		RecvPoolSize:             DefaultRecvPoolSize,
		MinRTO:                   DefaultMinRTO,
		InitialCwnd:              DefaultInitialCwnd,
		MaxInFlight:              DefaultMaxInFlight,
		AcceptUnreliable:         true,
	}
}

// Validate 校验配置
func (c *GlobalConfig) Validate() error {
	durations := map[string]time.Duration{
		"connect_timeout":          c.ConnectTimeout,
		"initial_data_timeout":     c.InitialDataTimeout,
		"total_data_retry_timeout": c.TotalDataRetryTimeout,
		"persist_interval":         c.PersistInterval,
		"total_app_timeout":        c.TotalAppTimeout,
		"link_timeout":             c.LinkTimeout,
		"delayed_ack_timeout":      c.DelayedAckTimeout,
		"timewait":                 c.TimeWait,
		"min_rto":                  c.MinRTO,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s 必须大于 0", ErrInvalidConfig, name)
		}
	}

	counts := map[string]int{
		"connect_retries":             c.ConnectRetries,
		"min_data_retries":            c.MinDataRetries,
		"keepalive_retries":           c.KeepaliveRetries,
		"fast_retransmit_ack_counter": c.FastRetransmitAckCounter,
		"delayed_ack_count":           c.DelayedAckCount,
		"max_connections":             c.MaxConnections,
		"initial_cwnd":                c.InitialCwnd,
		"max_in_flight":               c.MaxInFlight,
	}
	for name, n := range counts {
		if n < 1 {
			return fmt.Errorf("%w: %s 必须至少为 1", ErrInvalidConfig, name)
		}
	}

	if c.SegBMax <= protocol.SynHeaderSize || c.SegBMax > protocol.MaxSegmentSize {
		return fmt.Errorf("%w: segbmax 需在 %d-%d 之间", ErrInvalidConfig,
			protocol.SynHeaderSize+1, protocol.MaxSegmentSize)
	}
	if c.SegMax < 1 || c.SegMax > protocol.MaxSegMax {
		return fmt.Errorf("%w: segmax 需在 1-%d 之间", ErrInvalidConfig, protocol.MaxSegMax)
	}
	if c.RecvPoolSize < c.SegMax {
		return fmt.Errorf("%w: recv_pool_size (%d) 不能小于 segmax (%d)", ErrInvalidConfig,
			c.RecvPoolSize, c.SegMax)
	}
	return nil
}

// maxRTO 单段重传间隔上限
func (c *GlobalConfig) maxRTO() time.Duration {
	d := c.TotalDataRetryTimeout / time.Duration(c.MinDataRetries)
	if d < c.InitialDataTimeout {
		d = c.InitialDataTimeout
	}
	return d
}

// probeInterval 保活探测间隔
func (c *GlobalConfig) probeInterval() time.Duration {
	return c.LinkTimeout / time.Duration(c.KeepaliveRetries)
}

// =============================================================================
// 回调接口
// =============================================================================

// Handler 上层回调，所有方法都在处理上下文中同步调用
type Handler interface {
	// OnAccept 收到新的 SYN，返回 false 拒绝 (对端收到 RST)
	OnAccept(h *Handle, addr *net.UDPAddr, id ConnID, data []byte) bool

	// OnConnect 握手完成或失败
	OnConnect(h *Handle, id ConnID, passive bool, data []byte, err error)

	// OnDisconnect 连接在 TIMEWAIT 结束后释放，reason 为 nil 表示本地正常关闭
	OnDisconnect(h *Handle, id ConnID, reason error)

	// OnReceive 完整消息到达，buf 归应用所有直到 RecvReady
	OnReceive(h *Handle, id ConnID, buf *RecvBuffer)

	// OnSend 消息发送结束，buf 所有权交还应用
	OnSend(h *Handle, id ConnID, buf []byte, err error)

	// OnSendWindow 可发送窗口关闭 (ErrBackpressure) 或重新打开 (nil)
	OnSendWindow(h *Handle, id ConnID, window int, err error)
}

type (
	AcceptFunc     func(h *Handle, addr *net.UDPAddr, id ConnID, data []byte) bool
	ConnectFunc    func(h *Handle, id ConnID, passive bool, data []byte, err error)
	DisconnectFunc func(h *Handle, id ConnID, reason error)
	RecvFunc       func(h *Handle, id ConnID, buf *RecvBuffer)
	SendFunc       func(h *Handle, id ConnID, buf []byte, err error)
	SendWindowFunc func(h *Handle, id ConnID, window int, err error)
)

type callbacks struct {
	accept     AcceptFunc
	connect    ConnectFunc
	disconnect DisconnectFunc
	recv       RecvFunc
	send       SendFunc
	sendWindow SendWindowFunc
}

// =============================================================================
// 数据结构
// =============================================================================

// RecvBuffer 已重组的接收消息
//
// Data 可能直接引用接收缓冲池的内存，调用 RecvReady 之后不得再访问。
type RecvBuffer struct {
	Data     []byte
	TTL      time.Duration
	Reliable bool

	conn     ConnID
	som      uint32
	fcnt     uint16
	elem     *rp.Element // 单段消息直接引用池元素
	released bool
}

// Datagram 入站数据报
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// PacketWriter 出站写接口，*net.UDPConn 满足该接口
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// ConnInfo 连接快照
type ConnInfo struct {
	ID         ConnID
	State      State
	Passive    bool
	RemoteAddr *net.UDPAddr
	LocalID    uint16
	ForeignID  uint16
	SendWindow int // 还可受理的段数
	InFlight   int // 已受理未确认段数，含排队段
	Queued     int // 受拥塞窗口限制尚未发出的段数
	RecvWindow int
	Cwnd       int
	SRTT       time.Duration
	RTO        time.Duration
}

// HandleStats 实例统计，Prometheus 收集器并发读取
type HandleStats struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	Retransmits     uint64
	FastRetransmits uint64
	DupAcks         uint64

	MessagesSent      uint64
	MessagesDelivered uint64
	MessagesExpired   uint64
	Backpressure      uint64

	MalformedDropped uint64
	RetiredDropped   uint64
	WindowDropped    uint64
	PoolExhausted    uint64
	ResetsSent       uint64

	ConnectsOpened   uint64
	ConnectsFailed   uint64
	AcceptsRejected  uint64
	LinkTimeouts     uint64
	ActiveConns      int64
}

func (s *HandleStats) add(p *uint64, n uint64) {
	atomic.AddUint64(p, n)
}

func (s *HandleStats) inc(p *uint64) {
	atomic.AddUint64(p, 1)
}

func atomic64Add(p *int64, d int64) {
	atomic.AddInt64(p, d)
}

// Snapshot 原子读取统计
func (s *HandleStats) Snapshot() HandleStats {
	return HandleStats{
		SegmentsSent:      atomic.LoadUint64(&s.SegmentsSent),
		SegmentsReceived:  atomic.LoadUint64(&s.SegmentsReceived),
		BytesSent:         atomic.LoadUint64(&s.BytesSent),
		BytesReceived:     atomic.LoadUint64(&s.BytesReceived),
		Retransmits:       atomic.LoadUint64(&s.Retransmits),
		FastRetransmits:   atomic.LoadUint64(&s.FastRetransmits),
		DupAcks:           atomic.LoadUint64(&s.DupAcks),
		MessagesSent:      atomic.LoadUint64(&s.MessagesSent),
		MessagesDelivered: atomic.LoadUint64(&s.MessagesDelivered),
		MessagesExpired:   atomic.LoadUint64(&s.MessagesExpired),
		Backpressure:      atomic.LoadUint64(&s.Backpressure),
		MalformedDropped:  atomic.LoadUint64(&s.MalformedDropped),
		RetiredDropped:    atomic.LoadUint64(&s.RetiredDropped),
		WindowDropped:     atomic.LoadUint64(&s.WindowDropped),
		PoolExhausted:     atomic.LoadUint64(&s.PoolExhausted),
		ResetsSent:        atomic.LoadUint64(&s.ResetsSent),
		ConnectsOpened:    atomic.LoadUint64(&s.ConnectsOpened),
		ConnectsFailed:    atomic.LoadUint64(&s.ConnectsFailed),
		AcceptsRejected:   atomic.LoadUint64(&s.AcceptsRejected),
		LinkTimeouts:      atomic.LoadUint64(&s.LinkTimeouts),
		ActiveConns:       atomic.LoadInt64(&s.ActiveConns),
	}
}
