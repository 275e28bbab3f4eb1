// =============================================================================
// 文件: internal/transport/ardp_conn.go
// 描述: ARDP 连接记录 - 发送/接收窗口与段槽位
// =============================================================================
package transport

import (
	"net"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/cenkalti/backoff/v4"

	"github.com/mrcgq/ardp/internal/congestion"
	"github.com/mrcgq/ardp/internal/protocol"
)

// outMessage 一条已提交的可靠消息
type outMessage struct {
	buf     []byte
	som     uint32
	fcnt    uint16
	ttl     time.Duration
	expires time.Time // 零值表示永不过期
	acked   int
	done    bool // OnSend 已回调
	expired bool
}

// sendSlot 在途段
type sendSlot struct {
	seq       uint32
	msg       *outMessage
	fidx      uint16
	payload   []byte
	firstSent time.Time
	lastSent  time.Time
	deadline  time.Time
	rto       time.Duration
	retries   int
	eacked    bool
	fastRetx  bool
	inUse     bool
}

// recvSlot 接收窗口中的段
type recvSlot struct {
	used      bool
	delivered bool
	som       uint32
	fcnt      uint16
	fidx      uint16
	ttl       uint32
	arrival   time.Time
	elem      *rp.Element
	data      []byte
}

type conn struct {
	id      ConnID
	state   State
	passive bool
	pending bool // 等待 Accept
	removed bool
	addr    *net.UDPAddr
	w       PacketWriter

	local   uint16
	foreign uint16
	reason  error

	// 对端参数
	peerSegMax      int
	peerSegBMax     int
	peerUnreliable  bool
	localSegMax     int
	localSegBMax    int
	synData         []byte

	// 发送
	iss         uint32
	sndNxt      uint32 // 下一个受理的序列号
	sndXmit     uint32 // 下一个首次发出的序列号
	sndUna      uint32
	sndEdge     uint32 // 对端允许的最高序列号
	peerWindow  uint16
	maxInFlight int
	sndSlots    []sendSlot
	sndBlocked  bool
	dupAcks     int
	recovering  bool
	recoverSeq  uint32
	rtt         *congestion.RTTEstimator
	cwnd        *congestion.AIMDWindow

	// 接收
	irs        uint32
	rcvCur     uint32 // 最高连续到达序列号
	rcvFirst   uint32 // 最早未被应用释放的序列号
	rcvDeliver uint32 // 下一条待交付消息的起始序列号
	rcvHigh    uint32 // 已到达的最高序列号
	rbuf       []recvSlot
	ackPending int
	unrel      map[*RecvBuffer]struct{}

	// 定时器
	connectT    timer
	connectBO   backoff.BackOff
	ackT        timer
	persistT    timer
	persistBO   *backoff.ExponentialBackOff
	persistFrom time.Time
	keepT       timer
	closeT      timer
	lastSeen    time.Time
}

// initRecv 根据对端 ISS 初始化接收侧
func (c *conn) initRecv(irs uint32) {
	c.irs = irs
	c.rcvCur = irs
	c.rcvHigh = irs
	c.rcvFirst = irs + 1
	c.rcvDeliver = irs + 1
	c.rbuf = make([]recvSlot, c.localSegMax)
}

// initSend 根据对端 SYN 参数初始化发送侧
func (c *conn) initSend(cfg *GlobalConfig, segmax, segbmax, window uint16, options uint16) {
	c.peerSegMax = int(segmax)
	c.peerSegBMax = int(segbmax)
	c.peerUnreliable = options&protocol.OptUnreliable != 0
	c.sndNxt = c.iss + 1
	c.sndXmit = c.iss + 1
	c.sndUna = c.iss + 1
	c.sndEdge = c.iss + uint32(window)
	c.peerWindow = window
	c.maxInFlight = cfg.MaxInFlight
	if c.peerSegMax < c.maxInFlight {
		c.maxInFlight = c.peerSegMax
	}
	c.sndSlots = make([]sendSlot, c.maxInFlight)
	c.rtt = congestion.NewRTTEstimator(cfg.InitialDataTimeout, cfg.MinRTO, cfg.maxRTO())
	c.cwnd = congestion.NewAIMDWindow(cfg.InitialCwnd, 1, c.maxInFlight)
}

func (c *conn) sslot(seq uint32) *sendSlot {
	return &c.sndSlots[int((seq-c.iss)%uint32(len(c.sndSlots)))]
}

func (c *conn) rslot(seq uint32) *recvSlot {
	return &c.rbuf[int((seq-c.irs)%uint32(len(c.rbuf)))]
}

// inFlight 已受理未确认段数，含尚未发出的排队段
func (c *conn) inFlight() int {
	return int(c.sndNxt - c.sndUna)
}

// outstanding 已发出未确认段数，受拥塞窗口约束
func (c *conn) outstanding() int {
	return int(c.sndXmit - c.sndUna)
}

// sendWindow 当前可受理段数，取本端在途上限与对端窗口的较小者
func (c *conn) sendWindow() int {
	if c.sndSlots == nil {
		return 0
	}
	avail := c.maxInFlight - c.inFlight()
	if edge := int(int32(c.sndEdge - c.sndNxt + 1)); edge < avail {
		avail = edge
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}

// peerClosed 对端通告零窗口
func (c *conn) peerClosed() bool {
	return int32(c.sndEdge-c.sndNxt+1) <= 0
}

// recvWindow 本地通告窗口
func (c *conn) recvWindow() uint16 {
	if c.rbuf == nil {
		return uint16(c.localSegMax)
	}
	w := int32(c.rcvFirst + uint32(c.localSegMax) - 1 - c.rcvCur)
	if w < 0 {
		w = 0
	}
	return uint16(w)
}

// maxPayload 单段最大负载
func (c *conn) maxPayload() int {
	b := c.localSegBMax
	if c.peerSegBMax > 0 && c.peerSegBMax < b {
		b = c.peerSegBMax
	}
	return protocol.MaxPayload(b)
}

// eackBits 构造选择性确认位图
func (c *conn) eackBits() []uint32 {
	if !protocol.SeqGT(c.rcvHigh, c.rcvCur+1) {
		return nil
	}
	n := int(c.rcvHigh - c.rcvCur - 1)
	words := protocol.EACKWords(n)
	if words > protocol.MaxEACKWords {
		words = protocol.MaxEACKWords
		n = words * 32
	}
	bits := make([]uint32, words)
	set := false
	for i := 0; i < n; i++ {
		seq := c.rcvCur + 2 + uint32(i)
		if c.rslot(seq).used {
			set = protocol.EACKSet(bits, c.rcvCur, seq) || set
		}
	}
	if !set {
		return nil
	}
	return bits
}

func (c *conn) info() ConnInfo {
	ci := ConnInfo{
		ID:         c.id,
		State:      c.state,
		Passive:    c.passive,
		RemoteAddr: c.addr,
		LocalID:    c.local,
		ForeignID:  c.foreign,
		SendWindow: c.sendWindow(),
		InFlight:   c.inFlight(),
		Queued:     int(c.sndNxt - c.sndXmit),
		RecvWindow: int(c.recvWindow()),
	}
	if c.cwnd != nil {
		ci.Cwnd = c.cwnd.Window()
	}
	if c.rtt != nil {
		ci.SRTT = c.rtt.GetSmoothedRTT()
		ci.RTO = c.rtt.GetRTO()
	}
	return ci
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
