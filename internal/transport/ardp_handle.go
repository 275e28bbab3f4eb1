// =============================================================================
// 文件: internal/transport/ardp_handle.go
// 描述: ARDP 协议实例 - 连接表、报文分发与定时器驱动
// =============================================================================
package transport

import (
	"errors"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mrcgq/ardp/internal/logging"
	"github.com/mrcgq/ardp/internal/protocol"
)

// MetricsSink 协议事件的指标出口
type MetricsSink interface {
	ObserveRTT(d time.Duration)
	IncRetransmit(kind string)
	IncConnect(role, result string)
	IncDisconnect(reason string)
	IncMessage(direction, result string)
}

type synKey struct {
	addr    string
	foreign uint16
}

// Handle 一个 ARDP 协议实例
//
// Handle 不是并发安全的：所有方法 (包括回调中的重入调用) 必须在同一个
// 处理上下文中执行。Endpoint 负责把网络和应用调用串行化到该上下文。
type Handle struct {
	cfg     GlobalConfig
	cb      callbacks
	clk     clock.Clock
	logger  *zap.SugaredLogger
	metrics MetricsSink
	pool    *recvPool
	retired *retiredSet
	passive bool
	closed  bool

	byID    map[ConnID]*conn
	byLocal map[uint16]*conn
	bySyn   map[synKey]*conn
	nextID  ConnID
	rng     *rand.Rand
	iss     func() uint32

	txBuf []byte
	stats HandleStats
}

// AllocateHandle 创建协议实例
func AllocateHandle(cfg *GlobalConfig) (*Handle, error) {
	if cfg == nil {
		cfg = DefaultGlobalConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := clock.New()
	h := &Handle{
		cfg:     *cfg,
		clk:     clk,
		logger:  zap.NewNop().Sugar(),
		pool:    newRecvPool(cfg.RecvPoolSize, cfg.SegBMax),
		retired: newRetiredSet(cfg.LinkTimeout+cfg.TimeWait, clk.Now()),
		byID:    make(map[ConnID]*conn),
		byLocal: make(map[uint16]*conn),
		bySyn:   make(map[synKey]*conn),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		txBuf:   make([]byte, 0, cfg.SegBMax+protocol.MaxHeaderSize),
	}
	h.iss = h.rng.Uint32
	return h, nil
}

// SetClock 替换时钟 (测试使用 clock.NewMock)
func (h *Handle) SetClock(clk clock.Clock) {
	h.clk = clk
	h.retired = newRetiredSet(h.cfg.LinkTimeout+h.cfg.TimeWait, clk.Now())
}

// SetLogger 设置日志
func (h *Handle) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	h.logger = l.Named("ardp").Sugar()
}

// SetMetrics 设置指标出口
func (h *Handle) SetMetrics(m MetricsSink) {
	h.metrics = m
}

// SetHandler 一次性设置全部回调
func (h *Handle) SetHandler(hd Handler) {
	h.cb = callbacks{
		accept:     hd.OnAccept,
		connect:    hd.OnConnect,
		disconnect: hd.OnDisconnect,
		recv:       hd.OnReceive,
		send:       hd.OnSend,
		sendWindow: hd.OnSendWindow,
	}
}

func (h *Handle) SetAcceptCallback(fn AcceptFunc)         { h.cb.accept = fn }
func (h *Handle) SetConnectCallback(fn ConnectFunc)       { h.cb.connect = fn }
func (h *Handle) SetDisconnectCallback(fn DisconnectFunc) { h.cb.disconnect = fn }
func (h *Handle) SetRecvCallback(fn RecvFunc)             { h.cb.recv = fn }
func (h *Handle) SetSendCallback(fn SendFunc)             { h.cb.send = fn }
func (h *Handle) SetSendWindowCallback(fn SendWindowFunc) { h.cb.sendWindow = fn }

// StartPassive 开始接受入站连接
func (h *Handle) StartPassive() error {
	if h.closed {
		return ErrHandleClosed
	}
	h.passive = true
	return nil
}

// StopPassive 停止接受新连接，已有连接不受影响
func (h *Handle) StopPassive() {
	h.passive = false
}

// Config 返回生效配置的副本
func (h *Handle) Config() GlobalConfig {
	return h.cfg
}

// Stats 统计计数器，可被其他 goroutine 原子读取
func (h *Handle) Stats() *HandleStats {
	return &h.stats
}

// ConnInfo 连接快照
func (h *Handle) ConnInfo(id ConnID) (ConnInfo, error) {
	c, ok := h.byID[id]
	if !ok {
		return ConnInfo{}, ErrNotFound
	}
	return c.info(), nil
}

// Connections 当前全部连接 ID，按升序
func (h *Handle) Connections() []ConnID {
	ids := make([]ConnID, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetStats 获取统计
func (h *Handle) GetStats() map[string]interface{} {
	s := h.stats.Snapshot()
	return map[string]interface{}{
		"connections":        len(h.byID),
		"passive":            h.passive,
		"segments_sent":      s.SegmentsSent,
		"segments_received":  s.SegmentsReceived,
		"bytes_sent":         s.BytesSent,
		"bytes_received":     s.BytesReceived,
		"retransmits":        s.Retransmits,
		"fast_retransmits":   s.FastRetransmits,
		"messages_sent":      s.MessagesSent,
		"messages_delivered": s.MessagesDelivered,
		"messages_expired":   s.MessagesExpired,
		"malformed_dropped":  s.MalformedDropped,
		"pool_exhausted":     s.PoolExhausted,
		"pool_in_use":        h.pool.inUse(),
	}
}

// FreeHandle 释放实例，全部连接以 ErrConnectionAborted 中止 (对端收到 RST)
//
// 返回前每条连接都已回调：握手中的连接收到 OnConnect，已建立的连接先以
// OnSend 返还未确认消息再收到 OnDisconnect。回调内再调用实例得到
// ErrHandleClosed。
func (h *Handle) FreeHandle() {
	if h.closed {
		return
	}
	h.closed = true
	h.passive = false
	for _, id := range h.Connections() {
		c, ok := h.byID[id]
		if !ok {
			continue
		}
		switch c.state {
		case StateOpen, StateCloseWait:
			h.teardown(c, ErrConnectionAborted, true)
			h.release(c)
		case StateTimeWait:
			h.release(c)
		default:
			h.failConnect(c, ErrConnectionAborted, true)
		}
	}
}

// =============================================================================
// 报文分发
// =============================================================================

// Run 处理一批入站数据报并运行到期定时器，返回距下次定时器的等待时间
func (h *Handle) Run(w PacketWriter, in []Datagram) time.Duration {
	for _, d := range in {
		h.Receive(w, d.Addr, d.Data)
	}
	return h.CheckTimers()
}

// Receive 处理单个入站数据报，w 用于回复以及新建被动连接
func (h *Handle) Receive(w PacketWriter, from *net.UDPAddr, b []byte) {
	if h.closed {
		return
	}
	hdr, payload, err := protocol.Decode(b)
	if err != nil {
		h.stats.inc(&h.stats.MalformedDropped)
		h.log(2, "丢弃无效段 %s: %v", from, err)
		return
	}
	h.stats.inc(&h.stats.SegmentsReceived)
	h.stats.add(&h.stats.BytesReceived, uint64(len(b)))

	if hdr.Has(protocol.FlagSYN) && !hdr.Has(protocol.FlagACK) {
		h.handleSyn(w, from, hdr, payload)
		return
	}

	c := h.lookup(from, hdr)
	if c == nil {
		h.handleUnknown(w, from, hdr)
		return
	}
	h.dispatch(c, hdr, payload)
}

func (h *Handle) lookup(from *net.UDPAddr, hdr *protocol.Header) *conn {
	c, ok := h.byLocal[hdr.Dst]
	if !ok || !sameAddr(c.addr, from) {
		return nil
	}
	// SYN_SENT 时对端 ID 尚未确定
	if c.state == StateSynSent {
		return c
	}
	if c.foreign != hdr.Src {
		return nil
	}
	return c
}

func (h *Handle) handleUnknown(w PacketWriter, from *net.UDPAddr, hdr *protocol.Header) {
	if hdr.Has(protocol.FlagRST) {
		return
	}
	if h.retired.containsConn(h.clk.Now(), from, hdr.Dst, hdr.Src) {
		h.stats.inc(&h.stats.RetiredDropped)
		return
	}
	h.log(2, "未知连接 %s %d->%d，回复 RST", from, hdr.Src, hdr.Dst)
	h.writeSegment(w, from, &protocol.Header{
		Flags: protocol.FlagRST | protocol.FlagACK,
		Src:   hdr.Dst,
		Dst:   hdr.Src,
		Seq:   hdr.Ack + 1,
		Ack:   hdr.Seq,
	}, nil)
	h.stats.inc(&h.stats.ResetsSent)
}

func (h *Handle) dispatch(c *conn, hdr *protocol.Header, payload []byte) {
	switch c.state {
	case StateSynSent:
		h.inSynSent(c, hdr, payload)
	case StateSynRcvd:
		h.inSynRcvd(c, hdr, payload)
	case StateOpen, StateCloseWait:
		h.inOpen(c, hdr, payload)
	default:
		// CLOSED (等待 Accept) 与 TIMEWAIT 不处理入站段
	}
}

// =============================================================================
// 定时器
// =============================================================================

// CheckTimers 运行全部到期定时器，返回距下次到期的时间
func (h *Handle) CheckTimers() time.Duration {
	wait := maxIdleWait
	if h.closed {
		return wait
	}
	now := h.clk.Now()
	for _, id := range h.Connections() {
		c, ok := h.byID[id]
		if !ok {
			continue
		}
		h.runTimers(c, now)
		if c.removed {
			continue
		}
		wait = h.nextWait(c, now, wait)
	}
	return wait
}

func (h *Handle) runTimers(c *conn, now time.Time) {
	steps := []func(*conn, time.Time){
		h.onCloseTimer,
		h.onConnectTimer,
		h.onRetransmitTimer,
		h.onAckTimer,
		h.onPersistTimer,
		h.onKeepaliveTimer,
	}
	for _, step := range steps {
		if c.removed {
			return
		}
		step(c, now)
	}
}

func (h *Handle) nextWait(c *conn, now time.Time, wait time.Duration) time.Duration {
	for _, t := range []*timer{&c.closeT, &c.connectT, &c.ackT, &c.persistT, &c.keepT} {
		wait = t.nearest(now, wait)
	}
	if c.state == StateOpen || c.state == StateCloseWait {
		for seq := c.sndUna; seq != c.sndXmit; seq++ {
			s := c.sslot(seq)
			if !s.inUse || s.eacked {
				continue
			}
			d := s.deadline.Sub(now)
			if d < 0 {
				d = 0
			}
			if d < wait {
				wait = d
			}
		}
	}
	return wait
}

// =============================================================================
// 连接表
// =============================================================================

func (h *Handle) newConn(w PacketWriter, addr *net.UDPAddr, passive bool) (*conn, error) {
	if len(h.byID) >= h.cfg.MaxConnections {
		return nil, ErrResourceExhausted
	}
	local, ok := h.allocLocalID()
	if !ok {
		return nil, ErrResourceExhausted
	}
	for {
		h.nextID++
		if _, used := h.byID[h.nextID]; h.nextID != 0 && !used {
			break
		}
	}

	c := &conn{
		id:           h.nextID,
		passive:      passive,
		addr:         addr,
		w:            w,
		local:        local,
		iss:          h.iss(),
		localSegMax:  h.cfg.SegMax,
		localSegBMax: h.cfg.SegBMax,
		unrel:        make(map[*RecvBuffer]struct{}),
	}
	h.byID[c.id] = c
	h.byLocal[local] = c
	atomic64Add(&h.stats.ActiveConns, 1)
	return c, nil
}

func (h *Handle) allocLocalID() (uint16, bool) {
	now := h.clk.Now()
	for i := 0; i < 64; i++ {
		id := uint16(h.rng.Intn(0xFFFF) + 1)
		if _, used := h.byLocal[id]; used {
			continue
		}
		if h.retired.containsLocal(now, id) {
			continue
		}
		return id, true
	}
	// 随机尝试失败后顺序查找，忽略冷却期
	for id := 1; id <= 0xFFFF; id++ {
		if _, used := h.byLocal[uint16(id)]; !used {
			return uint16(id), true
		}
	}
	return 0, false
}

// remove 释放连接记录及其未交付的接收缓冲
func (h *Handle) remove(c *conn) {
	if c.removed {
		return
	}
	c.removed = true
	c.state = StateClosed
	delete(h.byID, c.id)
	if h.byLocal[c.local] == c {
		delete(h.byLocal, c.local)
	}
	key := synKey{addr: c.addr.String(), foreign: c.foreign}
	if h.bySyn[key] == c {
		delete(h.bySyn, key)
	}

	for i := range c.rbuf {
		s := &c.rbuf[i]
		if s.elem != nil {
			h.pool.put(s.elem)
		}
		*s = recvSlot{}
	}
	for i := range c.sndSlots {
		c.sndSlots[i] = sendSlot{}
	}
	h.retired.add(h.clk.Now(), c.addr, c.local, c.foreign)
	atomic64Add(&h.stats.ActiveConns, -1)
}

// =============================================================================
// 发送原语
// =============================================================================

func (h *Handle) writeSegment(w PacketWriter, addr *net.UDPAddr, hdr *protocol.Header, payload []byte) {
	b, err := protocol.AppendEncode(h.txBuf[:0], hdr, payload)
	if err != nil {
		h.log(0, "编码失败 %s: %v", hdr, err)
		return
	}
	h.txBuf = b
	if _, err := w.WriteTo(b, addr); err != nil {
		h.log(2, "发送到 %s 失败: %v", addr, err)
		return
	}
	h.stats.inc(&h.stats.SegmentsSent)
	h.stats.add(&h.stats.BytesSent, uint64(len(b)))
}

// ackHeader 携带当前确认信息的头部
func (h *Handle) ackHeader(c *conn, flags uint8) *protocol.Header {
	return &protocol.Header{
		Flags:  flags | protocol.FlagACK,
		Src:    c.local,
		Dst:    c.foreign,
		Seq:    c.sndNxt,
		Ack:    c.rcvCur,
		Window: c.recvWindow(),
	}
}

func (h *Handle) sendAck(c *conn) {
	hdr := h.ackHeader(c, 0)
	if bits := c.eackBits(); bits != nil {
		hdr.Flags |= protocol.FlagEACK
		hdr.EACK = bits
	}
	h.writeSegment(c.w, c.addr, hdr, nil)
	c.ackPending = 0
	c.ackT.stop()
}

func (h *Handle) sendNUL(c *conn) {
	h.writeSegment(c.w, c.addr, h.ackHeader(c, protocol.FlagNUL), nil)
}

func (h *Handle) sendRST(c *conn) {
	hdr := h.ackHeader(c, protocol.FlagRST)
	if c.state == StateSynSent {
		hdr.Flags = protocol.FlagRST
		hdr.Ack = 0
	}
	h.writeSegment(c.w, c.addr, hdr, nil)
	h.stats.inc(&h.stats.ResetsSent)
}

// =============================================================================
// 回调与日志
// =============================================================================

func (h *Handle) notifyConnect(c *conn, data []byte, err error) {
	role := "active"
	if c.passive {
		role = "passive"
	}
	if h.metrics != nil {
		h.metrics.IncConnect(role, reasonLabel(err))
	}
	if err != nil {
		h.stats.inc(&h.stats.ConnectsFailed)
	} else {
		h.stats.inc(&h.stats.ConnectsOpened)
	}
	if h.cb.connect != nil {
		h.cb.connect(h, c.id, c.passive, data, err)
	}
}

func (h *Handle) notifySend(c *conn, buf []byte, err error) {
	if h.metrics != nil {
		h.metrics.IncMessage("out", reasonLabel(err))
	}
	if h.cb.send != nil {
		h.cb.send(h, c.id, buf, err)
	}
}

func (h *Handle) notifySendWindow(c *conn, window int, err error) {
	if h.cb.sendWindow != nil {
		h.cb.sendWindow(h, c.id, window, err)
	}
}

// reasonLabel 错误到指标标签
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectionRefused):
		return "refused"
	case errors.Is(err, ErrConnectionReset):
		return "reset"
	case errors.Is(err, ErrRetryTimeout):
		return "retry_timeout"
	case errors.Is(err, ErrLinkTimeout):
		return "link_timeout"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrPersistTimeout):
		return "persist_timeout"
	case errors.Is(err, ErrMessageExpired):
		return "expired"
	case errors.Is(err, ErrConnectionAborted):
		return "aborted"
	default:
		return "error"
	}
}

func (h *Handle) log(level int, format string, args ...interface{}) {
	logging.Emit(h.logger, level, format, args...)
}
