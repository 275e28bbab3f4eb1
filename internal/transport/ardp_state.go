// =============================================================================
// 文件: internal/transport/ardp_state.go
// 描述: ARDP 连接状态机 - 握手、关闭、中止与连接级定时器
// =============================================================================
package transport

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mrcgq/ardp/internal/protocol"
)

// Connect 主动发起连接，结果通过 OnConnect 回调
func (h *Handle) Connect(w PacketWriter, addr *net.UDPAddr, data []byte) (ConnID, error) {
	if h.closed {
		return 0, ErrHandleClosed
	}
	if addr == nil || w == nil {
		return 0, ErrInvalidState
	}
	if len(data) > protocol.MaxPayload(h.cfg.SegBMax)-protocol.SynOptionsSize {
		return 0, ErrMessageTooLarge
	}
	c, err := h.newConn(w, addr, false)
	if err != nil {
		return 0, err
	}
	c.synData = append([]byte(nil), data...)
	c.state = StateSynSent
	c.sndNxt = c.iss + 1
	c.sndUna = c.iss

	now := h.clk.Now()
	h.sendSyn(c)
	h.armConnect(c, now)
	h.log(1, "连接 %d: 发起到 %s 的连接 (local=%d)", c.id, addr, c.local)
	return c.id, nil
}

// Accept 接受 OnAccept 报告的入站连接，segmax/segbmax 为 0 时使用配置值
func (h *Handle) Accept(id ConnID, segmax, segbmax int, data []byte) error {
	if h.closed {
		return ErrHandleClosed
	}
	c, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !c.pending {
		return ErrInvalidState
	}
	if segmax <= 0 {
		segmax = h.cfg.SegMax
	}
	if segbmax <= 0 {
		segbmax = h.cfg.SegBMax
	}
	if segmax > protocol.MaxSegMax || segbmax <= protocol.SynHeaderSize || segbmax > h.cfg.SegBMax {
		return ErrInvalidState
	}
	if len(data) > protocol.MaxPayload(segbmax)-protocol.SynOptionsSize {
		return ErrMessageTooLarge
	}

	c.pending = false
	c.localSegMax = segmax
	c.localSegBMax = segbmax
	c.rbuf = make([]recvSlot, segmax)
	c.synData = append([]byte(nil), data...)
	c.state = StateSynRcvd
	c.closeT.stop()

	now := h.clk.Now()
	h.sendSyn(c)
	h.armConnect(c, now)
	h.log(1, "连接 %d: 接受来自 %s 的连接", c.id, c.addr)
	return nil
}

// Disconnect 正常关闭：等待在途数据确认后发送 RST 并进入 TIMEWAIT
func (h *Handle) Disconnect(id ConnID) error {
	if h.closed {
		return ErrHandleClosed
	}
	c, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	switch c.state {
	case StateOpen:
		c.state = StateCloseWait
		c.persistT.stop()
		h.log(1, "连接 %d: 关闭中，在途 %d 段", c.id, c.inFlight())
		h.maybeFinishClose(c)
		return nil
	case StateCloseWait, StateTimeWait:
		return ErrInvalidState
	default:
		h.failConnect(c, ErrConnectionAborted, true)
		return nil
	}
}

// Abort 立即中止连接，未确认消息以 ErrConnectionAborted 返还
func (h *Handle) Abort(id ConnID) error {
	if h.closed {
		return ErrHandleClosed
	}
	c, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	switch c.state {
	case StateOpen, StateCloseWait:
		h.teardown(c, ErrConnectionAborted, true)
	case StateTimeWait:
		return ErrInvalidState
	default:
		h.failConnect(c, ErrConnectionAborted, true)
	}
	return nil
}

// =============================================================================
// 握手
// =============================================================================

func (h *Handle) sendSyn(c *conn) {
	hdr := &protocol.Header{
		Flags:   protocol.FlagSYN,
		Src:     c.local,
		Dst:     c.foreign,
		Seq:     c.iss,
		Window:  uint16(c.localSegMax),
		SegMax:  uint16(c.localSegMax),
		SegBMax: uint16(c.localSegBMax),
	}
	if h.cfg.AcceptUnreliable {
		hdr.Options |= protocol.OptUnreliable
	}
	if c.state == StateSynRcvd {
		hdr.Flags |= protocol.FlagACK
		hdr.Ack = c.irs
	}
	h.writeSegment(c.w, c.addr, hdr, c.synData)
}

func (h *Handle) armConnect(c *conn, now time.Time) {
	c.connectBO = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(h.cfg.ConnectTimeout), uint64(h.cfg.ConnectRetries))
	c.connectT.retry = 0
	c.connectT.start(now, c.connectBO.NextBackOff())
}

func (h *Handle) onConnectTimer(c *conn, now time.Time) {
	if !c.connectT.due(now) {
		return
	}
	next := c.connectBO.NextBackOff()
	if next == backoff.Stop {
		h.log(1, "连接 %d: 握手超时 (%d 次)", c.id, c.connectT.retry+1)
		h.failConnect(c, ErrConnectTimeout, false)
		return
	}
	c.connectT.retry++
	h.sendSyn(c)
	c.connectT.start(now, next)
}

// handleSyn 处理入站 SYN
func (h *Handle) handleSyn(w PacketWriter, from *net.UDPAddr, hdr *protocol.Header, data []byte) {
	key := synKey{addr: from.String(), foreign: hdr.Src}
	if c, ok := h.bySyn[key]; ok {
		// 重复 SYN：我方 SYN|ACK 丢失
		if c.state == StateSynRcvd {
			h.sendSyn(c)
		}
		return
	}

	reject := func(why string) {
		h.stats.inc(&h.stats.AcceptsRejected)
		h.log(2, "拒绝来自 %s 的 SYN: %s", from, why)
		h.writeSegment(w, from, &protocol.Header{
			Flags: protocol.FlagRST | protocol.FlagACK,
			Src:   hdr.Dst,
			Dst:   hdr.Src,
			Ack:   hdr.Seq,
		}, nil)
		h.stats.inc(&h.stats.ResetsSent)
		if h.metrics != nil {
			h.metrics.IncConnect("passive", "rejected")
		}
	}

	switch {
	case !h.passive:
		reject("未监听")
		return
	case hdr.SegMax == 0 || int(hdr.SegMax) > protocol.MaxSegMax:
		reject("segmax 无效")
		return
	case int(hdr.SegBMax) <= protocol.SynHeaderSize:
		reject("segbmax 无效")
		return
	}

	c, err := h.newConn(w, from, true)
	if err != nil {
		reject(err.Error())
		return
	}
	c.pending = true
	c.foreign = hdr.Src
	c.initRecv(hdr.Seq)
	c.initSend(&h.cfg, hdr.SegMax, hdr.SegBMax, hdr.Window, hdr.Options)
	c.lastSeen = h.clk.Now()
	h.bySyn[key] = c
	// Accept 超时后自动释放
	c.closeT.start(c.lastSeen, h.cfg.ConnectTimeout*time.Duration(h.cfg.ConnectRetries))

	synData := append([]byte(nil), data...)
	ok := h.cb.accept != nil && h.cb.accept(h, from, c.id, synData)
	if c.removed {
		return
	}
	if !ok {
		h.remove(c)
		reject("应用拒绝")
		return
	}
}

func (h *Handle) inSynSent(c *conn, hdr *protocol.Header, payload []byte) {
	if hdr.Has(protocol.FlagRST) {
		h.failConnect(c, ErrConnectionRefused, false)
		return
	}
	if !hdr.Has(protocol.FlagSYN) || !hdr.Has(protocol.FlagACK) || hdr.Ack != c.iss {
		return
	}
	if hdr.SegMax == 0 || int(hdr.SegMax) > protocol.MaxSegMax || int(hdr.SegBMax) <= protocol.SynHeaderSize {
		h.failConnect(c, ErrConnectionRefused, true)
		return
	}

	c.foreign = hdr.Src
	c.initRecv(hdr.Seq)
	c.initSend(&h.cfg, hdr.SegMax, hdr.SegBMax, hdr.Window, hdr.Options)
	h.open(c)
	h.sendAck(c)

	data := append([]byte(nil), payload...)
	h.log(1, "连接 %d: 已建立 (foreign=%d, segmax=%d)", c.id, c.foreign, c.peerSegMax)
	h.notifyConnect(c, data, nil)
}

func (h *Handle) inSynRcvd(c *conn, hdr *protocol.Header, payload []byte) {
	if hdr.Has(protocol.FlagRST) {
		h.failConnect(c, ErrConnectionRefused, false)
		return
	}
	if hdr.Has(protocol.FlagSYN) || !hdr.Has(protocol.FlagACK) || hdr.Ack != c.iss {
		return
	}
	h.open(c)
	h.log(1, "连接 %d: 被动连接已建立", c.id)
	h.notifyConnect(c, nil, nil)
	if c.removed || c.state != StateOpen {
		return
	}
	h.inOpen(c, hdr, payload)
}

func (h *Handle) open(c *conn) {
	now := h.clk.Now()
	c.state = StateOpen
	c.synData = nil
	c.connectT.stop()
	c.lastSeen = now
	c.keepT.start(now, h.cfg.probeInterval())
}

// failConnect 握手未完成的连接失败，回调 OnConnect 后立即释放
func (h *Handle) failConnect(c *conn, reason error, rst bool) {
	if rst {
		h.sendRST(c)
	}
	h.remove(c)
	h.log(1, "连接 %d: 建立失败: %v", c.id, reason)
	h.notifyConnect(c, nil, reason)
}

// =============================================================================
// 关闭
// =============================================================================

// maybeFinishClose CLOSE_WAIT 下所有数据确认后发送 RST
func (h *Handle) maybeFinishClose(c *conn) {
	if c.state != StateCloseWait || c.inFlight() > 0 {
		return
	}
	h.sendRST(c)
	h.enterTimeWait(c, nil)
}

// teardown 异常关闭
func (h *Handle) teardown(c *conn, reason error, rst bool) {
	if c.state == StateTimeWait || c.removed {
		return
	}
	if rst {
		h.sendRST(c)
	}
	h.log(1, "连接 %d: 断开: %v", c.id, reason)
	h.enterTimeWait(c, reason)
}

// enterTimeWait 停止全部定时器，返还未完成消息，等待 TimeWait 后释放
func (h *Handle) enterTimeWait(c *conn, reason error) {
	c.state = StateTimeWait
	c.reason = reason
	for _, t := range []*timer{&c.connectT, &c.ackT, &c.persistT, &c.keepT} {
		t.stop()
	}
	c.closeT.start(h.clk.Now(), h.cfg.TimeWait)

	aborted := reason
	if aborted == nil {
		aborted = ErrConnectionAborted
	}
	var pending []*outMessage
	for seq := c.sndUna; seq != c.sndNxt; seq++ {
		s := c.sslot(seq)
		if s.inUse && s.msg != nil && !s.msg.done {
			s.msg.done = true
			pending = append(pending, s.msg)
		}
		*s = sendSlot{}
	}
	c.sndUna = c.sndNxt
	c.sndXmit = c.sndNxt
	for _, m := range pending {
		h.notifySend(c, m.buf, aborted)
	}
}

func (h *Handle) onCloseTimer(c *conn, now time.Time) {
	if !c.closeT.due(now) {
		return
	}
	c.closeT.stop()
	if c.pending {
		h.log(2, "连接 %d: 等待 Accept 超时", c.id)
		h.failConnect(c, ErrConnectTimeout, true)
		return
	}
	if c.state != StateTimeWait {
		return
	}
	h.release(c)
}

// release 释放 TIMEWAIT 连接并回调 OnDisconnect
func (h *Handle) release(c *conn) {
	if c.removed {
		return
	}
	reason := c.reason
	h.remove(c)
	if h.metrics != nil {
		label := reasonLabel(reason)
		if reason == nil {
			label = "local"
		}
		h.metrics.IncDisconnect(label)
	}
	h.log(1, "连接 %d: 已释放", c.id)
	if h.cb.disconnect != nil {
		h.cb.disconnect(h, c.id, reason)
	}
}

// onKeepaliveTimer 链路静默时发送 NUL，超过 LinkTimeout 断开
func (h *Handle) onKeepaliveTimer(c *conn, now time.Time) {
	if !c.keepT.due(now) {
		return
	}
	idle := now.Sub(c.lastSeen)
	if idle >= h.cfg.LinkTimeout {
		h.stats.inc(&h.stats.LinkTimeouts)
		h.teardown(c, ErrLinkTimeout, true)
		return
	}
	interval := h.cfg.probeInterval()
	if idle >= interval {
		h.sendNUL(c)
	}
	next := interval
	if rest := h.cfg.LinkTimeout - idle; rest < next {
		next = rest
	}
	c.keepT.start(now, next)
}
