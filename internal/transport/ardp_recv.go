// =============================================================================
// 文件: internal/transport/ardp_recv.go
// 描述: ARDP 接收引擎 - 乱序缓存、按序交付、延迟确认与缓冲释放
// =============================================================================
package transport

import (
	"time"

	"github.com/mrcgq/ardp/internal/protocol"
)

// inOpen OPEN / CLOSE_WAIT 状态下的入站段
func (h *Handle) inOpen(c *conn, hdr *protocol.Header, payload []byte) {
	c.lastSeen = h.clk.Now()

	if hdr.Has(protocol.FlagRST) {
		h.log(1, "连接 %d: 对端重置", c.id)
		h.teardown(c, ErrConnectionReset, false)
		return
	}
	if hdr.Has(protocol.FlagSYN) {
		// 对端未收到我方握手确认
		h.sendAck(c)
		return
	}

	h.processAck(c, hdr)
	if c.removed || c.state == StateTimeWait {
		return
	}

	switch {
	case hdr.Has(protocol.FlagNUL):
		h.sendAck(c)
	case hdr.Has(protocol.FlagUNR):
		if c.state == StateOpen {
			h.recvUnreliable(c, hdr, payload)
		}
	case hdr.IsData():
		if c.state == StateOpen {
			h.recvData(c, hdr, payload)
		}
	}
}

// recvData 可靠数据段
func (h *Handle) recvData(c *conn, hdr *protocol.Header, payload []byte) {
	seq := hdr.Seq
	limit := c.rcvFirst + uint32(c.localSegMax)
	if !protocol.SeqLT(c.rcvCur, seq) || !protocol.SeqLT(seq, limit) {
		if protocol.SeqGE(seq, limit) {
			h.stats.inc(&h.stats.WindowDropped)
		}
		h.sendAck(c)
		return
	}
	s := c.rslot(seq)
	if s.used {
		h.sendAck(c)
		return
	}

	data := payload
	if hdr.TTL == protocol.TTLExpired {
		data = nil
	}
	elem, view, ok := h.pool.get(data)
	if !ok {
		h.stats.inc(&h.stats.PoolExhausted)
		h.log(2, "连接 %d: 接收缓冲池耗尽，丢弃段 %d", c.id, seq)
		return
	}
	*s = recvSlot{
		used:    true,
		som:     hdr.SOM,
		fcnt:    hdr.FCnt,
		fidx:    hdr.FIdx,
		ttl:     hdr.TTL,
		arrival: h.clk.Now(),
		elem:    elem,
		data:    view,
	}
	if protocol.SeqGT(seq, c.rcvHigh) {
		c.rcvHigh = seq
	}

	if seq != c.rcvCur+1 {
		// 乱序：立即携带 EACK 确认
		h.sendAck(c)
		return
	}
	for protocol.SeqLT(c.rcvCur+1, limit) && c.rslot(c.rcvCur+1).used {
		c.rcvCur++
	}
	if protocol.SeqGT(c.rcvCur, c.rcvHigh) {
		c.rcvHigh = c.rcvCur
	}

	c.ackPending++
	h.deliver(c)
	if c.removed || c.state != StateOpen {
		return
	}
	if c.ackPending >= h.cfg.DelayedAckCount || protocol.SeqGT(c.rcvHigh, c.rcvCur) {
		h.sendAck(c)
	} else if c.ackPending > 0 && !c.ackT.active {
		c.ackT.start(h.clk.Now(), h.cfg.DelayedAckTimeout)
	}
}

// deliver 按序交付完整消息
func (h *Handle) deliver(c *conn) {
	now := h.clk.Now()
	for protocol.SeqLE(c.rcvDeliver, c.rcvCur) {
		som := c.rcvDeliver
		first := c.rslot(som)
		if first.fidx != 0 || first.som != som || first.fcnt == 0 {
			h.log(0, "连接 %d: 分片边界错误 seq=%d som=%d fidx=%d", c.id, som, first.som, first.fidx)
			h.teardown(c, ErrConnectionReset, true)
			return
		}
		fcnt := first.fcnt
		last := som + uint32(fcnt) - 1
		if protocol.SeqGT(last, c.rcvCur) {
			return
		}

		expired := false
		for i := uint16(0); i < fcnt; i++ {
			s := c.rslot(som + uint32(i))
			if s.som != som || s.fcnt != fcnt || s.fidx != i {
				h.log(0, "连接 %d: 消息 %d 分片不一致", c.id, som)
				h.teardown(c, ErrConnectionReset, true)
				return
			}
			if s.ttl == protocol.TTLExpired {
				expired = true
			}
		}
		if first.ttl != protocol.TTLInfinite && first.ttl != protocol.TTLExpired &&
			!now.Before(first.arrival.Add(time.Duration(first.ttl)*time.Millisecond)) {
			expired = true
		}
		c.rcvDeliver = last + 1

		if expired {
			h.releaseSlots(c, som, fcnt)
			h.stats.inc(&h.stats.MessagesExpired)
			if h.metrics != nil {
				h.metrics.IncMessage("in", "expired")
			}
			continue
		}

		buf := &RecvBuffer{
			TTL:      time.Duration(first.ttl) * time.Millisecond,
			Reliable: true,
			conn:     c.id,
			som:      som,
			fcnt:     fcnt,
		}
		if fcnt == 1 {
			buf.Data = first.data
			buf.elem = first.elem
			first.elem = nil
			first.data = nil
			first.delivered = true
		} else {
			size := 0
			for i := uint16(0); i < fcnt; i++ {
				size += len(c.rslot(som + uint32(i)).data)
			}
			buf.Data = make([]byte, 0, size)
			for i := uint16(0); i < fcnt; i++ {
				s := c.rslot(som + uint32(i))
				buf.Data = append(buf.Data, s.data...)
				h.pool.put(s.elem)
				s.elem = nil
				s.data = nil
				s.delivered = true
			}
		}

		h.stats.inc(&h.stats.MessagesDelivered)
		if h.metrics != nil {
			h.metrics.IncMessage("in", "ok")
		}
		if h.cb.recv == nil {
			// 没有接收者时直接释放
			h.releaseBuffer(c, buf)
			continue
		}
		h.cb.recv(h, c.id, buf)
		if c.removed || c.state != StateOpen {
			return
		}
	}
	h.advanceFirst(c)
}

// recvUnreliable 不可靠数据报直接交付
func (h *Handle) recvUnreliable(c *conn, hdr *protocol.Header, payload []byte) {
	if !h.cfg.AcceptUnreliable || hdr.TTL == protocol.TTLExpired {
		return
	}
	elem, view, ok := h.pool.get(payload)
	if !ok {
		h.stats.inc(&h.stats.PoolExhausted)
		return
	}
	buf := &RecvBuffer{
		Data: view,
		TTL:  time.Duration(hdr.TTL) * time.Millisecond,
		conn: c.id,
		elem: elem,
	}
	if h.cb.recv == nil {
		h.pool.put(elem)
		return
	}
	c.unrel[buf] = struct{}{}
	h.cb.recv(h, c.id, buf)
}

// RecvReady 应用归还 OnReceive 交付的缓冲
func (h *Handle) RecvReady(id ConnID, buf *RecvBuffer) error {
	if h.closed {
		return ErrHandleClosed
	}
	if buf == nil || buf.released || buf.conn != id {
		return ErrInvalidBuffer
	}
	c, ok := h.byID[id]
	if !ok {
		// 连接已释放，仅归还池元素
		buf.released = true
		h.pool.put(buf.elem)
		buf.elem = nil
		buf.Data = nil
		return nil
	}

	if !buf.Reliable {
		if _, ok := c.unrel[buf]; !ok {
			return ErrInvalidBuffer
		}
		delete(c.unrel, buf)
		buf.released = true
		h.pool.put(buf.elem)
		buf.elem = nil
		buf.Data = nil
		return nil
	}

	for i := uint16(0); i < buf.fcnt; i++ {
		s := c.rslot(buf.som + uint32(i))
		if !s.used || !s.delivered || s.som != buf.som {
			return ErrInvalidBuffer
		}
	}
	wasClosed := c.recvWindow() == 0
	h.releaseBuffer(c, buf)
	if wasClosed && c.recvWindow() > 0 && c.state == StateOpen {
		h.sendAck(c)
	}
	return nil
}

func (h *Handle) releaseBuffer(c *conn, buf *RecvBuffer) {
	buf.released = true
	h.pool.put(buf.elem)
	buf.elem = nil
	buf.Data = nil
	h.releaseSlots(c, buf.som, buf.fcnt)
	h.advanceFirst(c)
}

func (h *Handle) releaseSlots(c *conn, som uint32, fcnt uint16) {
	for i := uint16(0); i < fcnt; i++ {
		s := c.rslot(som + uint32(i))
		if s.elem != nil {
			h.pool.put(s.elem)
		}
		*s = recvSlot{}
	}
}

// advanceFirst 窗口左沿越过已释放的段
func (h *Handle) advanceFirst(c *conn) {
	for c.rcvFirst != c.rcvDeliver && !c.rslot(c.rcvFirst).used {
		c.rcvFirst++
	}
}
