// =============================================================================
// 文件: internal/transport/ardp_send.go
// 描述: ARDP 发送引擎 - 分片、确认处理、超时/快速重传与零窗口探测
// =============================================================================
package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mrcgq/ardp/internal/protocol"
)

// Send 发送可靠消息
//
// 成功时 buf 的所有权转移给协议栈，直到 OnSend 回调交还。ttl 为 0 表示
// 永不过期。整条消息按本端在途上限与对端窗口受理，分片在拥塞窗口
// 允许时才发出。
func (h *Handle) Send(id ConnID, buf []byte, ttl time.Duration) error {
	if h.closed {
		return ErrHandleClosed
	}
	c, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.state != StateOpen {
		return ErrInvalidState
	}

	maxPay := c.maxPayload()
	fcnt := protocol.FragmentCount(len(buf), maxPay)
	if fcnt > c.maxInFlight || fcnt > protocol.MaxFragments {
		return ErrMessageTooLarge
	}

	avail := c.sendWindow()
	if fcnt > avail {
		h.stats.inc(&h.stats.Backpressure)
		if !c.sndBlocked {
			c.sndBlocked = true
			h.notifySendWindow(c, avail, ErrBackpressure)
		}
		return ErrBackpressure
	}

	now := h.clk.Now()
	msg := &outMessage{
		buf:  buf,
		som:  c.sndNxt,
		fcnt: uint16(fcnt),
		ttl:  ttl,
	}
	if ttl > 0 {
		msg.expires = now.Add(ttl)
	}
	for i := 0; i < fcnt; i++ {
		start, end := protocol.FragmentBounds(len(buf), maxPay, i)
		seq := c.sndNxt
		*c.sslot(seq) = sendSlot{
			seq:     seq,
			msg:     msg,
			fidx:    uint16(i),
			payload: buf[start:end],
			inUse:   true,
		}
		c.sndNxt++
	}
	h.stats.inc(&h.stats.MessagesSent)
	c.persistT.stop()

	h.pump(c, now)
	if c.removed || c.state != StateOpen {
		return nil
	}

	if !c.sndBlocked && c.sendWindow() == 0 {
		c.sndBlocked = true
		h.notifySendWindow(c, 0, ErrBackpressure)
	}
	return nil
}

// pump 在拥塞窗口允许的范围内首次发出排队段
func (h *Handle) pump(c *conn, now time.Time) {
	for c.sndXmit != c.sndNxt && c.outstanding() < c.cwnd.Window() {
		s := c.sslot(c.sndXmit)
		c.sndXmit++
		if !s.inUse {
			continue
		}
		// 排队期间过期的消息只发过期标记
		if m := s.msg; !m.done && !m.expires.IsZero() && !now.Before(m.expires) {
			h.expireMessage(c, m)
			if c.removed || c.state == StateTimeWait {
				return
			}
		}
		rto := c.rtt.GetRTO()
		s.firstSent = now
		s.lastSent = now
		s.rto = rto
		s.deadline = now.Add(rto)
		h.transmit(c, s, now)
	}
}

// SendUnreliable 发送单段不可靠数据报，不占用序列号空间也不回调 OnSend
func (h *Handle) SendUnreliable(id ConnID, buf []byte, ttl time.Duration) error {
	if h.closed {
		return ErrHandleClosed
	}
	c, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.state != StateOpen {
		return ErrInvalidState
	}
	if !c.peerUnreliable {
		return ErrUnreliableUnsupported
	}
	if len(buf) > c.maxPayload() {
		return ErrMessageTooLarge
	}
	hdr := h.ackHeader(c, protocol.FlagUNR)
	hdr.TTL = ttlMillis(ttl)
	h.writeSegment(c.w, c.addr, hdr, buf)
	c.ackPending = 0
	c.ackT.stop()
	return nil
}

// transmit 发送 (或重发) 一个数据段，确认信息随段捎带
func (h *Handle) transmit(c *conn, s *sendSlot, now time.Time) {
	hdr := h.ackHeader(c, 0)
	hdr.Seq = s.seq
	hdr.SOM = s.msg.som
	hdr.FCnt = s.msg.fcnt
	hdr.FIdx = s.fidx

	payload := s.payload
	switch {
	case s.msg.expired:
		hdr.TTL = protocol.TTLExpired
		payload = nil
	case !s.msg.expires.IsZero():
		hdr.TTL = 1
		if rest := s.msg.expires.Sub(now); rest > 0 {
			hdr.TTL = ttlMillis(rest)
		}
	}
	h.writeSegment(c.w, c.addr, hdr, payload)
	c.ackPending = 0
	c.ackT.stop()
}

// ttlMillis 生存期转为头部毫秒值，不足 1ms 按 1ms
func ttlMillis(d time.Duration) uint32 {
	if d <= 0 {
		return protocol.TTLInfinite
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms >= int64(protocol.TTLExpired) {
		ms = int64(protocol.TTLExpired) - 1
	}
	return uint32(ms)
}

// =============================================================================
// 确认处理
// =============================================================================

// processAck 处理累积确认、选择性确认与窗口通告
func (h *Handle) processAck(c *conn, hdr *protocol.Header) {
	if !hdr.Has(protocol.FlagACK) {
		return
	}
	ack := hdr.Ack
	if !protocol.SeqInRange(c.sndUna-1, c.sndXmit-c.sndUna+1, ack) {
		h.log(2, "连接 %d: 忽略范围外确认 %d (una=%d xmit=%d)", c.id, ack, c.sndUna, c.sndXmit)
		return
	}
	now := h.clk.Now()

	var (
		completed []*outMessage
		sample    time.Duration
		sampled   bool
		newly     int
	)
	for protocol.SeqLE(c.sndUna, ack) {
		s := c.sslot(c.sndUna)
		if s.inUse {
			if s.retries == 0 {
				sample = now.Sub(s.lastSent)
				sampled = true
			}
			m := s.msg
			m.acked++
			if m.acked == int(m.fcnt) && !m.done {
				m.done = true
				completed = append(completed, m)
			}
		}
		*s = sendSlot{}
		c.sndUna++
		newly++
	}

	// 乱序到达的旧确认不能回退窗口右沿
	if edge := ack + uint32(hdr.Window); newly > 0 || protocol.SeqGE(edge, c.sndEdge) {
		c.sndEdge = edge
		c.peerWindow = hdr.Window
	}

	if newly > 0 {
		c.dupAcks = 0
		if sampled {
			c.rtt.Update(sample)
			if h.metrics != nil {
				h.metrics.ObserveRTT(sample)
			}
		}
		c.cwnd.OnAcked(ack, newly)
		if c.recovering && protocol.SeqGE(ack, c.recoverSeq) {
			c.recovering = false
			for seq := c.sndUna; seq != c.sndXmit; seq++ {
				c.sslot(seq).fastRetx = false
			}
		}
	}

	var highEACK uint32
	haveEACK := false
	if hdr.Has(protocol.FlagEACK) {
		protocol.EACKForEach(hdr.EACK, ack, func(seq uint32) {
			if !protocol.SeqInRange(c.sndUna, c.sndXmit-c.sndUna, seq) {
				return
			}
			if s := c.sslot(seq); s.inUse {
				s.eacked = true
				if !haveEACK || protocol.SeqGT(seq, highEACK) {
					highEACK = seq
					haveEACK = true
				}
			}
		})
	}

	if newly == 0 && ack == c.sndUna-1 && c.outstanding() > 0 && !hdr.IsData() {
		c.dupAcks++
		h.stats.inc(&h.stats.DupAcks)
		if c.dupAcks >= h.cfg.FastRetransmitAckCounter {
			h.fastRetransmit(c, now, highEACK, haveEACK)
		}
	}

	for _, m := range completed {
		h.notifySend(c, m.buf, nil)
		if c.removed || c.state == StateTimeWait {
			return
		}
	}
	h.updateSendState(c, now)
}

// fastRetransmit 重发最高选择性确认之下的空洞，每个恢复期每段一次
func (h *Handle) fastRetransmit(c *conn, now time.Time, high uint32, haveHigh bool) {
	end := c.sndUna + 1
	if haveHigh {
		end = high
	}
	sent := 0
	for seq := c.sndUna; protocol.SeqLT(seq, end); seq++ {
		s := c.sslot(seq)
		if !s.inUse || s.eacked || s.fastRetx {
			continue
		}
		s.fastRetx = true
		s.retries++
		s.lastSent = now
		s.deadline = now.Add(s.rto)
		h.transmit(c, s, now)
		sent++
	}
	if sent == 0 {
		return
	}
	h.stats.add(&h.stats.FastRetransmits, uint64(sent))
	if h.metrics != nil {
		for i := 0; i < sent; i++ {
			h.metrics.IncRetransmit("fast")
		}
	}
	if !c.recovering {
		c.recovering = true
		c.recoverSeq = c.sndXmit - 1
		c.cwnd.OnFastRetransmit(c.recoverSeq)
	}
	h.log(2, "连接 %d: 快速重传 %d 段", c.id, sent)
}

// updateSendState 发出排队段，处理窗口重开、零窗口探测与关闭进度
func (h *Handle) updateSendState(c *conn, now time.Time) {
	if c.state == StateOpen || c.state == StateCloseWait {
		h.pump(c, now)
		if c.removed {
			return
		}
	}
	if c.state == StateCloseWait {
		h.maybeFinishClose(c)
		return
	}
	if c.state != StateOpen {
		return
	}

	if c.peerClosed() && c.inFlight() == 0 {
		if !c.persistT.active {
			c.persistBO = &backoff.ExponentialBackOff{
				InitialInterval:     h.cfg.PersistInterval,
				RandomizationFactor: 0,
				Multiplier:          2,
				MaxInterval:         4 * h.cfg.PersistInterval,
				MaxElapsedTime:      0,
				Stop:                backoff.Stop,
				Clock:               h.clk,
			}
			c.persistBO.Reset()
			c.persistFrom = now
			c.persistT.start(now, c.persistBO.NextBackOff())
			h.log(2, "连接 %d: 对端零窗口，开始探测", c.id)
		}
	} else {
		c.persistT.stop()
	}

	if c.sndBlocked {
		if w := c.sendWindow(); w > 0 {
			c.sndBlocked = false
			h.notifySendWindow(c, w, nil)
		}
	}
}

// =============================================================================
// 定时器
// =============================================================================

// onRetransmitTimer 逐段检查重传期限
func (h *Handle) onRetransmitTimer(c *conn, now time.Time) {
	if c.state != StateOpen && c.state != StateCloseWait {
		return
	}
	timedOut := false
	for seq := c.sndUna; seq != c.sndXmit; seq++ {
		s := c.sslot(seq)
		if !s.inUse || s.eacked || now.Before(s.deadline) {
			continue
		}
		m := s.msg

		if !m.done && !m.expires.IsZero() && !now.Before(m.expires) {
			h.expireMessage(c, m)
			if c.removed || c.state == StateTimeWait {
				return
			}
		}

		if s.retries >= h.cfg.MinDataRetries && now.Sub(s.firstSent) >= h.cfg.TotalDataRetryTimeout {
			h.log(1, "连接 %d: 段 %d 重传 %d 次未确认", c.id, s.seq, s.retries)
			h.teardown(c, ErrRetryTimeout, true)
			return
		}

		s.retries++
		s.rto *= 2
		if limit := h.cfg.maxRTO(); s.rto > limit {
			s.rto = limit
		}
		s.lastSent = now
		s.deadline = now.Add(s.rto)
		h.transmit(c, s, now)
		h.stats.inc(&h.stats.Retransmits)
		if h.metrics != nil {
			h.metrics.IncRetransmit("timeout")
		}
		timedOut = true
	}
	if timedOut {
		c.cwnd.OnTimeout()
	}
}

// expireMessage 消息过期：交还缓冲，剩余分片改发过期标记
func (h *Handle) expireMessage(c *conn, m *outMessage) {
	m.expired = true
	m.done = true
	for i := uint16(0); i < m.fcnt; i++ {
		if s := c.sslot(m.som + uint32(i)); s.inUse && s.msg == m {
			s.payload = nil
		}
	}
	buf := m.buf
	m.buf = nil
	h.stats.inc(&h.stats.MessagesExpired)
	h.log(2, "连接 %d: 消息 %d 已过期", c.id, m.som)
	h.notifySend(c, buf, ErrMessageExpired)
}

func (h *Handle) onAckTimer(c *conn, now time.Time) {
	if !c.ackT.due(now) {
		return
	}
	h.sendAck(c)
}

// onPersistTimer 零窗口探测
func (h *Handle) onPersistTimer(c *conn, now time.Time) {
	if !c.persistT.due(now) {
		return
	}
	if now.Sub(c.persistFrom) >= h.cfg.TotalAppTimeout {
		h.log(1, "连接 %d: 对端窗口持续关闭", c.id)
		h.teardown(c, ErrPersistTimeout, true)
		return
	}
	h.sendNUL(c)
	c.persistT.start(now, c.persistBO.NextBackOff())
}
