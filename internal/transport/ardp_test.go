// =============================================================================
// 文件: internal/transport/ardp_test.go
// 描述: ARDP 协议实例测试 - 握手、传输、重传、流控与关闭
// =============================================================================
package transport

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/ardp/internal/protocol"
)

// =============================================================================
// 配置
// =============================================================================

func TestGlobalConfigValidate(t *testing.T) {
	require.NoError(t, DefaultGlobalConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *GlobalConfig)
	}{
		{"零连接超时", func(c *GlobalConfig) { c.ConnectTimeout = 0 }},
		{"零重试", func(c *GlobalConfig) { c.ConnectRetries = 0 }},
		{"segmax 为 0", func(c *GlobalConfig) { c.SegMax = 0 }},
		{"segmax 超出位图", func(c *GlobalConfig) { c.SegMax = protocol.MaxSegMax + 1 }},
		{"segbmax 过小", func(c *GlobalConfig) { c.SegBMax = protocol.SynHeaderSize }},
		{"segbmax 过大", func(c *GlobalConfig) { c.SegBMax = protocol.MaxSegmentSize + 1 }},
		{"缓冲池小于窗口", func(c *GlobalConfig) { c.RecvPoolSize = c.SegMax - 1 }},
		{"零最大连接", func(c *GlobalConfig) { c.MaxConnections = 0 }},
		{"零在途上限", func(c *GlobalConfig) { c.MaxInFlight = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultGlobalConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	_, err := AllocateHandle(&GlobalConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMaxRTO(t *testing.T) {
	cfg := DefaultGlobalConfig()
	assert.Equal(t, time.Second, cfg.maxRTO())

	cfg.TotalDataRetryTimeout = 20 * time.Second
	assert.Equal(t, 4*time.Second, cfg.maxRTO())
	assert.Equal(t, 6*time.Second, cfg.probeInterval())
}

// =============================================================================
// 握手
// =============================================================================

func TestHandshakeCarriesData(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	srv.rec.acceptData = []byte("welcome")

	require.NoError(t, srv.h.StartPassive())
	cid, err := cli.h.Connect(cli.w, srv.addr, []byte("hello"))
	require.NoError(t, err)

	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, StateSynSent, info.State)

	n.pump()

	require.Len(t, srv.rec.synPayloads, 1)
	assert.Equal(t, []byte("hello"), srv.rec.synPayloads[0])

	require.Len(t, cli.rec.connects, 1)
	ev := cli.rec.connects[0]
	assert.NoError(t, ev.err)
	assert.False(t, ev.passive)
	assert.Equal(t, cid, ev.id)
	assert.Equal(t, []byte("welcome"), ev.data)

	require.Len(t, srv.rec.connects, 1)
	assert.True(t, srv.rec.connects[0].passive)
	assert.NoError(t, srv.rec.connects[0].err)

	info, err = cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, info.State)
	assert.Equal(t, 16, info.SendWindow, "受对端窗口限制，与拥塞窗口无关")
	assert.Equal(t, DefaultInitialCwnd, info.Cwnd)
	assert.Equal(t, 16, info.RecvWindow)

	sinfo, err := srv.h.ConnInfo(srv.rec.connects[0].id)
	require.NoError(t, err)
	assert.Equal(t, info.LocalID, sinfo.ForeignID)
	assert.Equal(t, info.ForeignID, sinfo.LocalID)
}

func TestConnectTimeout(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	n.drop = func(packet) bool { return true }

	cid, err := cli.h.Connect(cli.w, &nowhere, nil)
	require.NoError(t, err)

	n.advance(9*time.Second - 10*time.Millisecond)
	assert.Empty(t, cli.rec.connects, "握手超时前不应回调")

	n.advance(10 * time.Millisecond)
	require.Len(t, cli.rec.connects, 1)
	assert.ErrorIs(t, cli.rec.connects[0].err, ErrConnectTimeout)
	assert.Equal(t, 3, n.count(hasFlag(protocol.FlagSYN)), "SYN 总发送次数")

	_, err = cli.h.ConnInfo(cid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectRefused(t *testing.T) {
	t.Run("应用拒绝", func(t *testing.T) {
		n := newTestNet(t)
		cli := n.addPeer("client", 1000, nil)
		srv := n.addPeer("server", 2000, nil)
		srv.rec.reject = true
		require.NoError(t, srv.h.StartPassive())

		_, err := cli.h.Connect(cli.w, srv.addr, nil)
		require.NoError(t, err)
		n.pump()

		require.Len(t, cli.rec.connects, 1)
		assert.ErrorIs(t, cli.rec.connects[0].err, ErrConnectionRefused)
		assert.ErrorIs(t, cli.rec.connects[0].err, ErrConnectionReset)
		assert.Empty(t, srv.h.Connections())
		assert.Equal(t, uint64(1), srv.h.Stats().Snapshot().AcceptsRejected)
	})

	t.Run("未监听", func(t *testing.T) {
		n := newTestNet(t)
		cli := n.addPeer("client", 1000, nil)
		srv := n.addPeer("server", 2000, nil)

		_, err := cli.h.Connect(cli.w, srv.addr, nil)
		require.NoError(t, err)
		n.pump()

		require.Len(t, cli.rec.connects, 1)
		assert.ErrorIs(t, cli.rec.connects[0].err, ErrConnectionRefused)
		assert.Empty(t, srv.rec.accepts)
	})

	t.Run("连接数上限", func(t *testing.T) {
		n := newTestNet(t)
		cfg := testConfig()
		cfg.MaxConnections = 1
		srv := n.addPeer("server", 2000, cfg)
		a := n.addPeer("a", 1000, nil)
		b := n.addPeer("b", 1001, nil)

		n.connect(a, srv)
		_, err := b.h.Connect(b.w, srv.addr, nil)
		require.NoError(t, err)
		n.pump()

		require.Len(t, b.rec.connects, 1)
		assert.ErrorIs(t, b.rec.connects[0].err, ErrConnectionRefused)
		assert.Len(t, srv.h.Connections(), 1)
	})
}

func TestDuplicateSynResendsSynAck(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	require.NoError(t, srv.h.StartPassive())

	dropped := false
	n.drop = func(p packet) bool {
		if !dropped && isFrom(srv)(p) && p.hdr.Has(protocol.FlagSYN) {
			dropped = true
			return true
		}
		return false
	}

	_, err := cli.h.Connect(cli.w, srv.addr, nil)
	require.NoError(t, err)
	n.pump()
	assert.Empty(t, cli.rec.connects)

	n.advance(3 * time.Second)
	require.Len(t, cli.rec.connects, 1)
	assert.NoError(t, cli.rec.connects[0].err)
	assert.Len(t, srv.rec.accepts, 1, "重复 SYN 不应产生新连接")
	assert.Len(t, srv.h.Connections(), 1)
}

func TestManualAccept(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	srv.rec.manual = true
	require.NoError(t, srv.h.StartPassive())

	cid, err := cli.h.Connect(cli.w, srv.addr, nil)
	require.NoError(t, err)
	n.pump()
	require.Len(t, srv.rec.accepts, 1)
	assert.Empty(t, cli.rec.connects)

	sid := srv.rec.accepts[0]
	assert.ErrorIs(t, srv.h.Accept(sid, protocol.MaxSegMax+1, 0, nil), ErrInvalidState)
	require.NoError(t, srv.h.Accept(sid, 8, 0, nil))
	assert.ErrorIs(t, srv.h.Accept(sid, 8, 0, nil), ErrInvalidState)
	n.pump()

	require.Len(t, cli.rec.connects, 1)
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, 8, info.SendWindow)
}

func TestPendingAcceptExpires(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	srv.rec.manual = true
	require.NoError(t, srv.h.StartPassive())

	_, err := cli.h.Connect(cli.w, srv.addr, nil)
	require.NoError(t, err)
	n.pump()

	n.advance(9*time.Second + 100*time.Millisecond)
	require.Len(t, srv.rec.connects, 1)
	assert.ErrorIs(t, srv.rec.connects[0].err, ErrConnectTimeout)
	assert.True(t, srv.rec.connects[0].passive)
	assert.Empty(t, srv.h.Connections())

	require.Len(t, cli.rec.connects, 1)
	assert.Error(t, cli.rec.connects[0].err)
}

// =============================================================================
// 数据传输
// =============================================================================

func TestSendAndAck(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	require.NoError(t, cli.h.Send(cid, []byte("ping"), 0))
	n.pump()
	require.Equal(t, [][]byte{[]byte("ping")}, srv.rec.received)
	assert.Empty(t, cli.rec.sends, "延迟确认前不应完成")

	n.advance(150 * time.Millisecond)
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err)
	assert.Equal(t, []byte("ping"), cli.rec.sends[0].buf)

	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Zero(t, info.InFlight)
	assert.Zero(t, srv.h.pool.inUse())
}

func TestDelayedAckCount(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	require.NoError(t, cli.h.Send(cid, msg(1), 0))
	n.pump()

	// 两个未确认段立即确认
	assert.Len(t, cli.rec.sends, 2)
}

func TestFragmentedMessage(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	big := make([]byte, 1500)
	rand.New(rand.NewSource(1)).Read(big)

	// 分片数超过初始拥塞窗口，多出的分片排队等待确认
	require.NoError(t, cli.h.Send(cid, big, 0))
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, 9, info.InFlight)
	assert.Equal(t, 1, info.Queued)
	assert.Equal(t, DefaultInitialCwnd, n.count(and(isFrom(cli), func(p packet) bool { return p.hdr.IsData() })))

	n.pump()
	n.advance(150 * time.Millisecond)

	require.Len(t, srv.rec.received, 1)
	assert.True(t, bytes.Equal(big, srv.rec.received[0]))
	assert.Equal(t, 9, n.count(and(isFrom(cli), func(p packet) bool { return p.hdr.IsData() })))
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err)
	assert.Zero(t, srv.h.pool.inUse(), "多分片消息交付后池元素应已归还")
}

// 10 KB 消息经 1000 字节的段传输，默认配置
func TestLargeMessageDefaultConfig(t *testing.T) {
	n := newTestNet(t)
	cfg := DefaultGlobalConfig()
	cfg.SegBMax = 1000
	cli := n.addPeer("client", 1000, cfg)
	srv := n.addPeer("server", 2000, cfg)
	cid, sid := n.connect(cli, srv)

	cinfo, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	sinfo, err := srv.h.ConnInfo(sid)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, cinfo.State)
	assert.Equal(t, StateOpen, sinfo.State)
	assert.Len(t, n.log, 3, "三次握手")

	big := make([]byte, 10*1024)
	rand.New(rand.NewSource(2)).Read(big)
	require.NoError(t, cli.h.Send(cid, big, 0))
	n.pump()
	n.advance(150 * time.Millisecond)

	require.Len(t, srv.rec.received, 1)
	assert.True(t, bytes.Equal(big, srv.rec.received[0]), "应作为一个完整缓冲交付")
	frags := protocol.FragmentCount(len(big), protocol.MaxPayload(1000))
	assert.Equal(t, 11, frags)
	assert.Equal(t, frags, n.count(and(isFrom(cli), func(p packet) bool { return p.hdr.IsData() })))
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err)
}

func TestShuffledFragmentsReassemble(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	var held []packet
	n.drop = func(p packet) bool {
		if p.hdr.IsData() && p.from.String() == cli.addr.String() {
			held = append(held, p)
			return true
		}
		return false
	}

	big := make([]byte, 6*protocol.MaxPayload(200))
	rand.New(rand.NewSource(3)).Read(big)
	require.NoError(t, cli.h.Send(cid, big, 0))
	n.pump()
	require.Len(t, held, 6)

	rand.New(rand.NewSource(4)).Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
	if held[0].hdr.FIdx == 0 {
		held[0], held[len(held)-1] = held[len(held)-1], held[0]
	}
	// 快速重传可能先补齐空洞，其余分片成为重复段
	n.drop = nil
	for _, p := range held {
		n.inject(p.from, srv, p.data)
	}
	n.advance(150 * time.Millisecond)

	require.Len(t, srv.rec.received, 1, "乱序分片只交付一次")
	assert.True(t, bytes.Equal(big, srv.rec.received[0]))
	assert.Zero(t, srv.h.pool.inUse())
	n.advance(200 * time.Millisecond)
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err)
}

func TestSendErrors(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.SegMax = 4
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, cfg)

	assert.ErrorIs(t, cli.h.Send(99, msg(0), 0), ErrNotFound)

	cid, _ := n.connect(cli, srv)
	tooBig := make([]byte, 5*protocol.MaxPayload(200))
	assert.ErrorIs(t, cli.h.Send(cid, tooBig, 0), ErrMessageTooLarge)
	assert.NoError(t, cli.h.Send(cid, tooBig[:4*protocol.MaxPayload(200)], 0))

	other := n.addPeer("other", 1001, nil)
	n.drop = func(packet) bool { return true }
	oid, err := other.h.Connect(other.w, srv.addr, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, other.h.Send(oid, msg(0), 0), ErrInvalidState)
}

func TestTimeoutRetransmit(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	dropped := false
	n.drop = func(p packet) bool {
		if !dropped && p.hdr.IsData() {
			dropped = true
			return true
		}
		return false
	}

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()
	assert.Empty(t, srv.rec.received)

	n.advance(time.Second)
	require.Len(t, srv.rec.received, 1)
	assert.Equal(t, msg(0), srv.rec.received[0])
	assert.Equal(t, uint64(1), cli.h.Stats().Snapshot().Retransmits)

	n.advance(200 * time.Millisecond)
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err)
}

func TestFastRetransmitWithEACK(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	dropped := false
	n.drop = func(p packet) bool {
		if !dropped && bytes.Equal(payloadOf(p), msg(1)) {
			dropped = true
			return true
		}
		return false
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, cli.h.Send(cid, msg(i), 0))
	}
	n.pump()

	require.Len(t, srv.rec.received, 6, "快速重传后应全部交付")
	for i := 0; i < 6; i++ {
		assert.Equal(t, msg(i), srv.rec.received[i], "第 %d 条消息顺序错误", i)
	}
	assert.Positive(t, n.count(and(isFrom(srv), hasFlag(protocol.FlagEACK))), "应发送 EACK")

	stats := cli.h.Stats().Snapshot()
	assert.Equal(t, uint64(1), stats.FastRetransmits)
	assert.Zero(t, stats.Retransmits)

	n.advance(200 * time.Millisecond)
	require.Len(t, cli.rec.sends, 6)
	for _, err := range cli.rec.sendErrors() {
		assert.NoError(t, err)
	}
}

// 每三个新数据段丢一个，重传段不丢
func TestPeriodicLossRecovers(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	seen := make(map[uint32]bool)
	fresh := 0
	n.drop = func(p packet) bool {
		if !p.hdr.IsData() || p.from.String() != cli.addr.String() || seen[p.hdr.Seq] {
			return false
		}
		seen[p.hdr.Seq] = true
		fresh++
		return fresh%3 == 0
	}

	for i := 0; i < 40; {
		err := cli.h.Send(cid, msg(i), 0)
		if errors.Is(err, ErrBackpressure) {
			n.advance(50 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		n.pump()
		i++
	}
	sent := n.clk.Now()
	for len(srv.rec.received) < 40 && n.clk.Since(sent) < time.Minute {
		n.advance(100 * time.Millisecond)
	}

	require.Len(t, srv.rec.received, 40)
	for i := range srv.rec.received {
		assert.Equal(t, msg(i), srv.rec.received[i], "第 %d 条消息顺序错误", i)
	}
	assert.LessOrEqual(t, n.clk.Since(sent), DefaultTotalDataRetryTimeout, "最后一条消息提交后应在重传总时长内交付")

	n.advance(time.Second)
	require.Len(t, cli.rec.sends, 40)
	for _, err := range cli.rec.sendErrors() {
		assert.NoError(t, err)
	}
	stats := cli.h.Stats().Snapshot()
	assert.Positive(t, stats.Retransmits+stats.FastRetransmits)
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, info.State)
}

func TestSequenceWrapAround(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cli.h.iss = func() uint32 { return 0xFFFFFFF0 }
	srv.h.iss = func() uint32 { return 0xFFFFFFFA }
	cid, _ := n.connect(cli, srv)

	for i := 0; i < 40; i++ {
		require.NoError(t, cli.h.Send(cid, msg(i), 0))
		n.pump()
		if i%4 == 3 {
			n.advance(150 * time.Millisecond)
		}
	}
	n.advance(150 * time.Millisecond)

	require.Len(t, srv.rec.received, 40)
	for i := range srv.rec.received {
		assert.Equal(t, msg(i), srv.rec.received[i])
	}
	assert.Len(t, cli.rec.sends, 40)
}

func TestUnreliable(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	require.NoError(t, cli.h.SendUnreliable(cid, []byte("u"), 0))
	n.pump()
	require.Equal(t, [][]byte{[]byte("u")}, srv.rec.received)
	assert.Zero(t, srv.h.pool.inUse())
	assert.Empty(t, cli.rec.sends, "不可靠数据报不回调 OnSend")

	big := make([]byte, protocol.MaxPayload(200)+1)
	assert.ErrorIs(t, cli.h.SendUnreliable(cid, big, 0), ErrMessageTooLarge)

	t.Run("对端不接收", func(t *testing.T) {
		n := newTestNet(t)
		cfg := testConfig()
		cfg.AcceptUnreliable = false
		cli := n.addPeer("client", 1000, nil)
		srv := n.addPeer("server", 2000, cfg)
		cid, _ := n.connect(cli, srv)
		assert.ErrorIs(t, cli.h.SendUnreliable(cid, []byte("u"), 0), ErrUnreliableUnsupported)
	})
}

func TestMessageExpiry(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	dropData := true
	n.drop = func(p packet) bool { return dropData && p.hdr.IsData() }

	require.NoError(t, cli.h.Send(cid, msg(0), 500*time.Millisecond))
	n.pump()

	n.advance(time.Second)
	require.Len(t, cli.rec.sends, 1)
	assert.ErrorIs(t, cli.rec.sends[0].err, ErrMessageExpired)
	assert.Equal(t, msg(0), cli.rec.sends[0].buf)

	dropData = false
	n.advance(time.Second + 200*time.Millisecond)
	assert.Empty(t, srv.rec.received, "过期消息不应交付")
	assert.Equal(t, uint64(1), srv.h.Stats().Snapshot().MessagesExpired)
	assert.Positive(t, n.count(func(p packet) bool { return p.hdr.TTL == protocol.TTLExpired }))
	assert.Len(t, cli.rec.sends, 1, "过期消息只回调一次")

	require.NoError(t, cli.h.Send(cid, msg(1), 0))
	n.pump()
	assert.Equal(t, [][]byte{msg(1)}, srv.rec.received)
}

// =============================================================================
// 流控
// =============================================================================

func TestBackpressureAndReopen(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.SegMax = 4
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, cfg)
	srv.rec.hold = true
	cid, sid := n.connect(cli, srv)

	for i := 0; i < 4; i++ {
		require.NoError(t, cli.h.Send(cid, msg(i), 0))
	}
	require.Len(t, cli.rec.windows, 1)
	assert.ErrorIs(t, cli.rec.windows[0].err, ErrBackpressure)
	assert.ErrorIs(t, cli.h.Send(cid, msg(4), 0), ErrBackpressure)

	n.pump()
	require.Len(t, srv.rec.buffers, 4)
	assert.Len(t, cli.rec.sends, 4)
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Zero(t, info.SendWindow, "对端窗口已关闭")

	require.NoError(t, srv.h.RecvReady(sid, srv.rec.buffers[0]))
	n.pump()

	last := cli.rec.windows[len(cli.rec.windows)-1]
	assert.NoError(t, last.err)
	assert.Equal(t, 1, last.window)
	assert.NoError(t, cli.h.Send(cid, msg(4), 0))
}

func TestMaxInFlight(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.MaxInFlight = 4
	cli := n.addPeer("client", 1000, cfg)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	n.drop = func(p packet) bool { return p.hdr.IsData() }

	accepted := 0
	for i := 0; i < 16; i++ {
		if cli.h.Send(cid, msg(i), 0) == nil {
			accepted++
		}
	}
	assert.Equal(t, 4, accepted, "对端窗口为 16，受本端在途上限限制")
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, 4, info.InFlight)
	assert.Zero(t, info.SendWindow)
	assert.ErrorIs(t, cli.h.Send(cid, make([]byte, 5*protocol.MaxPayload(200)), 0), ErrMessageTooLarge)
	require.NotEmpty(t, cli.rec.windows)
	assert.ErrorIs(t, cli.rec.windows[0].err, ErrBackpressure)

	n.drop = nil
	n.advance(1500 * time.Millisecond)
	require.Len(t, srv.rec.received, 4)
	last := cli.rec.windows[len(cli.rec.windows)-1]
	assert.NoError(t, last.err)
	assert.Positive(t, last.window)
	info, err = cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, 4, info.SendWindow)
}

// 在途段数始终不超过本端上限与对端通告窗口
func TestFlowControlBound(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.MaxInFlight = 6
	cli := n.addPeer("client", 1000, cfg)
	srv := n.addPeer("server", 2000, nil)
	srv.rec.hold = true
	cid, sid := n.connect(cli, srv)
	c := cli.h.byID[cid]

	check := func() {
		t.Helper()
		assert.LessOrEqual(t, c.inFlight(), 6)
		assert.True(t, protocol.SeqLE(c.sndNxt-1, c.sndEdge), "超出对端窗口: nxt=%d edge=%d", c.sndNxt, c.sndEdge)
		assert.True(t, protocol.SeqLE(c.sndXmit, c.sndNxt))
	}

	rng := rand.New(rand.NewSource(5))
	next, released := 0, 0
	for round := 0; round < 60; round++ {
		for k := rng.Intn(5); k > 0; k-- {
			if cli.h.Send(cid, msg(next), 0) != nil {
				break
			}
			next++
			check()
		}
		n.pump()
		check()
		for k := rng.Intn(4); k > 0 && released < len(srv.rec.buffers); k-- {
			require.NoError(t, srv.h.RecvReady(sid, srv.rec.buffers[released]))
			released++
		}
		n.advance(20 * time.Millisecond)
		check()
	}

	srv.rec.hold = false
	for ; released < len(srv.rec.buffers); released++ {
		require.NoError(t, srv.h.RecvReady(sid, srv.rec.buffers[released]))
	}
	n.advance(2 * time.Second)
	require.Len(t, srv.rec.received, next)
	for i := range srv.rec.received {
		assert.Equal(t, msg(i), srv.rec.received[i])
	}
	assert.Zero(t, c.inFlight())
}

// 乱序到达的旧确认不能缩小对端窗口
func TestStaleAckKeepsWindowEdge(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, sid := n.connect(cli, srv)

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()
	n.advance(150 * time.Millisecond)

	c, s := cli.h.byID[cid], srv.h.byID[sid]
	edge := c.sndEdge
	before, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)

	seg, err := protocol.Encode(&protocol.Header{
		Flags:  protocol.FlagACK,
		Src:    s.local,
		Dst:    s.foreign,
		Seq:    s.sndNxt,
		Ack:    c.sndUna - 1,
		Window: 1,
	}, nil)
	require.NoError(t, err)
	n.inject(srv.addr, cli, seg)

	assert.Equal(t, edge, c.sndEdge)
	after, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)
	assert.Equal(t, before.SendWindow, after.SendWindow)

	// 新的确认照常推进右沿
	require.NoError(t, cli.h.Send(cid, msg(1), 0))
	n.pump()
	n.advance(150 * time.Millisecond)
	assert.Equal(t, edge+1, c.sndEdge)
}

func TestPersistTimeout(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.SegMax = 4
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, cfg)
	srv.rec.hold = true
	cid, _ := n.connect(cli, srv)

	for i := 0; i < 4; i++ {
		require.NoError(t, cli.h.Send(cid, msg(i), 0))
	}
	n.pump()

	n.advance(35 * time.Second)
	require.Len(t, cli.rec.disconnects, 1)
	assert.ErrorIs(t, cli.rec.disconnects[0].reason, ErrPersistTimeout)
	assert.GreaterOrEqual(t, n.count(and(isFrom(cli), hasFlag(protocol.FlagNUL))), 5)

	require.Len(t, srv.rec.disconnects, 1)
	assert.ErrorIs(t, srv.rec.disconnects[0].reason, ErrConnectionReset)

	// 连接释放后归还仍持有的缓冲
	for _, buf := range srv.rec.buffers {
		assert.NoError(t, srv.h.RecvReady(buf.conn, buf))
	}
	assert.Zero(t, srv.h.pool.inUse())
}

func TestRecvPoolExhausted(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()
	cfg.SegMax = 4
	cfg.RecvPoolSize = 4
	srv := n.addPeer("server", 2000, cfg)
	srv.rec.hold = true
	a := n.addPeer("a", 1000, nil)
	b := n.addPeer("b", 1001, nil)
	aid, sa := n.connect(a, srv)
	bid, _ := n.connect(b, srv)

	for i := 0; i < 4; i++ {
		require.NoError(t, a.h.Send(aid, msg(i), 0))
	}
	n.pump()
	require.Len(t, srv.rec.received, 4)

	require.NoError(t, b.h.Send(bid, msg(100), 0))
	n.pump()
	assert.Len(t, srv.rec.received, 4)
	assert.Positive(t, srv.h.Stats().Snapshot().PoolExhausted)

	for _, buf := range srv.rec.buffers {
		require.NoError(t, srv.h.RecvReady(sa, buf))
	}
	n.advance(1100 * time.Millisecond)
	require.Len(t, srv.rec.received, 5)
	assert.Equal(t, msg(100), srv.rec.received[4])
}

func TestRecvReadyValidation(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	srv.rec.hold = true
	cid, sid := n.connect(cli, srv)

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()
	require.Len(t, srv.rec.buffers, 1)
	buf := srv.rec.buffers[0]

	assert.ErrorIs(t, srv.h.RecvReady(sid, nil), ErrInvalidBuffer)
	assert.ErrorIs(t, srv.h.RecvReady(sid+100, buf), ErrInvalidBuffer)
	assert.NoError(t, srv.h.RecvReady(sid, buf))
	assert.ErrorIs(t, srv.h.RecvReady(sid, buf), ErrInvalidBuffer)
	assert.Nil(t, buf.Data)
	assert.Zero(t, srv.h.pool.inUse())
}

// =============================================================================
// 故障与关闭
// =============================================================================

func TestRetryTimeout(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	n.drop = func(packet) bool { return true }

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.advance(8 * time.Second)

	require.Len(t, cli.rec.sends, 1)
	assert.ErrorIs(t, cli.rec.sends[0].err, ErrRetryTimeout)
	require.Len(t, cli.rec.disconnects, 1)
	reason := cli.rec.disconnects[0].reason
	assert.ErrorIs(t, reason, ErrRetryTimeout)
	assert.ErrorIs(t, reason, ErrLinkTimeout)
	assert.Equal(t, uint64(5), cli.h.Stats().Snapshot().Retransmits)
}

func TestLinkTimeout(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	n.connect(cli, srv)
	n.drop = func(packet) bool { return true }

	n.advance(29 * time.Second)
	assert.Empty(t, cli.rec.disconnects)
	assert.Positive(t, n.count(and(isFrom(cli), hasFlag(protocol.FlagNUL))), "静默期间应发送保活")

	n.advance(3 * time.Second)
	require.Len(t, cli.rec.disconnects, 1)
	assert.ErrorIs(t, cli.rec.disconnects[0].reason, ErrLinkTimeout)
	require.Len(t, srv.rec.disconnects, 1)
	assert.ErrorIs(t, srv.rec.disconnects[0].reason, ErrLinkTimeout)
}

func TestKeepaliveHoldsIdleLink(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	n.connect(cli, srv)

	n.advance(90 * time.Second)
	assert.Empty(t, cli.rec.disconnects)
	assert.Empty(t, srv.rec.disconnects)
}

func TestGracefulDisconnect(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	info, err := cli.h.ConnInfo(cid)
	require.NoError(t, err)

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()
	require.NoError(t, cli.h.Disconnect(cid))
	assert.ErrorIs(t, cli.h.Send(cid, msg(1), 0), ErrInvalidState)
	assert.ErrorIs(t, cli.h.Disconnect(cid), ErrInvalidState)

	n.advance(200 * time.Millisecond)
	require.Len(t, cli.rec.sends, 1)
	assert.NoError(t, cli.rec.sends[0].err, "关闭前在途消息应正常完成")

	n.advance(1100 * time.Millisecond)
	require.Len(t, cli.rec.disconnects, 1)
	assert.NoError(t, cli.rec.disconnects[0].reason)
	require.Len(t, srv.rec.disconnects, 1)
	assert.ErrorIs(t, srv.rec.disconnects[0].reason, ErrConnectionReset)
	assert.Empty(t, cli.h.Connections())
	assert.Empty(t, srv.h.Connections())

	// 迟到的段被静默丢弃
	rsts := n.count(and(isFrom(srv), hasFlag(protocol.FlagRST)))
	late, err := protocol.Encode(&protocol.Header{
		Flags: protocol.FlagACK,
		Src:   info.LocalID,
		Dst:   info.ForeignID,
		Seq:   1,
		Ack:   1,
	}, nil)
	require.NoError(t, err)
	n.inject(cli.addr, srv, late)
	assert.Equal(t, rsts, n.count(and(isFrom(srv), hasFlag(protocol.FlagRST))))
	assert.Equal(t, uint64(1), srv.h.Stats().Snapshot().RetiredDropped)
}

func TestDisconnectPending(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	n.drop = func(packet) bool { return true }

	cid, err := cli.h.Connect(cli.w, &nowhere, nil)
	require.NoError(t, err)
	require.NoError(t, cli.h.Disconnect(cid))

	require.Len(t, cli.rec.connects, 1)
	assert.ErrorIs(t, cli.rec.connects[0].err, ErrConnectionAborted)
	_, err = cli.h.ConnInfo(cid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAbortReturnsPendingMessages(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	n.drop = func(packet) bool { return true }

	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	require.NoError(t, cli.h.Send(cid, msg(1), 0))
	require.NoError(t, cli.h.Abort(cid))

	require.Len(t, cli.rec.sends, 2)
	for _, err := range cli.rec.sendErrors() {
		assert.ErrorIs(t, err, ErrConnectionAborted)
	}
	assert.ErrorIs(t, cli.h.Abort(cid), ErrInvalidState)

	n.advance(1100 * time.Millisecond)
	require.Len(t, cli.rec.disconnects, 1)
	assert.ErrorIs(t, cli.rec.disconnects[0].reason, ErrConnectionAborted)
}

func TestUnknownSegment(t *testing.T) {
	n := newTestNet(t)
	srv := n.addPeer("server", 2000, nil)
	from := &nowhere

	seg, err := protocol.Encode(&protocol.Header{Flags: protocol.FlagACK, Src: 7, Dst: 9, Seq: 100, Ack: 50}, nil)
	require.NoError(t, err)
	n.inject(from, srv, seg)

	require.Equal(t, 1, n.count(hasFlag(protocol.FlagRST)))
	rst := n.log[len(n.log)-1].hdr
	assert.Equal(t, uint16(9), rst.Src)
	assert.Equal(t, uint16(7), rst.Dst)

	// RST 不回复 RST
	seg, err = protocol.Encode(&protocol.Header{Flags: protocol.FlagRST, Src: 7, Dst: 9}, nil)
	require.NoError(t, err)
	n.inject(from, srv, seg)
	assert.Equal(t, 1, n.count(hasFlag(protocol.FlagRST)))

	n.inject(from, srv, []byte{1, 2, 3})
	assert.Equal(t, uint64(1), srv.h.Stats().Snapshot().MalformedDropped)
	assert.Len(t, n.log, 1)
}

func TestFreeHandle(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)

	n.drop = func(p packet) bool { return p.hdr.IsData() }
	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()
	pid, err := cli.h.Connect(cli.w, &nowhere, nil)
	require.NoError(t, err)
	n.drop = nil

	cli.h.FreeHandle()
	require.Len(t, cli.rec.sends, 1, "未确认消息应返还")
	assert.ErrorIs(t, cli.rec.sends[0].err, ErrConnectionAborted)
	assert.Equal(t, msg(0), cli.rec.sends[0].buf)
	require.Len(t, cli.rec.disconnects, 1)
	assert.Equal(t, cid, cli.rec.disconnects[0].id)
	assert.ErrorIs(t, cli.rec.disconnects[0].reason, ErrConnectionAborted)
	require.Len(t, cli.rec.connects, 2)
	assert.Equal(t, pid, cli.rec.connects[1].id)
	assert.ErrorIs(t, cli.rec.connects[1].err, ErrConnectionAborted)
	assert.Empty(t, cli.h.Connections())

	cli.h.FreeHandle()
	assert.Len(t, cli.rec.disconnects, 1, "重复释放不再回调")

	n.pump()
	assert.ErrorIs(t, cli.h.Send(cid, msg(0), 0), ErrHandleClosed)
	_, err = cli.h.Connect(cli.w, srv.addr, nil)
	assert.ErrorIs(t, err, ErrHandleClosed)

	n.advance(1100 * time.Millisecond)
	require.Len(t, srv.rec.disconnects, 1)
	assert.ErrorIs(t, srv.rec.disconnects[0].reason, ErrConnectionReset)
}

func TestGetStats(t *testing.T) {
	n := newTestNet(t)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	require.NoError(t, cli.h.Send(cid, msg(0), 0))
	n.pump()

	stats := cli.h.GetStats()
	assert.Equal(t, 1, stats["connections"])
	assert.Equal(t, uint64(1), stats["messages_sent"])
	assert.Equal(t, uint64(1), srv.h.GetStats()["messages_delivered"])
	assert.Equal(t, int64(1), cli.h.Stats().Snapshot().ActiveConns)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "TIMEWAIT", StateTimeWait.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func BenchmarkSendReceive(b *testing.B) {
	n := newTestNet(b)
	cli := n.addPeer("client", 1000, nil)
	srv := n.addPeer("server", 2000, nil)
	cid, _ := n.connect(cli, srv)
	payload := make([]byte, 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.h.Send(cid, payload, 0); err != nil {
			n.advance(100 * time.Millisecond)
			continue
		}
		n.pump()
		if i%64 == 0 {
			srv.rec.received = nil
		}
	}
}
