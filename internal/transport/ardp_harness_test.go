package transport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/ardp/internal/protocol"
)

// =============================================================================
// 内存网络：所有报文进入 FIFO 队列，由 pump 投递
// =============================================================================

type packet struct {
	from *net.UDPAddr
	to   *net.UDPAddr
	data []byte
	hdr  *protocol.Header
}

// nowhere 没有任何端点的地址
var nowhere = net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 4000}

type testNet struct {
	t     testing.TB
	clk   *clock.Mock
	peers map[string]*peer
	queue []packet
	drop  func(p packet) bool
	log   []packet
}

type peer struct {
	name string
	h    *Handle
	addr *net.UDPAddr
	w    *memWriter
	rec  *recorder
}

type memWriter struct {
	n    *testNet
	from *net.UDPAddr
}

func (w *memWriter) WriteTo(p []byte, addr net.Addr) (int, error) {
	data := append([]byte(nil), p...)
	hdr, _, err := protocol.Decode(data)
	if err != nil {
		w.n.t.Fatalf("发送了无法解码的段: %v", err)
	}
	pk := packet{from: w.from, to: addr.(*net.UDPAddr), data: data, hdr: hdr}
	w.n.log = append(w.n.log, pk)
	w.n.queue = append(w.n.queue, pk)
	return len(p), nil
}

func newTestNet(t testing.TB) *testNet {
	return &testNet{
		t:     t,
		clk:   clock.NewMock(),
		peers: make(map[string]*peer),
	}
}

func testConfig() *GlobalConfig {
	cfg := DefaultGlobalConfig()
	cfg.SegBMax = 200
	cfg.SegMax = 16
	cfg.RecvPoolSize = 256
	return cfg
}

func (n *testNet) addPeer(name string, port int, cfg *GlobalConfig) *peer {
	if cfg == nil {
		cfg = testConfig()
	}
	h, err := AllocateHandle(cfg)
	require.NoError(n.t, err)
	h.SetClock(n.clk)

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
	p := &peer{
		name: name,
		h:    h,
		addr: addr,
		w:    &memWriter{n: n, from: addr},
		rec:  newRecorder(n.t),
	}
	h.SetHandler(p.rec)
	n.peers[addr.String()] = p
	return p
}

// pump 投递队列中的全部报文，直到网络静止
func (n *testNet) pump() {
	for i := 0; len(n.queue) > 0; i++ {
		if i > 100000 {
			n.t.Fatal("网络未收敛")
		}
		pk := n.queue[0]
		n.queue = n.queue[1:]
		if n.drop != nil && n.drop(pk) {
			continue
		}
		dst, ok := n.peers[pk.to.String()]
		if !ok {
			continue
		}
		dst.h.Receive(dst.w, pk.from, pk.data)
	}
}

// advance 分步推进时钟，每步运行全部定时器
func (n *testNet) advance(d time.Duration) {
	step := 10 * time.Millisecond
	if d > 2*time.Second {
		step = 50 * time.Millisecond
	}
	for elapsed := time.Duration(0); elapsed < d; {
		s := step
		if rest := d - elapsed; rest < s {
			s = rest
		}
		elapsed += s
		n.clk.Add(s)
		for _, p := range n.peers {
			p.h.CheckTimers()
		}
		n.pump()
	}
}

// inject 直接向 dst 投递原始字节
func (n *testNet) inject(from *net.UDPAddr, dst *peer, b []byte) {
	dst.h.Receive(dst.w, from, b)
	n.pump()
}

// count 统计已发送的满足条件的段
func (n *testNet) count(match func(p packet) bool) int {
	c := 0
	for _, p := range n.log {
		if match(p) {
			c++
		}
	}
	return c
}

// connect 建立 client -> server 的连接，返回双方连接 ID
func (n *testNet) connect(client, server *peer) (ConnID, ConnID) {
	require.NoError(n.t, server.h.StartPassive())
	cid, err := client.h.Connect(client.w, server.addr, nil)
	require.NoError(n.t, err)
	n.pump()

	require.Len(n.t, client.rec.connects, 1, "客户端应收到 OnConnect")
	require.NoError(n.t, client.rec.connects[0].err)
	require.NotEmpty(n.t, server.rec.connects, "服务端应收到 OnConnect")
	last := server.rec.connects[len(server.rec.connects)-1]
	require.NoError(n.t, last.err)
	require.True(n.t, last.passive)
	return cid, last.id
}

func isFrom(p *peer) func(packet) bool {
	return func(pk packet) bool { return pk.from.String() == p.addr.String() }
}

func hasFlag(f uint8) func(packet) bool {
	return func(pk packet) bool { return pk.hdr.Has(f) }
}

func and(fs ...func(packet) bool) func(packet) bool {
	return func(pk packet) bool {
		for _, f := range fs {
			if !f(pk) {
				return false
			}
		}
		return true
	}
}

// =============================================================================
// 回调记录
// =============================================================================

type connectEvent struct {
	id      ConnID
	passive bool
	data    []byte
	err     error
}

type disconnectEvent struct {
	id     ConnID
	reason error
}

type sendEvent struct {
	id  ConnID
	buf []byte
	err error
}

type windowEvent struct {
	id     ConnID
	window int
	err    error
}

type recorder struct {
	t testing.TB

	reject     bool
	manual     bool // 不在 OnAccept 中调用 Accept
	acceptData []byte
	hold       bool

	accepts     []ConnID
	synPayloads [][]byte
	connects    []connectEvent
	disconnects []disconnectEvent
	received    [][]byte
	buffers     []*RecvBuffer
	sends       []sendEvent
	windows     []windowEvent
}

func newRecorder(t testing.TB) *recorder {
	return &recorder{t: t}
}

func (r *recorder) OnAccept(h *Handle, addr *net.UDPAddr, id ConnID, data []byte) bool {
	r.accepts = append(r.accepts, id)
	r.synPayloads = append(r.synPayloads, data)
	if r.reject {
		return false
	}
	if !r.manual {
		require.NoError(r.t, h.Accept(id, 0, 0, r.acceptData))
	}
	return true
}

func (r *recorder) OnConnect(h *Handle, id ConnID, passive bool, data []byte, err error) {
	r.connects = append(r.connects, connectEvent{id: id, passive: passive, data: data, err: err})
}

func (r *recorder) OnDisconnect(h *Handle, id ConnID, reason error) {
	r.disconnects = append(r.disconnects, disconnectEvent{id: id, reason: reason})
}

func (r *recorder) OnReceive(h *Handle, id ConnID, buf *RecvBuffer) {
	r.received = append(r.received, append([]byte(nil), buf.Data...))
	if r.hold {
		r.buffers = append(r.buffers, buf)
		return
	}
	require.NoError(r.t, h.RecvReady(id, buf))
}

func (r *recorder) OnSend(h *Handle, id ConnID, buf []byte, err error) {
	r.sends = append(r.sends, sendEvent{id: id, buf: buf, err: err})
}

func (r *recorder) OnSendWindow(h *Handle, id ConnID, window int, err error) {
	r.windows = append(r.windows, windowEvent{id: id, window: window, err: err})
}

func (r *recorder) sendErrors() []error {
	var errs []error
	for _, s := range r.sends {
		errs = append(errs, s.err)
	}
	return errs
}

func payloadOf(p packet) []byte {
	return p.data[p.hdr.HeaderLen():]
}

func msg(i int) []byte {
	return []byte(fmt.Sprintf("message-%03d", i))
}
