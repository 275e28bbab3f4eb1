package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvPool(t *testing.T) {
	p := newRecvPool(2, 64)

	e1, v1, ok := p.get([]byte("abc"))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), v1)

	_, v2, ok := p.get(nil)
	require.True(t, ok, "空负载合法")
	assert.Empty(t, v2)

	_, _, ok = p.get([]byte("x"))
	assert.False(t, ok, "池耗尽时应立即失败")
	assert.Equal(t, 2, p.inUse())

	p.put(e1)
	assert.Equal(t, 1, p.inUse())
	_, _, ok = p.get(make([]byte, 65))
	assert.False(t, ok, "超出元素大小应失败")
	assert.Equal(t, 1, p.inUse())

	p.put(nil)
	assert.Equal(t, 1, p.inUse())
}

func TestSegmentPayload(t *testing.T) {
	pl := newSegmentPayload(8).(*segmentPayload)
	require.NoError(t, pl.Copy([]byte("12345")))
	assert.Equal(t, []byte("12345"), pl.GetSlice())
	assert.Error(t, pl.Copy(make([]byte, 9)))

	pl.SetContent("zz")
	assert.Equal(t, []byte("zz"), pl.GetSlice())
	pl.Reset()
	assert.Empty(t, pl.GetSlice())

	def := newSegmentPayload().(*segmentPayload)
	assert.Len(t, def.buf, DefaultSegBMax)
}

func TestRetiredSet(t *testing.T) {
	now := time.Unix(1000, 0)
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 9000}
	other := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 3), Port: 9000}

	r := newRetiredSet(4*time.Second, now)
	r.add(now, addr, 10, 20)

	assert.True(t, r.containsConn(now, addr, 10, 20))
	assert.True(t, r.containsLocal(now, 10))
	assert.False(t, r.containsConn(now, other, 10, 20))
	assert.False(t, r.containsConn(now, addr, 20, 10))
	assert.False(t, r.containsLocal(now, 11))

	// 保留期内仍然命中
	assert.True(t, r.containsConn(now.Add(3*time.Second), addr, 10, 20))

	// 全部时间片轮转后清空
	assert.False(t, r.containsConn(now.Add(5*time.Second), addr, 10, 20))
	assert.False(t, r.containsLocal(now.Add(time.Minute), 10))
}

func TestTimer(t *testing.T) {
	now := time.Unix(0, 0)
	var tm timer
	assert.False(t, tm.due(now))
	assert.Equal(t, time.Second, tm.nearest(now, time.Second))

	tm.start(now, 100*time.Millisecond)
	assert.False(t, tm.due(now.Add(99*time.Millisecond)))
	assert.True(t, tm.due(now.Add(100*time.Millisecond)))
	assert.Equal(t, 100*time.Millisecond, tm.nearest(now, time.Second))
	assert.Equal(t, time.Duration(0), tm.nearest(now.Add(time.Second), time.Second))

	tm.retry = 3
	tm.stop()
	assert.False(t, tm.active)
	assert.Zero(t, tm.retry)
}

func TestTTLMillis(t *testing.T) {
	assert.Equal(t, uint32(0), ttlMillis(0))
	assert.Equal(t, uint32(1), ttlMillis(time.Microsecond))
	assert.Equal(t, uint32(1500), ttlMillis(1500*time.Millisecond))
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "ok", reasonLabel(nil))
	assert.Equal(t, "refused", reasonLabel(ErrConnectionRefused))
	assert.Equal(t, "reset", reasonLabel(ErrConnectionReset))
	assert.Equal(t, "retry_timeout", reasonLabel(ErrRetryTimeout))
	assert.Equal(t, "link_timeout", reasonLabel(ErrLinkTimeout))
	assert.Equal(t, "persist_timeout", reasonLabel(ErrPersistTimeout))
	assert.Equal(t, "aborted", reasonLabel(ErrConnectionAborted))
}
