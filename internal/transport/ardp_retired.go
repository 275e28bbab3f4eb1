// =============================================================================
// 文件: internal/transport/ardp_retired.go
// 描述: 已释放连接标识 - 分时间片的布隆过滤器，迟到报文静默丢弃
// =============================================================================
package transport

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	retiredExpectedItems = 4096
	retiredFalsePositive = 0.001
	retiredSlices        = 4
)

// retiredSet 记录最近释放的 (地址, 本地ID, 对端ID) 以及本地 ID
//
// 只在 Handle 的处理上下文中访问，不加锁。
type retiredSet struct {
	slices    [retiredSlices]*bloom.BloomFilter
	started   time.Time
	sliceSpan time.Duration
	current   int
	key       []byte
}

func newRetiredSet(retention time.Duration, now time.Time) *retiredSet {
	span := retention / retiredSlices
	if span <= 0 {
		span = time.Second
	}
	r := &retiredSet{
		started:   now,
		sliceSpan: span,
		key:       make([]byte, 0, 32),
	}
	for i := range r.slices {
		r.slices[i] = bloom.NewWithEstimates(retiredExpectedItems, retiredFalsePositive)
	}
	return r
}

// rotate 按时间推进时间片，过期片清空复用
func (r *retiredSet) rotate(now time.Time) {
	elapsed := now.Sub(r.started)
	if elapsed < r.sliceSpan {
		return
	}
	steps := int(elapsed / r.sliceSpan)
	if steps > retiredSlices {
		steps = retiredSlices
	}
	for i := 0; i < steps; i++ {
		r.current = (r.current + 1) % retiredSlices
		r.slices[r.current].ClearAll()
	}
	r.started = r.started.Add(time.Duration(int(elapsed/r.sliceSpan)) * r.sliceSpan)
}

func (r *retiredSet) connKey(addr *net.UDPAddr, local, foreign uint16) []byte {
	k := r.key[:0]
	k = append(k, 'c')
	k = binary.BigEndian.AppendUint16(k, local)
	k = binary.BigEndian.AppendUint16(k, foreign)
	k = binary.BigEndian.AppendUint16(k, uint16(addr.Port))
	k = append(k, addr.IP.To16()...)
	r.key = k
	return k
}

func (r *retiredSet) localKey(local uint16) []byte {
	k := append(r.key[:0], 'l')
	k = binary.BigEndian.AppendUint16(k, local)
	r.key = k
	return k
}

func (r *retiredSet) add(now time.Time, addr *net.UDPAddr, local, foreign uint16) {
	r.rotate(now)
	cur := r.slices[r.current]
	cur.Add(r.connKey(addr, local, foreign))
	cur.Add(r.localKey(local))
}

func (r *retiredSet) test(key []byte) bool {
	for _, f := range r.slices {
		if f.Test(key) {
			return true
		}
	}
	return false
}

// containsConn 报文是否属于刚释放的连接
func (r *retiredSet) containsConn(now time.Time, addr *net.UDPAddr, local, foreign uint16) bool {
	r.rotate(now)
	return r.test(r.connKey(addr, local, foreign))
}

// containsLocal 本地 ID 是否仍处于冷却期
func (r *retiredSet) containsLocal(now time.Time, local uint16) bool {
	r.rotate(now)
	return r.test(r.localKey(local))
}
