// =============================================================================
// 文件: internal/transport/ardp_pool.go
// 描述: ARDP 接收缓冲池 - 基于 ringpool 的固定大小段缓冲
// =============================================================================
package transport

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// segmentPayload 池元素承载的段数据
type segmentPayload struct {
	buf    []byte
	length int
}

func newSegmentPayload(params ...interface{}) rp.DataInterface {
	size := 0
	if len(params) == 1 {
		size, _ = params[0].(int)
	}
	if size <= 0 {
		size = DefaultSegBMax
	}
	return &segmentPayload{buf: make([]byte, size)}
}

func (p *segmentPayload) SetContent(s string) {
	p.length = copy(p.buf, s)
}

func (p *segmentPayload) Reset() {
	p.length = 0
}

func (p *segmentPayload) PrintContent() {
	fmt.Printf("segment payload: %d bytes\n", p.length)
}

// Copy 空负载合法 (过期标记段)
func (p *segmentPayload) Copy(src []byte) error {
	if len(src) > len(p.buf) {
		return fmt.Errorf("段负载 %d 字节超过缓冲 %d 字节", len(src), len(p.buf))
	}
	p.length = copy(p.buf, src)
	return nil
}

func (p *segmentPayload) GetSlice() []byte {
	return p.buf[:p.length]
}

// recvPool 在 ringpool 之上记录借出数量，耗尽时直接失败而不等待
type recvPool struct {
	pool        *rp.RingPool
	size        int
	outstanding int
	mu          sync.Mutex
}

func newRecvPool(size, segbmax int) *recvPool {
	return &recvPool{
		pool: rp.NewRingPool("ARDP: ", size, newSegmentPayload, segbmax),
		size: size,
	}
}

// get 借出一个元素并拷入数据
func (p *recvPool) get(data []byte) (*rp.Element, []byte, bool) {
	p.mu.Lock()
	if p.outstanding >= p.size {
		p.mu.Unlock()
		return nil, nil, false
	}
	p.outstanding++
	p.mu.Unlock()

	e := p.pool.GetElement()
	if e == nil {
		p.release()
		return nil, nil, false
	}
	pl := e.Data.(*segmentPayload)
	if err := pl.Copy(data); err != nil {
		p.pool.ReturnElement(e)
		p.release()
		return nil, nil, false
	}
	return e, pl.GetSlice(), true
}

func (p *recvPool) put(e *rp.Element) {
	if e == nil {
		return
	}
	e.Data.(*segmentPayload).Reset()
	p.pool.ReturnElement(e)
	p.release()
}

func (p *recvPool) release() {
	p.mu.Lock()
	p.outstanding--
	p.mu.Unlock()
}

// inUse 当前借出数量
func (p *recvPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
