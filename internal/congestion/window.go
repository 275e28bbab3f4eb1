// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 以段为单位的 AIMD 拥塞窗口 (慢启动 + 线性增长 + 乘性减)
// =============================================================================
package congestion

import "sync"

// AIMDWindow 简单的加性增乘性减窗口
type AIMDWindow struct {
	cwnd     float64
	ssthresh float64
	initial  int
	min      int
	max      int

	inRecovery bool
	recoverSeq uint32 // 进入恢复时已发送的最高序列号

	reductions uint64
	timeouts   uint64

	mu sync.RWMutex
}

// NewAIMDWindow 创建窗口，max 通常为对端接收窗口
func NewAIMDWindow(initial, min, max int) *AIMDWindow {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &AIMDWindow{
		cwnd:     float64(initial),
		ssthresh: float64(max),
		initial:  initial,
		min:      min,
		max:      max,
	}
}

// Window 当前窗口 (段)
func (w *AIMDWindow) Window() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return int(w.cwnd)
}

// OnAcked 累积确认推进了 segments 个段
func (w *AIMDWindow) OnAcked(ack uint32, segments int) {
	if segments <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inRecovery {
		if int32(ack-w.recoverSeq) < 0 {
			return
		}
		w.inRecovery = false
	}

	for i := 0; i < segments; i++ {
		if w.cwnd < w.ssthresh {
			w.cwnd++
		} else {
			w.cwnd += 1 / w.cwnd
		}
	}
	if w.cwnd > float64(w.max) {
		w.cwnd = float64(w.max)
	}
}

// OnFastRetransmit 快速重传视为一次丢包，每个恢复期只减一次
func (w *AIMDWindow) OnFastRetransmit(highSent uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inRecovery {
		return
	}
	w.inRecovery = true
	w.recoverSeq = highSent
	w.reductions++

	w.ssthresh = w.cwnd / 2
	if w.ssthresh < float64(w.min) {
		w.ssthresh = float64(w.min)
	}
	w.cwnd = w.ssthresh
}

// OnTimeout 重传超时，窗口回到最小值
func (w *AIMDWindow) OnTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timeouts++
	w.ssthresh = w.cwnd / 2
	if w.ssthresh < float64(w.min) {
		w.ssthresh = float64(w.min)
	}
	w.cwnd = float64(w.min)
	w.inRecovery = false
}

// GetStats 获取统计
func (w *AIMDWindow) GetStats() *Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &Stats{
		CongestionWindow: int(w.cwnd),
		SlowStartThresh:  int(w.ssthresh),
		MinWindow:        w.min,
		MaxWindow:        w.max,
		Reductions:       w.reductions,
		Timeouts:         w.timeouts,
		InRecovery:       w.inRecovery,
	}
}

// Reset 重置
func (w *AIMDWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cwnd = float64(w.initial)
	w.ssthresh = float64(w.max)
	w.inRecovery = false
	w.reductions = 0
	w.timeouts = 0
}
