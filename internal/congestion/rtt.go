// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与重传超时估算 (RFC 6298)
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	rttAlpha      = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta       = 0.25  // RTT 方差因子 (1/4)
	rttSampleSize = 32    // 最小 RTT 采样窗口
)

// RTTEstimator RTT 估算器
type RTTEstimator struct {
	smoothedRTT time.Duration // SRTT
	rttVariance time.Duration // RTTVAR
	minRTT      time.Duration
	latestRTT   time.Duration
	maxRTT      time.Duration

	initialRTO time.Duration // 未采样前使用
	minRTO     time.Duration
	maxRTO     time.Duration

	// 最近采样，用于滑动最小值
	samples   [rttSampleSize]time.Duration
	sampleIdx int
	sampleCnt int

	totalSamples uint64
	initialized  bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器
func NewRTTEstimator(initialRTO, minRTO, maxRTO time.Duration) *RTTEstimator {
	if minRTO <= 0 {
		minRTO = time.Millisecond
	}
	if maxRTO < minRTO {
		maxRTO = minRTO
	}
	return &RTTEstimator{
		initialRTO: initialRTO,
		minRTO:     minRTO,
		maxRTO:     maxRTO,
	}
}

// Update 用一次往返采样更新估算值
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		sample = time.Microsecond
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++

	r.samples[r.sampleIdx] = sample
	r.sampleIdx = (r.sampleIdx + 1) % rttSampleSize
	if r.sampleCnt < rttSampleSize {
		r.sampleCnt++
	}
	r.minRTT = sample
	for i := 0; i < r.sampleCnt; i++ {
		if r.samples[i] < r.minRTT {
			r.minRTT = r.samples[i]
		}
	}

	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// GetRTO 计算重传超时 RTO = SRTT + max(G, 4*RTTVAR)
func (r *RTTEstimator) GetRTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return r.clamp(r.initialRTO)
	}
	rto := r.smoothedRTT + 4*r.rttVariance
	if rto < r.smoothedRTT+time.Millisecond {
		rto = r.smoothedRTT + time.Millisecond
	}
	return r.clamp(rto)
}

func (r *RTTEstimator) clamp(d time.Duration) time.Duration {
	if d < r.minRTO {
		return r.minRTO
	}
	if d > r.maxRTO {
		return r.maxRTO
	}
	return d
}

// GetSmoothedRTT 获取平滑 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// GetMinRTT 获取最近窗口内最小 RTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRTT
}

// GetLatestRTT 获取最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// GetRTTVariance 获取 RTT 方差
func (r *RTTEstimator) GetRTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rttVariance
}

// IsInitialized 是否已有采样
func (r *RTTEstimator) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Reset 重置
func (r *RTTEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.smoothedRTT = 0
	r.rttVariance = 0
	r.minRTT = 0
	r.latestRTT = 0
	r.maxRTT = 0
	r.sampleIdx = 0
	r.sampleCnt = 0
	r.totalSamples = 0
	r.initialized = false
}

// GetStats 获取统计信息
func (r *RTTEstimator) GetStats() map[string]interface{} {
	rto := r.GetRTO()

	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"srtt_ms":       r.smoothedRTT.Milliseconds(),
		"min_rtt_ms":    r.minRTT.Milliseconds(),
		"latest_rtt_ms": r.latestRTT.Milliseconds(),
		"max_rtt_ms":    r.maxRTT.Milliseconds(),
		"rtt_var_ms":    r.rttVariance.Milliseconds(),
		"rto_ms":        rto.Milliseconds(),
		"total_samples": r.totalSamples,
		"initialized":   r.initialized,
	}
}
