// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义 (以段为单位的窗口)
// =============================================================================
package congestion

// Stats 拥塞控制统计
type Stats struct {
	CongestionWindow int    `json:"cwnd"`
	SlowStartThresh  int    `json:"ssthresh"`
	MinWindow        int    `json:"min_window"`
	MaxWindow        int    `json:"max_window"`
	Reductions       uint64 `json:"reductions"`
	Timeouts         uint64 `json:"timeouts"`
	InRecovery       bool   `json:"in_recovery"`
}
