// =============================================================================
// 文件: internal/transport/ardp_timer.go
// 描述: ARDP 连接定时器 - 由 CheckTimers 统一驱动，不持有 goroutine
// =============================================================================
package transport

import "time"

type timer struct {
	when   time.Time
	active bool
	retry  int
}

func (t *timer) start(now time.Time, d time.Duration) {
	t.when = now.Add(d)
	t.active = true
}

func (t *timer) stop() {
	t.active = false
	t.retry = 0
}

func (t *timer) due(now time.Time) bool {
	return t.active && !now.Before(t.when)
}

// nearest 返回 cur 与该定时器剩余时间中的较小者
func (t *timer) nearest(now time.Time, cur time.Duration) time.Duration {
	if !t.active {
		return cur
	}
	d := t.when.Sub(now)
	if d < 0 {
		d = 0
	}
	if d < cur {
		return d
	}
	return cur
}
