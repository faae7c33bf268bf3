package gtimer

import (
	"sync/atomic"
)

// Stats 定时器计数快照. 适合接入 Prometheus 等监控场景.
type Stats struct {
	// PendingTimeouts 已提交且尚未终结（触发/取消移除/停止回收）的任务数.
	PendingTimeouts int64

	// ExpiredTimeouts 已触发的任务累计值.
	ExpiredTimeouts uint64

	// CancelledTimeouts 取消成功的任务累计值.
	CancelledTimeouts uint64

	// Ticks 工作协程已推进的 tick 累计值.
	Ticks uint64

	// UnprocessedTimeouts 最近一次 Stop 回收的未处理任务数.
	UnprocessedTimeouts int64
}

// StatsSource 可导出计数快照的定时器.
type StatsSource interface {
	Stats() Stats
}

// timerStats 计数器集合.
type timerStats struct {
	pending     int64  // 未决任务数.
	expired     uint64 // 已触发累计.
	cancelled   uint64 // 取消成功累计.
	ticks       uint64 // tick 累计.
	unprocessed int64  // 最近一次 Stop 回收数.
}

// addPending 调整未决任务数, 返回新值.
func (s *timerStats) addPending(delta int64) int64 {
	return atomic.AddInt64(&s.pending, delta)
}

func (s *timerStats) recordExpired() {
	atomic.AddUint64(&s.expired, 1)
}

func (s *timerStats) recordCancelled() {
	atomic.AddUint64(&s.cancelled, 1)
}

func (s *timerStats) recordTick() {
	atomic.AddUint64(&s.ticks, 1)
}

func (s *timerStats) setUnprocessed(count int64) {
	atomic.StoreInt64(&s.unprocessed, count)
}

// snapshot 获取当前计数快照.
func (s *timerStats) snapshot() Stats {
	return Stats{
		PendingTimeouts:     atomic.LoadInt64(&s.pending),
		ExpiredTimeouts:     atomic.LoadUint64(&s.expired),
		CancelledTimeouts:   atomic.LoadUint64(&s.cancelled),
		Ticks:               atomic.LoadUint64(&s.ticks),
		UnprocessedTimeouts: atomic.LoadInt64(&s.unprocessed),
	}
}
