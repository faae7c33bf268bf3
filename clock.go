package gtimer

import (
	"time"
)

// ceilMs 将 d 向上取整到毫秒边界. 负值取整为 0.
func ceilMs(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}

// ceilDiv a/b 向上取整. 要求 b > 0.
func ceilDiv(a, b time.Duration) int64 {
	if a <= 0 {
		return 0
	}
	q := int64(a / b)
	if a%b != 0 {
		q++
	}
	return q
}

// sleepTimer 可取消的单调睡眠. 供工作协程在两次 tick 之间等待,
// cancel 信号到达时提前返回.
type sleepTimer struct {
	timer *time.Timer
}

func newSleepTimer() *sleepTimer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &sleepTimer{timer: t}
}

// sleep 睡眠 d. 时间到返回 true, cancel 信号触发返回 false.
func (s *sleepTimer) sleep(d time.Duration, cancel <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	s.timer.Reset(d)
	select {
	case <-s.timer.C:
		return true
	case <-cancel:
		if !s.timer.Stop() {
			select {
			case <-s.timer.C:
			default:
			}
		}
		return false
	}
}
