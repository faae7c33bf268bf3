package gtimer

import (
	"errors"
)

// ErrTimerStopped 定时器已停止.
var ErrTimerStopped = errors.New("timer stopped")

// ErrStopFromWorkerTask 在定时任务内部调用 Stop.
var ErrStopFromWorkerTask = errors.New("stop called from timeout task")

// ErrTooManyPendingTimeouts 未决定时任务数量超限.
var ErrTooManyPendingTimeouts = errors.New("too many pending timeouts")
