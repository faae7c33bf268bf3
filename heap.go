package gtimer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godyy/glog"
	"github.com/godyy/gutils/container/heap"
)

// heapTimeout TimerHeap 定时任务记录, 同时作为返回给调用方的句柄.
type heapTimeout struct {
	timer     *TimerHeap  // 所属定时器.
	task      TimeoutTask // 定时任务.
	seq       uint64      // 提交序号, 到期时间相同时保序.
	expireAt  int64       // 到期时间.
	heapIndex int         // 堆索引.
	state     int32       // 状态, CAS 单调迁移.
	released  int32       // 未决计数是否已归还.
}

var _ Timeout = (*heapTimeout)(nil)

func (to *heapTimeout) HeapLess(other *heapTimeout) bool {
	if n := to.expireAt - other.expireAt; n == 0 {
		return to.seq < other.seq
	} else {
		return n < 0
	}
}

func (to *heapTimeout) HeapIndex() int {
	return to.heapIndex
}

func (to *heapTimeout) SetHeapIndex(index int) {
	to.heapIndex = index
}

// Timer 所属定时器.
func (to *heapTimeout) Timer() Timer {
	return to.timer
}

// Task 关联的定时任务.
func (to *heapTimeout) Task() TimeoutTask {
	return to.task
}

// IsExpired 是否已触发.
func (to *heapTimeout) IsExpired() bool {
	return atomic.LoadInt32(&to.state) == timeoutStateExpired
}

// IsCancelled 是否已取消.
func (to *heapTimeout) IsCancelled() bool {
	return atomic.LoadInt32(&to.state) == timeoutStateCancelled
}

// Cancel 取消定时任务. 与时间轮不同, 记录直接从堆中移除, 无需等待 tick.
func (to *heapTimeout) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&to.state, timeoutStateInit, timeoutStateCancelled) {
		return false
	}
	to.timer.stats.recordCancelled()
	to.timer.removeTimeout(to)
	to.release()
	return true
}

// expire 触发定时任务. 仅工作协程调用.
func (to *heapTimeout) expire() {
	if !atomic.CompareAndSwapInt32(&to.state, timeoutStateInit, timeoutStateExpired) {
		return
	}
	to.timer.stats.recordExpired()
	to.release()

	defer func() {
		if r := recover(); r != nil {
			to.timer.logger.WarnFields("timeout task panic", lfdPanic(r))
		}
	}()
	to.task(to)
}

// release 归还未决计数. 每条记录至多归还一次.
func (to *heapTimeout) release() {
	if !atomic.CompareAndSwapInt32(&to.released, 0, 1) {
		return
	}
	to.timer.stats.addPending(-1)
}

// TimerHeap 最小堆定时器. 与 HashedWheelTimer 实现相同的 Timer 接口,
// 以 O(logN) 的提交/取消换取精确的到期触发, 适合定时任务较少的场景.
type TimerHeap struct {
	logger glog.Logger

	mtx      sync.Mutex               // 互斥锁.
	sysTimer *time.Timer              // 系统定时器.
	heap     *heap.Heap[*heapTimeout] // 定时任务最小堆.
	seqGen   uint64                   // 提交序号生成.

	state      int32         // 工作协程状态.
	workerGoId uint64        // 工作协程ID.
	chShutdown chan struct{} // 停止信号.

	stats timerStats
}

var _ Timer = (*TimerHeap)(nil)

// NewTimerHeap 构造 TimerHeap.
func NewTimerHeap(options ...Option) *TimerHeap {
	th := &TimerHeap{
		sysTimer:   time.NewTimer(time.Hour),
		heap:       heap.NewHeap[*heapTimeout](),
		state:      workerStateInit,
		chShutdown: make(chan struct{}),
	}
	th.stopSysTimer()

	var opts optionSet
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger != nil {
		th.logger = opts.logger
	} else {
		th.logger = createStdLogger(glog.WarnLevel)
	}

	return th
}

// Start 启动定时器. 幂等.
func (th *TimerHeap) Start() error {
	switch atomic.LoadInt32(&th.state) {
	case workerStateInit:
		if atomic.CompareAndSwapInt32(&th.state, workerStateInit, workerStateStarted) {
			go th.loop()
		} else if atomic.LoadInt32(&th.state) == workerStateShutdown {
			return ErrTimerStopped
		}
	case workerStateStarted:
	case workerStateShutdown:
		return ErrTimerStopped
	}
	return nil
}

// NewTimeout 提交定时任务, delay 后触发一次.
func (th *TimerHeap) NewTimeout(task TimeoutTask, delay time.Duration) (Timeout, error) {
	if task == nil {
		return nil, errors.New("task nil")
	}

	if err := th.Start(); err != nil {
		return nil, err
	}

	to := &heapTimeout{
		timer:     th,
		task:      task,
		seq:       atomic.AddUint64(&th.seqGen, 1),
		expireAt:  time.Now().Add(delay).UnixNano(),
		heapIndex: -1,
		state:     timeoutStateInit,
	}

	th.mtx.Lock()
	defer th.mtx.Unlock()

	if atomic.LoadInt32(&th.state) == workerStateShutdown {
		return nil, ErrTimerStopped
	}

	th.stats.addPending(1)
	th.heap.Push(to)
	if to == th.heap.Top() {
		th.resetSysTimer(to.expireAt)
	}

	return to, nil
}

// Stop 停止定时器, 返回尚未触发且未取消的定时任务集合.
func (th *TimerHeap) Stop() ([]Timeout, error) {
	if curGoroutineId() == atomic.LoadUint64(&th.workerGoId) {
		return nil, ErrStopFromWorkerTask
	}

	if !atomic.CompareAndSwapInt32(&th.state, workerStateStarted, workerStateShutdown) {
		atomic.StoreInt32(&th.state, workerStateShutdown)
		return nil, nil
	}

	close(th.chShutdown)

	th.mtx.Lock()
	defer th.mtx.Unlock()

	th.stopSysTimer()

	unprocessed := make([]Timeout, 0, th.heap.Len())
	for th.heap.Len() > 0 {
		to := th.heap.Top()
		th.heap.Remove(to.heapIndex)
		if atomic.LoadInt32(&to.state) != timeoutStateInit {
			continue
		}
		to.release()
		unprocessed = append(unprocessed, to)
	}
	th.stats.setUnprocessed(int64(len(unprocessed)))

	return unprocessed, nil
}

// Stats 计数快照.
func (th *TimerHeap) Stats() Stats {
	return th.stats.snapshot()
}

// removeTimeout 将记录从堆中移除并更新系统定时器.
func (th *TimerHeap) removeTimeout(to *heapTimeout) {
	th.mtx.Lock()
	defer th.mtx.Unlock()

	if atomic.LoadInt32(&th.state) == workerStateShutdown {
		return
	}
	if to.heapIndex < 0 {
		// 已被工作协程弹出.
		return
	}

	top := to == th.heap.Top()
	th.heap.Remove(to.heapIndex)
	to.heapIndex = -1

	if top {
		if th.heap.Len() == 0 {
			th.stopSysTimer()
		} else {
			th.resetSysTimer(th.heap.Top().expireAt)
		}
	}
}

// resetSysTimer 重置系统定时器.
func (th *TimerHeap) resetSysTimer(expireAt int64) {
	th.stopSysTimer()
	th.sysTimer.Reset(time.Duration(expireAt - time.Now().UnixNano()))
}

// stopSysTimer 停止系统定时器.
func (th *TimerHeap) stopSysTimer() {
	if !th.sysTimer.Stop() {
		select {
		case <-th.sysTimer.C:
		default:
		}
	}
}

// update 触发所有已到期的定时任务.
func (th *TimerHeap) update() {
	for {
		now := time.Now().UnixNano()

		th.mtx.Lock()
		if atomic.LoadInt32(&th.state) == workerStateShutdown {
			th.mtx.Unlock()
			return
		}
		if th.heap.Len() == 0 {
			th.mtx.Unlock()
			return
		}
		to := th.heap.Top()
		if to.expireAt > now {
			th.resetSysTimer(to.expireAt)
			th.mtx.Unlock()
			return
		}
		th.heap.Remove(to.heapIndex)
		to.heapIndex = -1
		th.mtx.Unlock()

		to.expire()
	}
}

// loop 工作协程主循环.
func (th *TimerHeap) loop() {
	atomic.StoreUint64(&th.workerGoId, curGoroutineId())
	for {
		select {
		case <-th.sysTimer.C:
			th.update()
		case <-th.chShutdown:
			return
		}
	}
}
