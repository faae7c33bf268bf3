package gtimer

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/godyy/glog"
	"github.com/godyy/gtimer/internal/mpsc"
	pkgerrors "github.com/pkg/errors"
)

const (
	// defaultTickDuration 默认 tick 时长.
	defaultTickDuration = 100 * time.Millisecond

	// defaultTicksPerWheel 默认刻度数量.
	defaultTicksPerWheel = 512

	// maxTicksPerWheel 刻度数量上限.
	maxTicksPerWheel = 1 << 30

	// maxTickDurationMs 单个 tick 的毫秒数上限, 保证可安全换算为 32 位毫秒睡眠.
	maxTickDurationMs = math.MaxInt32

	// instanceCountLimit 进程内实例数量警戒线, 超过后输出一次告警.
	instanceCountLimit = 64

	// workerJoinTimeout Stop 等待工作协程退出的时长上限.
	workerJoinTimeout = 100 * time.Millisecond
)

var (
	// instanceCounter 进程内 HashedWheelTimer 实例计数.
	instanceCounter int64

	// instanceCountWarned 实例超限告警是否已输出.
	instanceCountWarned int32
)

// HashedWheelTimerConfig HashedWheelTimer 配置.
type HashedWheelTimerConfig struct {
	// TickDuration 指定单个 tick 的时长, 即定时精度. 默认 100ms.
	TickDuration time.Duration

	// TicksPerWheel 指定轮上的刻度数量, 会向上规整为 2 的幂.
	// 取值范围 [1, 2^30]. 默认 512.
	TicksPerWheel int

	// MaxPendingTimeouts 指定未决定时任务数量上限, 超限的提交会被拒绝.
	// <= 0 表示不限制. 默认不限制.
	MaxPendingTimeouts int64
}

func (c *HashedWheelTimerConfig) init() error {
	if c == nil {
		return errors.New("HashedWheelTimerConfig nil")
	}

	if c.TickDuration == 0 {
		c.TickDuration = defaultTickDuration
	}
	if c.TickDuration < 0 {
		return errors.New("HashedWheelTimerConfig.TickDuration must > 0")
	}
	if ceilMs(c.TickDuration) > maxTickDurationMs*time.Millisecond {
		return fmt.Errorf("HashedWheelTimerConfig.TickDuration must <= %d ms", int64(maxTickDurationMs))
	}

	if c.TicksPerWheel == 0 {
		c.TicksPerWheel = defaultTicksPerWheel
	}
	if c.TicksPerWheel < 0 || c.TicksPerWheel > maxTicksPerWheel {
		return fmt.Errorf("HashedWheelTimerConfig.TicksPerWheel must in [1, %d]", maxTicksPerWheel)
	}

	return nil
}

// HashedWheelTimer 散列时间轮定时器. 以单个推进游标和可配置的 tick 精度换取
// 海量一次性定时任务的近似 O(1) 提交与取消. 任务在专属的工作协程上触发.
type HashedWheelTimer struct {
	cfg    *HashedWheelTimerConfig
	logger glog.Logger

	wheel        []*wheelBucket // 槽位数组, 长度为 2 的幂.
	mask         int64          // len(wheel) - 1.
	tickDuration time.Duration

	timeouts          *mpsc.Queue[*hashedWheelTimeout] // 待转移的新提交.
	cancelledTimeouts *mpsc.Queue[*hashedWheelTimeout] // 待摘链的已取消记录.

	workerState int32     // 工作协程状态.
	startTime   time.Time // 启动时刻, 工作协程写入一次, chStarted 关闭后可读.
	workerGoId  uint64    // 工作协程ID.

	chStarted    chan struct{} // 启动时刻已发布.
	chShutdown   chan struct{} // 停止信号.
	chWorkerDone chan struct{} // 工作协程已退出.

	unprocessed atomic.Value // []Timeout, 工作协程在退出前写入.

	instanceReleased int32 // 实例计数是否已归还.

	stats timerStats
}

var _ Timer = (*HashedWheelTimer)(nil)

// CreateHashedWheelTimer 构造 HashedWheelTimer.
func CreateHashedWheelTimer(cfg *HashedWheelTimerConfig, options ...Option) (*HashedWheelTimer, error) {
	if err := cfg.init(); err != nil {
		return nil, err
	}

	wheelLen := normalizeTicksPerWheel(cfg.TicksPerWheel)
	if cfg.TickDuration > time.Duration(math.MaxInt64/int64(wheelLen)) {
		return nil, fmt.Errorf("HashedWheelTimerConfig.TickDuration %s overflows with %d ticks per wheel", cfg.TickDuration, wheelLen)
	}

	wheel := make([]*wheelBucket, wheelLen)
	for i := range wheel {
		wheel[i] = &wheelBucket{}
	}

	t := &HashedWheelTimer{
		cfg:               cfg,
		wheel:             wheel,
		mask:              int64(wheelLen - 1),
		tickDuration:      cfg.TickDuration,
		timeouts:          mpsc.New[*hashedWheelTimeout](),
		cancelledTimeouts: mpsc.New[*hashedWheelTimeout](),
		workerState:       workerStateInit,
		chStarted:         make(chan struct{}),
		chShutdown:        make(chan struct{}),
		chWorkerDone:      make(chan struct{}),
	}

	var opts optionSet
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger != nil {
		t.logger = opts.logger
	} else {
		t.logger = createStdLogger(glog.WarnLevel)
	}

	count := atomic.AddInt64(&instanceCounter, 1)
	if count > instanceCountLimit && atomic.CompareAndSwapInt32(&instanceCountWarned, 0, 1) {
		t.logger.WarnFields("too many HashedWheelTimer instances, timers are designed to be shared", lfdInstanceCount(count))
	}
	runtime.SetFinalizer(t, (*HashedWheelTimer).finalize)

	return t, nil
}

// normalizeTicksPerWheel 将刻度数量向上规整为 2 的幂.
func normalizeTicksPerWheel(ticksPerWheel int) int {
	if ticksPerWheel <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(ticksPerWheel-1))
}

// Start 启动定时器. 幂等. 阻塞直到工作协程发布启动时刻.
func (t *HashedWheelTimer) Start() error {
	switch atomic.LoadInt32(&t.workerState) {
	case workerStateInit:
		if atomic.CompareAndSwapInt32(&t.workerState, workerStateInit, workerStateStarted) {
			go t.runWorker()
		} else if atomic.LoadInt32(&t.workerState) == workerStateShutdown {
			// 与 Stop 竞争失败, 工作协程从未启动.
			return ErrTimerStopped
		}
	case workerStateStarted:
	case workerStateShutdown:
		return ErrTimerStopped
	}

	// 等待启动时刻发布.
	<-t.chStarted
	return nil
}

// NewTimeout 提交定时任务. 除首次调用隐式启动时等待工作协程发布启动时刻外,
// 不阻塞, 不自旋. 记录先进入提交队列,
// 由工作协程在下一个 tick 散列入桶.
func (t *HashedWheelTimer) NewTimeout(task TimeoutTask, delay time.Duration) (Timeout, error) {
	if task == nil {
		return nil, errors.New("task nil")
	}

	pending := t.stats.addPending(1)
	if limit := t.cfg.MaxPendingTimeouts; limit > 0 && pending > limit {
		t.stats.addPending(-1)
		return nil, pkgerrors.WithMessagef(ErrTooManyPendingTimeouts, "pending timeouts %d, max %d", pending, limit)
	}

	if err := t.Start(); err != nil {
		t.stats.addPending(-1)
		return nil, err
	}

	deadline := time.Since(t.startTime) + delay
	if delay > 0 && deadline < 0 {
		// delay 过大导致溢出.
		deadline = math.MaxInt64
	} else {
		deadline = ceilMs(deadline)
	}

	to := &hashedWheelTimeout{
		timer:    t,
		task:     task,
		deadline: deadline,
		state:    timeoutStateInit,
	}
	t.timeouts.Enqueue(to)
	return to, nil
}

// Stop 停止定时器, 返回未处理的定时任务集合. 等待工作协程退出至多
// workerJoinTimeout, 避免被执行中的慢任务长时间挂住.
func (t *HashedWheelTimer) Stop() ([]Timeout, error) {
	if curGoroutineId() == atomic.LoadUint64(&t.workerGoId) {
		return nil, ErrStopFromWorkerTask
	}

	if !atomic.CompareAndSwapInt32(&t.workerState, workerStateStarted, workerStateShutdown) {
		// 未启动或已停止. 确保状态落在 shutdown 上, 实例计数只归还一次.
		if atomic.SwapInt32(&t.workerState, workerStateShutdown) != workerStateShutdown {
			t.releaseInstance()
		}
		return nil, nil
	}

	close(t.chShutdown)
	select {
	case <-t.chWorkerDone:
	case <-time.After(workerJoinTimeout):
	}

	t.releaseInstance()

	unprocessed, _ := t.unprocessed.Load().([]Timeout)
	return unprocessed, nil
}

// Stats 计数快照.
func (t *HashedWheelTimer) Stats() Stats {
	return t.stats.snapshot()
}

// PendingTimeouts 未决定时任务数量.
func (t *HashedWheelTimer) PendingTimeouts() int64 {
	return atomic.LoadInt64(&t.stats.pending)
}

// releaseInstance 归还实例计数. 至多一次.
func (t *HashedWheelTimer) releaseInstance() {
	if !atomic.CompareAndSwapInt32(&t.instanceReleased, 0, 1) {
		return
	}
	atomic.AddInt64(&instanceCounter, -1)
}

// finalize 实例未经 Stop 即被回收时归还实例计数.
func (t *HashedWheelTimer) finalize() {
	t.releaseInstance()
}
