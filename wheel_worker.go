package gtimer

import (
	"sync/atomic"
	"time"
)

// maxTimeoutTransfersPerTick 单个 tick 内转移提交的数量上限,
// 防止高频提交方饿死 tick 推进.
const maxTimeoutTransfersPerTick = 100000

// wheelWorker 时间轮工作协程. 独占游标、槽位链表与启动时刻.
type wheelWorker struct {
	t       *HashedWheelTimer
	tick    int64 // 游标, 自启动以来的绝对 tick.
	sleeper *sleepTimer
}

// runWorker 工作协程入口.
func (t *HashedWheelTimer) runWorker() {
	w := &wheelWorker{
		t:       t,
		sleeper: newSleepTimer(),
	}
	w.run()
}

func (w *wheelWorker) run() {
	t := w.t

	atomic.StoreUint64(&t.workerGoId, curGoroutineId())

	// 发布启动时刻并释放阻塞在 Start 中的协程.
	t.startTime = time.Now()
	close(t.chStarted)

	defer close(t.chWorkerDone)
	defer w.collectUnprocessedTimeouts()

	w.loop()
}

// loop 推进时间轮, 直到收到停止信号. 任务触发与取消处理各自捕获 panic,
// 此处的 recover 仅兜底其余位置的逻辑错误: 记录日志并终止工作协程.
func (w *wheelWorker) loop() {
	t := w.t

	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorFields("worker aborted", lfdTick(w.tick), lfdPanic(r))
		}
	}()

	for atomic.LoadInt32(&t.workerState) == workerStateStarted {
		deadline, ok := w.waitForNextTick()
		if !ok {
			// 停止信号.
			return
		}
		w.processCancelledTimeouts()
		w.transferTimeoutsToBuckets()
		t.wheel[w.tick&t.mask].expireTimeouts(deadline)
		w.tick++
		t.stats.recordTick()
	}
}

// waitForNextTick 睡到下一个 tick 边界, 返回自启动时刻起的单调耗时.
// 睡眠时长向上取整到毫秒, 保证任务不会早于名义到期时间触发.
// 收到停止信号时返回 ok == false.
func (w *wheelWorker) waitForNextTick() (elapsed time.Duration, ok bool) {
	t := w.t
	target := t.tickDuration * time.Duration(w.tick+1)

	for {
		elapsed = time.Since(t.startTime)
		if elapsed >= target {
			return elapsed, true
		}
		if !w.sleeper.sleep(ceilMs(target-elapsed), t.chShutdown) {
			return 0, false
		}
	}
}

// transferTimeoutsToBuckets 将提交队列中的记录散列入桶. 单次至多转移
// maxTimeoutTransfersPerTick 条.
func (w *wheelWorker) transferTimeoutsToBuckets() {
	t := w.t

	for i := 0; i < maxTimeoutTransfersPerTick; i++ {
		to, ok := t.timeouts.Dequeue()
		if !ok {
			break
		}
		if to.IsCancelled() {
			// 入桶前已被取消, 由取消队列归还计数.
			continue
		}

		calculated := ceilDiv(to.deadline, t.tickDuration)
		to.remainingRounds = (calculated - w.tick) / int64(len(t.wheel))

		// 不调度到已经走过的刻度.
		ticks := calculated
		if ticks < w.tick {
			ticks = w.tick
		}
		t.wheel[ticks&t.mask].addTimeout(to)
	}
}

// processCancelledTimeouts 清空取消队列, 将记录从所在桶摘除.
func (w *wheelWorker) processCancelledTimeouts() {
	t := w.t

	for {
		to, ok := t.cancelledTimeouts.Dequeue()
		if !ok {
			return
		}
		w.removeCancelledTimeout(to)
	}
}

func (w *wheelWorker) removeCancelledTimeout(to *hashedWheelTimeout) {
	defer func() {
		if r := recover(); r != nil {
			w.t.logger.WarnFields("process cancelled timeout panic", lfdPanic(r))
		}
	}()
	to.remove()
}

// collectUnprocessedTimeouts 停止时回收未处理的定时任务: 先清空所有槽位,
// 再清空提交队列, 最后清一次取消队列.
func (w *wheelWorker) collectUnprocessedTimeouts() {
	t := w.t

	unprocessed := make([]Timeout, 0)
	for _, bucket := range t.wheel {
		bucket.clearTimeouts(&unprocessed)
	}
	for {
		to, ok := t.timeouts.Dequeue()
		if !ok {
			break
		}
		if to.IsCancelled() {
			continue
		}
		to.release()
		unprocessed = append(unprocessed, to)
	}
	w.processCancelledTimeouts()

	t.stats.setUnprocessed(int64(len(unprocessed)))
	t.unprocessed.Store(unprocessed)

	t.logger.DebugFields("worker stopped", lfdTick(w.tick), lfdUnprocessed(len(unprocessed)))
}
