package gtimer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHashedWheelTimerConfig(t *testing.T) {
	if _, err := CreateHashedWheelTimer(nil); err == nil {
		t.Fatal("nil config should be rejected")
	}
	if _, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{TickDuration: -time.Second}); err == nil {
		t.Fatal("negative TickDuration should be rejected")
	}
	if _, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{TicksPerWheel: -1}); err == nil {
		t.Fatal("negative TicksPerWheel should be rejected")
	}
	if _, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{TicksPerWheel: maxTicksPerWheel + 1}); err == nil {
		t.Fatal("oversized TicksPerWheel should be rejected")
	}
	if _, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{
		TickDuration:  10 * time.Second,
		TicksPerWheel: maxTicksPerWheel,
	}); err == nil {
		t.Fatal("tickDuration * wheelLength overflow should be rejected")
	}

	// 默认值.
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{})
	if tm.tickDuration != defaultTickDuration {
		t.Fatalf("default tick = %s, want %s", tm.tickDuration, defaultTickDuration)
	}
	if len(tm.wheel) != defaultTicksPerWheel {
		t.Fatalf("default wheel length = %d, want %d", len(tm.wheel), defaultTicksPerWheel)
	}
}

func TestNormalizeTicksPerWheel(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 1},
		{2, 2},
		{3, 4},
		{5, 8},
		{512, 512},
		{513, 1024},
	}
	for _, c := range cases {
		if got := normalizeTicksPerWheel(c.in); got != c.want {
			t.Errorf("normalizeTicksPerWheel(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNewTimeoutNilTask(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{})
	if _, err := tm.NewTimeout(nil, time.Second); err == nil {
		t.Fatal("nil task should be rejected")
	}
}

func TestStartIdempotent(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{TickDuration: 50 * time.Millisecond, TicksPerWheel: 8})
	if err := tm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if tm.startTime.IsZero() {
		t.Fatal("start should block until start time is published")
	}
	if err := tm.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

// 场景 A: 单个定时任务不早于名义到期时间触发. 250ms 的任务落在 tick 3,
// 约在 400ms 的 tick 边界触发.
func TestSingleTimeoutFires(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  100 * time.Millisecond,
		TicksPerWheel: 8,
	})

	begin := time.Now()
	fired := make(chan time.Duration, 1)
	to, err := tm.NewTimeout(func(Timeout) {
		fired <- time.Since(begin)
	}, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("new timeout: %v", err)
	}

	select {
	case elapsed := <-fired:
		// 提交时取整到毫秒, 触发不早于名义到期时间.
		if elapsed < 250*time.Millisecond {
			t.Fatalf("fired early: %s", elapsed)
		}
		if elapsed > 900*time.Millisecond {
			t.Fatalf("fired too late: %s", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	if !to.IsExpired() {
		t.Fatal("IsExpired should be true")
	}
	if to.IsCancelled() {
		t.Fatal("IsCancelled should be false")
	}
}

// 场景 B: 触发前取消.
func TestCancelBeforeFire(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  100 * time.Millisecond,
		TicksPerWheel: 8,
	})

	var fired int32
	to, err := tm.NewTimeout(func(Timeout) {
		atomic.AddInt32(&fired, 1)
	}, time.Second)
	if err != nil {
		t.Fatalf("new timeout: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if !to.Cancel() {
		t.Fatal("cancel should succeed")
	}
	if to.Cancel() {
		t.Fatal("second cancel should fail")
	}

	time.Sleep(1200 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled task must never run")
	}
	if pending := tm.PendingTimeouts(); pending != 0 {
		t.Fatalf("pending = %d after cancellation drain, want 0", pending)
	}
}

// 场景 C: 跨轮任务, 轮数递减后在正确的时间窗口触发.
func TestWrapAroundRounds(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  100 * time.Millisecond,
		TicksPerWheel: 4,
	})

	begin := time.Now()
	fired := make(chan time.Duration, 1)
	if _, err := tm.NewTimeout(func(Timeout) {
		fired <- time.Since(begin)
	}, 1200*time.Millisecond); err != nil {
		t.Fatalf("new timeout: %v", err)
	}

	select {
	case elapsed := <-fired:
		if elapsed < 1200*time.Millisecond {
			t.Fatalf("fired early: %s", elapsed)
		}
		if elapsed > 2*time.Second {
			t.Fatalf("fired too late: %s", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout never fired")
	}
}

// 场景 D: 未决数量超限拒绝, 计数不泄漏.
func TestMaxPendingTimeouts(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:       50 * time.Millisecond,
		TicksPerWheel:      8,
		MaxPendingTimeouts: 2,
	})

	to1, err := tm.NewTimeout(func(Timeout) {}, time.Hour)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err = tm.NewTimeout(func(Timeout) {}, time.Hour); err != nil {
		t.Fatalf("second: %v", err)
	}

	_, err = tm.NewTimeout(func(Timeout) {}, time.Hour)
	if !errors.Is(err, ErrTooManyPendingTimeouts) {
		t.Fatalf("third should be rejected, got %v", err)
	}
	if pending := tm.PendingTimeouts(); pending != 2 {
		t.Fatalf("pending = %d after rejection, want 2", pending)
	}

	// 取消一个, 等待工作协程摘链后可再次提交.
	if !to1.Cancel() {
		t.Fatal("cancel should succeed")
	}
	time.Sleep(300 * time.Millisecond)
	if _, err = tm.NewTimeout(func(Timeout) {}, time.Hour); err != nil {
		t.Fatalf("submission after cancel should succeed: %v", err)
	}
}

// 场景 E: 停止时回收未处理任务.
func TestStopCollectsUnprocessed(t *testing.T) {
	tm, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{
		TickDuration:  100 * time.Millisecond,
		TicksPerWheel: 8,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var fired int32
	for i := 0; i < 10; i++ {
		if _, err := tm.NewTimeout(func(Timeout) {
			atomic.AddInt32(&fired, 1)
		}, 10*time.Second); err != nil {
			t.Fatalf("new timeout %d: %v", i, err)
		}
	}

	time.Sleep(150 * time.Millisecond)
	unprocessed, err := tm.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(unprocessed) != 10 {
		t.Fatalf("unprocessed = %d, want 10", len(unprocessed))
	}
	for _, to := range unprocessed {
		if to.IsExpired() || to.IsCancelled() {
			t.Fatal("unprocessed timeout should still be in init state")
		}
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("no task should have run")
	}
	if pending := tm.PendingTimeouts(); pending != 0 {
		t.Fatalf("pending = %d after stop, want 0", pending)
	}

	// 再次停止返回空集合.
	again, err := tm.Stop()
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second stop returned %d timeouts", len(again))
	}
}

// 场景 F: 启动完成后提交 delay 0 的任务, 在下一个 tick 边界触发.
func TestZeroDelayFiresOnNextTick(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  100 * time.Millisecond,
		TicksPerWheel: 8,
	})
	if err := tm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	fired := make(chan struct{})
	if _, err := tm.NewTimeout(func(Timeout) {
		close(fired)
	}, 0); err != nil {
		t.Fatalf("new timeout: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero-delay timeout never fired")
	}
}

func TestStopFromWorkerTask(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  50 * time.Millisecond,
		TicksPerWheel: 8,
	})

	errCh := make(chan error, 1)
	if _, err := tm.NewTimeout(func(to Timeout) {
		_, err := to.Timer().Stop()
		errCh <- err
	}, 10*time.Millisecond); err != nil {
		t.Fatalf("new timeout: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopFromWorkerTask) {
			t.Fatalf("got %v, want ErrStopFromWorkerTask", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestTimerStopped(t *testing.T) {
	tm, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{
		TickDuration:  50 * time.Millisecond,
		TicksPerWheel: 8,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tm.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := tm.Start(); !errors.Is(err, ErrTimerStopped) {
		t.Fatalf("start after stop: got %v, want ErrTimerStopped", err)
	}
	if _, err := tm.NewTimeout(func(Timeout) {}, time.Second); !errors.Is(err, ErrTimerStopped) {
		t.Fatalf("new timeout after stop: got %v, want ErrTimerStopped", err)
	}
	if pending := tm.PendingTimeouts(); pending != 0 {
		t.Fatalf("pending = %d after rejected submission, want 0", pending)
	}
}

func TestInstanceCounter(t *testing.T) {
	before := atomic.LoadInt64(&instanceCounter)

	tm, err := CreateHashedWheelTimer(&HashedWheelTimerConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if count := atomic.LoadInt64(&instanceCounter); count != before+1 {
		t.Fatalf("instance count = %d, want %d", count, before+1)
	}

	if _, err := tm.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if count := atomic.LoadInt64(&instanceCounter); count != before {
		t.Fatalf("instance count after stop = %d, want %d", count, before)
	}

	// 重复停止不会重复归还.
	if _, err := tm.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if count := atomic.LoadInt64(&instanceCounter); count != before {
		t.Fatalf("instance count after second stop = %d, want %d", count, before)
	}
}

func TestConcurrentSubmission(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  20 * time.Millisecond,
		TicksPerWheel: 16,
	})

	const (
		producers   = 4
		perProducer = 100
	)

	var fired int32
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				delay := time.Duration(50+i%100) * time.Millisecond
				if _, err := tm.NewTimeout(func(Timeout) {
					atomic.AddInt32(&fired, 1)
				}, delay); err != nil {
					t.Errorf("new timeout: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt32(&fired) < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("fired %d of %d", atomic.LoadInt32(&fired), producers*perProducer)
		case <-time.After(20 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt32(&fired); got != producers*perProducer {
		t.Fatalf("fired %d, want %d", got, producers*perProducer)
	}

	time.Sleep(100 * time.Millisecond)
	if pending := tm.PendingTimeouts(); pending != 0 {
		t.Fatalf("pending = %d after all fired, want 0", pending)
	}

	stats := tm.Stats()
	if stats.ExpiredTimeouts != producers*perProducer {
		t.Fatalf("expired = %d, want %d", stats.ExpiredTimeouts, producers*perProducer)
	}
}

func TestStats(t *testing.T) {
	tm := newTestWheelTimer(t, &HashedWheelTimerConfig{
		TickDuration:  50 * time.Millisecond,
		TicksPerWheel: 8,
	})

	fired := make(chan struct{})
	if _, err := tm.NewTimeout(func(Timeout) { close(fired) }, 60*time.Millisecond); err != nil {
		t.Fatalf("new timeout: %v", err)
	}
	to, err := tm.NewTimeout(func(Timeout) {}, time.Hour)
	if err != nil {
		t.Fatalf("new timeout: %v", err)
	}
	to.Cancel()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	time.Sleep(100 * time.Millisecond)

	stats := tm.Stats()
	if stats.ExpiredTimeouts != 1 {
		t.Fatalf("expired = %d, want 1", stats.ExpiredTimeouts)
	}
	if stats.CancelledTimeouts != 1 {
		t.Fatalf("cancelled = %d, want 1", stats.CancelledTimeouts)
	}
	if stats.PendingTimeouts != 0 {
		t.Fatalf("pending = %d, want 0", stats.PendingTimeouts)
	}
	if stats.Ticks == 0 {
		t.Fatal("ticks should advance")
	}
}
