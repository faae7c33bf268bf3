package gtimer

import (
	"time"

	"github.com/godyy/glog"
	"go.uber.org/zap"
)

// createStdLogger 创建面向标准输出的 logger.
func createStdLogger(level glog.Level) glog.Logger {
	return glog.NewLogger(&glog.Config{
		Level:        level,
		EnableCaller: true,
		CallerSkip:   0,
		Development:  true,
		Cores:        []glog.CoreConfig{glog.NewStdCoreConfig()},
	}).Named("gtimer")
}

func lfdPanic(v any) zap.Field {
	return zap.Any("panic", v)
}

func lfdInstanceCount(count int64) zap.Field {
	return zap.Int64("instanceCount", count)
}

func lfdTick(tick int64) zap.Field {
	return zap.Int64("tick", tick)
}

func lfdDeadline(deadline time.Duration) zap.Field {
	return zap.Duration("deadline", deadline)
}

func lfdUnprocessed(count int) zap.Field {
	return zap.Int("unprocessed", count)
}
