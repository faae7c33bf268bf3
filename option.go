package gtimer

import (
	"github.com/godyy/glog"
)

// optionSet 选项集合.
type optionSet struct {
	logger glog.Logger // 日志工具.
}

// Option 选项.
type Option func(*optionSet)

// WithLogger 日志工具选项.
func WithLogger(logger glog.Logger) Option {
	return func(opts *optionSet) {
		opts.logger = logger.Named("gtimer")
	}
}
