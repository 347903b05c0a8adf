//go:build linux

// File: uv/logging.go
// Author: momentics <momentics@gmail.com>

package uv

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLoggerOnce = sync.OnceValue(func() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.WarnLevel,
	)
	return zap.New(core)
})

// defaultLogger is shared by loops constructed without WithLogger. It
// stays quiet below warn level so library users only hear about
// contained faults and poll failures.
func defaultLogger() *zap.Logger {
	return defaultLoggerOnce()
}
