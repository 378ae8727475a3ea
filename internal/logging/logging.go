package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AutoFile asks New to pick a log file name from the role, the current time and the pid.
const AutoFile = "auto"

// FileName returns the default log file name for role, e.g. "rpcbridge_server-20060102-150405-pid42.log".
func FileName(role string, now time.Time, pid int) string {
	return fmt.Sprintf("rpcbridge_%s-%s-pid%d.log", role, now.Format("20060102-150405"), pid)
}

// New builds a development-style logger at level, writing to stderr, or to file when it is non-empty.
func New(role string, level zapcore.Level, file string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if file == AutoFile {
		file = FileName(role, time.Now(), os.Getpid())
	}
	if file != "" {
		cfg.OutputPaths = []string{file}
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Named(role), nil
}
