// Package logx provides structured logging for flashctl, built on zap.
//
// Logging is silent by default (a no-op logger) so that flashctl's packages
// are safe to import as a library without surprising a host application
// with log output. The CLI entrypoint calls Initialize or InitializeFromEnv
// to turn logging on.
package logx

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnvVar is the environment variable consulted by InitializeFromEnv.
const LogLevelEnvVar = "FLASHCTL_LOG_LEVEL"

var (
	logger     *zap.Logger
	loggerOnce sync.Once
	mu         sync.Mutex
)

// Initialize sets up the package logger at the given level ("debug", "info",
// "warn", "error"). An empty level falls back to InitializeFromEnv. If
// neither specifies a level, logging stays silent.
func Initialize(level string) {
	mu.Lock()
	defer mu.Unlock()

	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		logger = zap.NewNop()
		return
	}

	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		zlevel = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
		return
	}
	logger = built
}

// InitializeFromEnv initializes the logger from FLASHCTL_LOG_LEVEL, staying
// silent if it is unset.
func InitializeFromEnv() {
	Initialize(os.Getenv(LogLevelEnvVar))
}

// VerbosityToLevel maps a repeated -v flag count to a zap level name.
func VerbosityToLevel(count int) string {
	switch {
	case count >= 2:
		return "debug"
	case count == 1:
		return "info"
	default:
		return "warn"
	}
}

// GetLogger returns the package logger, initializing a silent one on first
// use if Initialize was never called.
func GetLogger() *zap.Logger {
	mu.Lock()
	current := logger
	mu.Unlock()
	if current != nil {
		return current
	}
	loggerOnce.Do(func() {
		mu.Lock()
		if logger == nil {
			logger = zap.NewNop()
		}
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetLogger().Fatal(msg, fields...) }

// LogDeviceOpen records a device being opened for flashing.
func LogDeviceOpen(deviceID, platform, transport string) {
	GetLogger().Info("device opened",
		zap.String("device_id", deviceID),
		zap.String("platform", platform),
		zap.String("transport", transport),
	)
}

// LogTransportWrite records a single module write attempt.
func LogTransportWrite(deviceID, moduleType, storage string, address int64) {
	GetLogger().Debug("transport write",
		zap.String("device_id", deviceID),
		zap.String("module_type", moduleType),
		zap.String("storage", storage),
		zap.Int64("address", address),
	)
}

// LogSubprocess records the outcome of a subprocess invocation.
func LogSubprocess(name string, args []string, durationMs int64, exitCode int) {
	GetLogger().Info("subprocess exited",
		zap.String("name", name),
		zap.Strings("args", args),
		zap.Int64("duration_ms", durationMs),
		zap.Int("exit_code", exitCode),
	)
}

// LogControlExec records a control-protocol command round trip.
func LogControlExec(cmd string, durationMs int64, responseBytes int) {
	GetLogger().Debug("control exec",
		zap.String("cmd", cmd),
		zap.Int64("duration_ms", durationMs),
		zap.Int("response_bytes", responseBytes),
	)
}

// Sync flushes any buffered log entries. Safe to call even on a nop logger.
func Sync() {
	_ = GetLogger().Sync()
}
