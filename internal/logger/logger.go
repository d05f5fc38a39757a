package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	sugar = zap.NewNop().Sugar()

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging based on configuration.
// Logging stays silent unless debugMode is set; an empty logPath logs to stderr.
func InitLogging(debugMode bool, logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = debugMode
	if !DebugEnabled {
		sugar = zap.NewNop().Sugar()
		return nil
	}

	sink := zapcore.Lock(os.Stderr)

	if logPath != "" {
		logDir := filepath.Dir(logPath)
		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		sink = zapcore.AddSync(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zapcore.DebugLevel)
	sugar = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()

	return nil
}

// Close flushes buffered entries and closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	_ = sugar.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// With returns a child logger carrying the given key/value pairs.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()

	return sugar.Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(keysAndValues...)
}

func Infof(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Errorf logs an error message if debug mode is enabled.
func Errorf(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}
