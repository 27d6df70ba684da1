package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
	rot   *lumberjack.Logger
)

// FileConfig enables a rotated log file next to the console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init picks the development or production config and, when file.Path is
// set, tees JSON records into a lumberjack rotated file.
func Init(debug bool, file FileConfig) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if file.Path == "" {
		l, err := cfg.Build()
		if err != nil {
			return err
		}
		setLogger(l, nil)
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		LocalTime:  true,
	}
	var consoleEnc zapcore.Encoder
	if debug {
		consoleEnc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	}
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), cfg.Level),
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(lj), zap.DebugLevel),
	)
	setLogger(zap.New(core, zap.AddCaller()), lj)
	return nil
}

// setLogger replaces the package logger and zap globals.
func setLogger(l *zap.Logger, file *lumberjack.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	if rot != nil && rot != file {
		_ = rot.Close()
	}
	log = l
	sugar = l.Sugar()
	rot = file
}

// Log returns the package logger, or the zap global before Init.
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// S returns the sugared logger.
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Sync flushes buffered logs and closes the rotated file, if any.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
	if rot != nil {
		_ = rot.Close()
	}
}
