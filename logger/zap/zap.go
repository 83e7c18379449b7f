// Package zap builds the named *zap.Logger values package logger
// exposes: one zapcore.Core per
// logger, JSON or console encoded per config, writing to a rotating
// gopkg.in/natefinch/lumberjack.v2 sink when a file name is configured
// and to stdout otherwise.
package zap

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/forbearing/ix/config"
	"github.com/forbearing/ix/logger"
)

// Init builds logger.Dispatch, logger.State, logger.Storage,
// logger.Transport and logger.Bootstrap from config.App.Logger, and
// replaces zap's global logger with the same configuration. Call once at
// process start, after config.Init.
func Init() error {
	zap.ReplaceGlobals(New(""))

	logger.Dispatch = New("dispatch.log")
	logger.State = New("state.log")
	logger.Storage = New("storage.log")
	logger.Transport = New("transport.log")
	logger.Bootstrap = New("bootstrap.log")
	return nil
}

// New builds one *zap.Logger writing to filename (relative to
// config.App.Logger.Dir) or stdout when filename is empty.
func New(filename string) *zap.Logger {
	return zap.New(
		zapcore.NewCore(newEncoder(), newWriter(filename), newLevel()),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.FatalLevel),
	)
}

func newWriter(filename string) zapcore.WriteSyncer {
	if filename == "" {
		return zapcore.Lock(zapcore.AddSync(os.Stdout))
	}
	dir := config.App.Logger.Dir
	path := filename
	if dir != "" {
		path = filepath.Join(dir, filename)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.App.Logger.MaxSize,
		MaxAge:     config.App.Logger.MaxAge,
		MaxBackups: config.App.Logger.MaxBackups,
		LocalTime:  true,
	})
}

func newLevel() zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(config.App.Logger.Level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(config.App.Logger.Format) == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}
