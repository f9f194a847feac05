package main

import (
	"os"

	"github.com/go-faster/errors"
	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger logs to stderr for humans, or as JSON to a rotating file when
// a log file is configured.
func newLogger(c logConfig, verbose bool) (*zap.Logger, error) {
	level := zap.InfoLevel
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, errors.Wrap(err, "logging.level")
		}
	}
	if verbose {
		level = zap.DebugLevel
	}

	if c.Logfile == "" {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), level)
		return zap.New(core), nil
	}

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   c.Logfile,
		MaxSize:    c.MaxSize, // megabytes
		MaxAge:     c.MaxAge,  // days
		MaxBackups: c.MaxBackups,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), w, level)
	return zap.New(core), nil
}
