// Package logging constructs the logr.Logger used throughout wssync,
// backed by zap: one process-wide logger built at startup and threaded
// through every component via logr.Logger rather than a package-level
// global.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	// Development enables human-readable console output and debug level;
	// otherwise JSON output at info level is used.
	Development bool
}

// New builds a logr.Logger backed by zap per opts.
func New(opts Options) (logr.Logger, error) {
	var zapCfg zap.Config
	if opts.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("logging: building zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}
