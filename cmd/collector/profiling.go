package main

import (
	"fmt"
	"log/slog"

	"github.com/grafana/pyroscope-go"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
)

// startProfiling starts continuous profiling and returns its stop func.
func startProfiling(cfg config.ProfilingConfig, instanceID string, logger *slog.Logger) (func(), error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"instance": instanceID,
		},
		Logger: slogAdapter{logger.With("component", "pyroscope")},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	logger.Info("profiling enabled", "server", cfg.ServerAddress, "application", cfg.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("stop profiler", "error", err)
		}
	}, nil
}

// slogAdapter routes pyroscope's printf logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}
