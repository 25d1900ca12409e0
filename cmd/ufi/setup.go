package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ufi/internal/backend"
	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/taskrt"
	"github.com/samcharles93/ufi/internal/tasks"
)

type configKey struct{}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	applyConfig(cmd, cfg)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Open(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	ctx = logger.WithContext(ctx, log)
	return context.WithValue(ctx, configKey{}, cfg), nil
}

func configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

// openRuntime starts a runtime on the selected backend with both ufi task
// variants registered. exit overrides the fatal-error hook when non-nil.
func openRuntime(ctx context.Context, exit func(error)) (*taskrt.Runtime, error) {
	log := logger.FromContext(ctx)
	drv, err := backend.Open(backendName, backend.Options{Devices: max(devices, 1), Arch: emuArch})
	if err != nil {
		return nil, err
	}
	opts := []taskrt.Option{
		taskrt.WithLogger(log),
		taskrt.WithDevices(devices),
		taskrt.WithLoaderOptions(kernel.WithJITLogSize(jitLogSize)),
	}
	if exit != nil {
		opts = append(opts, taskrt.WithExitFunc(exit))
	}
	rt, err := taskrt.New(drv, opts...)
	if err != nil {
		return nil, fmt.Errorf("start %s runtime: %w", drv.Name(), err)
	}
	if err := tasks.Register(rt); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
