package main

import "github.com/urfave/cli/v3"

var (
	configFile  string
	backendName string
	devices     int
	jitLogSize  int
	emuArch     int
	logLevel    string
	logFormat   string
	debug       bool
)

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/ufi/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "driver backend (auto, emu, cuda)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.IntFlag{
			Name:        "devices",
			Usage:       "number of devices to attach (0 = all)",
			Destination: &devices,
		},
		&cli.IntFlag{
			Name:        "jit-log-size",
			Usage:       "bytes reserved for each JIT log buffer",
			Value:       16384,
			Destination: &jitLogSize,
		},
		&cli.IntFlag{
			Name:        "emu-arch",
			Usage:       "compute capability reported by the emu backend (major*10+minor)",
			Value:       80,
			Destination: &emuArch,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
