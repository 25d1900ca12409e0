// Package backend selects the cuda.Driver that the runtime runs on.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/cuda/emu"
)

const (
	Emu  = "emu"
	CUDA = "cuda"
	Auto = "auto"
)

// Options configures the emulated driver. The native driver ignores them.
type Options struct {
	Devices int
	Arch    int
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Emu, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, emu, or cuda)", backend)
	}
}

// Open returns the driver for name. Auto prefers CUDA when this build has it
// and a device is present, and falls back to emu otherwise.
func Open(name string, opts Options) (cuda.Driver, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Emu:
		return newEmu(opts), nil
	case CUDA:
		return newCUDA()
	}

	if cudaEnabled {
		drv, err := newCUDA()
		if err == nil {
			if n, err := drv.DeviceCount(); err == nil && n > 0 {
				return drv, nil
			}
		}
	}
	return newEmu(opts), nil
}

func newEmu(opts Options) cuda.Driver {
	var eopts []emu.Option
	if opts.Devices > 0 {
		eopts = append(eopts, emu.WithDevices(opts.Devices))
	}
	if opts.Arch > 0 {
		eopts = append(eopts, emu.WithArch(opts.Arch))
	}
	return emu.New(eopts...)
}
