//go:build cuda

package backend

import (
	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/cuda/native"
)

const cudaEnabled = true

func newCUDA() (cuda.Driver, error) {
	return native.New(), nil
}
