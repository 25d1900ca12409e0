//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/ufi/internal/cuda"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend is not available in this build (rebuild with -tags cuda)")

func newCUDA() (cuda.Driver, error) {
	return nil, errCUDAUnavailable
}
