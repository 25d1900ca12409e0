package cuda

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Result
		want string
	}{
		{Success, "CUDA_SUCCESS"},
		{ErrorNoBinaryForGPU, "CUDA_ERROR_NO_BINARY_FOR_GPU"},
		{ErrorOperatingSystem, "CUDA_ERROR_OPERATING_SYSTEM"},
		{Result(12345), "CUDA_ERROR(12345)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.code.Name(), "Result(%d)", int(tc.code))
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	msg := NewError("cuLaunchKernel", ErrorLaunchFailed, "unspecified launch failure").Error()
	for _, want := range []string{"cuLaunchKernel", "719", "CUDA_ERROR_LAUNCH_FAILED", "unspecified launch failure"} {
		assert.Contains(t, msg, want)
	}
}

func TestCodeUnwraps(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("load: %w", NewError("cuModuleLoadDataEx", ErrorInvalidPTX, ""))
	assert.Equal(t, ErrorInvalidPTX, Code(wrapped))
	assert.Equal(t, Success, Code(fmt.Errorf("plain")), "non-driver error")
}
