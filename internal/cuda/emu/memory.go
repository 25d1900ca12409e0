package emu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/ufi/internal/cuda"
)

// memory is the emulated device heap. Each allocation owns a byte slice
// outside the Go heap where the platform allows it (see mmap_unix.go), and
// device pointers are the real addresses of those slices.
type memory struct {
	mu     sync.Mutex
	blocks map[cuda.DevicePtr][]byte
}

func newMemory() *memory {
	return &memory{blocks: make(map[cuda.DevicePtr][]byte)}
}

func (m *memory) alloc(bytes int64) (cuda.DevicePtr, error) {
	buf, err := mapBytes(int(bytes))
	if err != nil {
		return 0, cuda.NewError("cuMemAlloc", cuda.ErrorOutOfMemory, err.Error())
	}
	p := cuda.DevicePtr(uintptr(unsafe.Pointer(&buf[0])))

	m.mu.Lock()
	m.blocks[p] = buf
	m.mu.Unlock()
	return p, nil
}

func (m *memory) free(p cuda.DevicePtr) error {
	m.mu.Lock()
	buf, ok := m.blocks[p]
	delete(m.blocks, p)
	m.mu.Unlock()
	if !ok {
		return cuda.NewError("cuMemFree", cuda.ErrorInvalidValue, "pointer was not returned by cuMemAlloc")
	}
	return unmapBytes(buf)
}

func (m *memory) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// resolve returns the n bytes starting at p, which may point inside an allocation.
func (m *memory) resolve(p cuda.DevicePtr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, buf := range m.blocks {
		if p < base || p >= base+cuda.DevicePtr(len(buf)) {
			continue
		}
		off := int(p - base)
		if off+n > len(buf) {
			return nil, fmt.Errorf("access of %d bytes at %#x overruns allocation of %d bytes at %#x",
				n, uintptr(p), len(buf), uintptr(base))
		}
		return buf[off : off+n], nil
	}
	return nil, fmt.Errorf("address %#x is not device memory", uintptr(p))
}
