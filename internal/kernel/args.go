package kernel

import (
	"encoding/binary"

	"github.com/samcharles93/ufi/internal/cuda"
)

// Layout of the launch parameter buffer.
const (
	HeaderBytes     = 16
	DescriptorBytes = 32
)

// Record is one fixed-size entry of the parameter buffer.
type Record interface {
	Size() int
	Put(b []byte)
}

// Padding is zeroed space, used for the kernel state header.
type Padding int

func (p Padding) Size() int    { return int(p) }
func (p Padding) Put(b []byte) { clear(b[:p]) }

// Descriptor is a device array argument: {ptr, maxsize, length, reserved}.
type Descriptor struct {
	Ptr     cuda.DevicePtr
	MaxSize uint64
	Length  uint64
}

func (Descriptor) Size() int { return DescriptorBytes }

func (d Descriptor) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], uint64(d.Ptr))
	binary.LittleEndian.PutUint64(b[8:], d.MaxSize)
	binary.LittleEndian.PutUint64(b[16:], d.Length)
	binary.LittleEndian.PutUint64(b[24:], 0)
}

type Uint32 uint32

func (Uint32) Size() int      { return 4 }
func (v Uint32) Put(b []byte) { binary.LittleEndian.PutUint32(b, uint32(v)) }

// BuildArgs lays the records out back to back. The buffer is sized from
// the records before anything is written.
func BuildArgs(records ...Record) []byte {
	total := 0
	for _, r := range records {
		total += r.Size()
	}
	buf := make([]byte, total)
	off := 0
	for _, r := range records {
		n := r.Size()
		r.Put(buf[off : off+n])
		off += n
	}
	return buf
}
