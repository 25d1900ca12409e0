package api

import (
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/tasks"
)

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type LoadKernelRequest struct {
	PTX  string `json:"ptx"`
	Name string `json:"name,omitempty"`
}

type LoadKernelResponse struct {
	ID         string   `json:"id"`
	Object     string   `json:"object"`
	Name       string   `json:"name"`
	Entries    []string `json:"entries"`
	Processors int      `json:"processors"`
	CreatedAt  int64    `json:"created_at"`
}

type KernelInfo struct {
	Name      string `json:"name"`
	Processor int    `json:"processor"`
	Context   string `json:"context"`
}

type ListKernelsResponse struct {
	Object string       `json:"object"`
	Data   []KernelInfo `json:"data"`
}

// LaunchRequest runs a loaded kernel over a and b. Shapes default to the
// flat length of the values; the output shape defaults to a's shape and
// count to the output volume.
type LaunchRequest struct {
	Kernel    string    `json:"kernel"`
	A         []float32 `json:"a"`
	B         []float32 `json:"b"`
	AShape    []uint64  `json:"a_shape,omitempty"`
	BShape    []uint64  `json:"b_shape,omitempty"`
	Shape     []uint64  `json:"shape,omitempty"`
	Count     *uint32   `json:"count,omitempty"`
	Processor int       `json:"processor,omitempty"`
}

// Float32Launch converts r for tasks.RunFloat32.
func (r LaunchRequest) Float32Launch() tasks.Float32Launch {
	return tasks.Float32Launch{
		Kernel:    r.Kernel,
		A:         r.A,
		B:         r.B,
		AShape:    store.Shape(r.AShape),
		BShape:    store.Shape(r.BShape),
		Shape:     store.Shape(r.Shape),
		Count:     r.Count,
		Processor: r.Processor,
	}
}

type LaunchResponse struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	Kernel    string    `json:"kernel"`
	Processor int       `json:"processor"`
	Shape     []uint64  `json:"shape"`
	Count     uint32    `json:"count"`
	Grid      [3]uint32 `json:"grid"`
	Block     [3]uint32 `json:"block"`
	Output    []float32 `json:"output"`
	CreatedAt int64     `json:"created_at"`
}
