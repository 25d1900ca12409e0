package taskrt

import (
	"runtime"
	"sync"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/kernel"
)

// Processor is one device worker. Work submitted to a processor runs on a
// single locked OS thread, one item at a time, in submission order.
type Processor struct {
	ID      int
	Context cuda.Context
	Stream  cuda.Stream

	cacheOnce sync.Once
	cache     *kernel.Cache

	work chan job
	done chan struct{}
}

type job struct {
	fn     func() error
	result chan error
}

func newProcessor(id int, ctx cuda.Context, s cuda.Stream) *Processor {
	p := &Processor{
		ID:      id,
		Context: ctx,
		Stream:  s,
		work:    make(chan job),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Cache returns the processor's kernel cache, creating it on first use.
func (p *Processor) Cache() *kernel.Cache {
	p.cacheOnce.Do(func() { p.cache = kernel.NewCache() })
	return p.cache
}

func (p *Processor) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)
	for j := range p.work {
		j.result <- j.fn()
	}
}

// do runs fn on the processor thread and waits for it.
func (p *Processor) do(fn func() error) error {
	j := job{fn: fn, result: make(chan error, 1)}
	p.work <- j
	return <-j.result
}

func (p *Processor) stop() {
	close(p.work)
	<-p.done
}
