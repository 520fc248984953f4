package command

import (
	"context"
	"sync"
)

// Fake is a Runner test double that records calls and delegates to RunFunc.
type Fake struct {
	mu      sync.Mutex
	Calls   []Command
	RunFunc func(ctx context.Context, cmd Command) (*Result, error)
	// StartFunc defaults to a process that runs until stopped.
	StartFunc func(ctx context.Context, cmd Command) (Process, error)
}

// Run records cmd and delegates to RunFunc.
func (f *Fake) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	f.mu.Unlock()
	if f.RunFunc == nil {
		return &Result{}, nil
	}
	return f.RunFunc(ctx, cmd)
}

// Start records cmd and delegates to StartFunc.
func (f *Fake) Start(ctx context.Context, cmd Command) (Process, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	f.mu.Unlock()
	if f.StartFunc != nil {
		return f.StartFunc(ctx, cmd)
	}
	return NewFakeProcess(), nil
}

// Tools returns the tools invoked so far, in order.
func (f *Fake) Tools() []Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tool, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Tool
	}
	return out
}

// FakeProcess is a Process that exits when stopped.
type FakeProcess struct {
	once    sync.Once
	done    chan struct{}
	Stopped bool
}

// NewFakeProcess returns a running fake process.
func NewFakeProcess() *FakeProcess {
	return &FakeProcess{done: make(chan struct{})}
}

func (p *FakeProcess) Pid() int              { return 4242 }
func (p *FakeProcess) Done() <-chan struct{} { return p.done }
func (p *FakeProcess) Err() error            { return nil }

func (p *FakeProcess) Stop() error {
	p.once.Do(func() {
		p.Stopped = true
		close(p.done)
	})
	return nil
}
