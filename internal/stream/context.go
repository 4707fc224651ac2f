package stream

import (
	"context"
	"sync"
)

// Sink receives events for one turn. Implementations must be safe for
// concurrent use and must preserve the order of calls from one goroutine.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

type sinkKey struct{}

// Binding attaches a sink to a context for the lifetime of one turn.
// After Release, emits through the binding are dropped, so goroutines that
// outlive the turn cannot write into a later one.
type Binding struct {
	mu       sync.RWMutex
	sink     Sink
	released bool
}

// Bind returns a child of ctx through which Current resolves to sink.
func Bind(ctx context.Context, sink Sink) (context.Context, *Binding) {
	b := &Binding{sink: sink}
	return context.WithValue(ctx, sinkKey{}, b), b
}

// Release detaches the sink, waiting for emits already in flight. It is
// safe to call more than once but must not be called from inside the sink.
func (b *Binding) Release() {
	b.mu.Lock()
	b.released = true
	b.sink = nil
	b.mu.Unlock()
}

// Released reports whether Release has been called.
func (b *Binding) Released() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.released
}

// Emit forwards e to the bound sink, or drops it once released.
func (b *Binding) Emit(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sink == nil {
		return nil
	}
	return b.sink.Emit(ctx, e)
}

// Current returns the sink bound to ctx, or nil when none is bound or the
// binding has been released.
func Current(ctx context.Context) Sink {
	b, ok := ctx.Value(sinkKey{}).(*Binding)
	if !ok || b.Released() {
		return nil
	}
	return b
}

// Emit sends e to the sink bound to ctx. Without a sink it is a no-op.
func Emit(ctx context.Context, e Event) error {
	s := Current(ctx)
	if s == nil {
		return nil
	}
	return s.Emit(ctx, e)
}

// EmitReasoning is shorthand for Emit(ctx, Reasoning(agent, text)).
func EmitReasoning(ctx context.Context, agent, text string) error {
	if text == "" {
		return nil
	}
	return Emit(ctx, Reasoning(agent, text))
}

// EmitChunk is shorthand for Emit(ctx, Chunk(text)).
func EmitChunk(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return Emit(ctx, Chunk(text))
}

// EmitChart is shorthand for Emit(ctx, Chart(url)).
func EmitChart(ctx context.Context, url string) error {
	return Emit(ctx, Chart(url))
}

// Asker poses a question to the user of the current turn and blocks until
// the reply arrives.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

type askerKey struct{}

// WithAsker binds a to ctx.
func WithAsker(ctx context.Context, a Asker) context.Context {
	return context.WithValue(ctx, askerKey{}, a)
}

// AskerFrom returns the Asker bound to ctx, or nil.
func AskerFrom(ctx context.Context) Asker {
	a, _ := ctx.Value(askerKey{}).(Asker)
	return a
}
