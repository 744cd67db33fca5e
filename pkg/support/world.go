package support

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

// AttachFunc records evidence against the step that is currently running.
// data is a string, []byte or io.Reader; mediaType may be empty for strings.
type AttachFunc func(data any, mediaType string) error

// WorldOptions are handed to the World constructor for every test case.
type WorldOptions struct {
	Attach     AttachFunc
	Parameters map[string]any
}

// WorldConstructor builds the per test case World.
type WorldConstructor func(opts WorldOptions) any

// Attacher is implemented by worlds that can record attachments.
type Attacher interface {
	Attach(data any, mediaType string) error
}

// World is the default per test case context.
type World struct {
	attach     AttachFunc
	parameters map[string]any
	// Values is free for step code to share state between steps.
	Values map[string]any
}

// NewWorld is the default WorldConstructor.
func NewWorld(opts WorldOptions) any {
	return &World{
		attach:     opts.Attach,
		parameters: opts.Parameters,
		Values:     map[string]any{},
	}
}

func (w *World) Attach(data any, mediaType string) error {
	if w.attach == nil {
		return fmt.Errorf("attachments are not available outside a test case")
	}
	return w.attach(data, mediaType)
}

// Parameters returns the world parameters the run was configured with.
func (w *World) Parameters() map[string]any {
	return w.parameters
}

type worldKey struct{}

// ContextWithWorld returns a context carrying world.
func ContextWithWorld(ctx context.Context, world any) context.Context {
	return context.WithValue(ctx, worldKey{}, world)
}

// WorldFrom returns the World stored in ctx, or nil.
func WorldFrom(ctx context.Context) any {
	return ctx.Value(worldKey{})
}

// WorldAs returns the World stored in ctx as T.
func WorldAs[T any](ctx context.Context) (T, bool) {
	w, ok := WorldFrom(ctx).(T)
	return w, ok
}

// Attach records an attachment through the World in ctx.
func Attach(ctx context.Context, data any, mediaType string) error {
	a, ok := WorldFrom(ctx).(Attacher)
	if !ok {
		return fmt.Errorf("world %T cannot record attachments", WorldFrom(ctx))
	}
	return a.Attach(data, mediaType)
}

// HookParameter describes the current scenario to test case hooks.
type HookParameter struct {
	SourceLocation protocol.Location
	Pickle         *protocol.Pickle
	// Result is the worst result recorded so far; nil in Before hooks.
	Result *status.Result
}
