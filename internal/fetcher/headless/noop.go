package headless

import "context"

// Noop is used when rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// RenderPDF always fails with ErrNotConfigured.
func (Noop) RenderPDF(context.Context, string, string) (int64, error) {
	return 0, ErrNotConfigured
}

// Close is a no-op.
func (Noop) Close() {}
