package loop

import "context"

type loopKey struct{}

// WithLoop returns a copy of ctx that identifies l as the running loop.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// FromContext returns the loop that ctx is running on, or nil.
func FromContext(ctx context.Context) *Loop {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// OnLoop reports whether ctx belongs to code executing on l.
func OnLoop(ctx context.Context, l *Loop) bool {
	return l != nil && FromContext(ctx) == l
}
