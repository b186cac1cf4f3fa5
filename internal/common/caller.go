package common

import "context"

// Caller is the authenticated principal behind a request.
type Caller struct {
	UserID string
	Admin  bool
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller set by the auth middleware.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.UserID != ""
}

// UserID is the caller's subject.
func UserID(ctx context.Context) (string, bool) {
	c, ok := CallerFrom(ctx)
	return c.UserID, ok
}
