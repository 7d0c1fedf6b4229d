package instance

import "context"

type key string

// Key is the context key the Instance is stored under.
var Key key = "instance"

// GetInstance returns the Instance carried by ctx, or nil when the
// context was not built by the daemon entrypoint (e.g. bare tests).
func GetInstance(ctx context.Context) *Instance {
	if inst, ok := ctx.Value(Key).(*Instance); ok {
		return inst
	}
	return nil
}
