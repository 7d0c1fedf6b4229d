package interfaces

import "context"

// Module is the lifecycle contract shared by every long-lived component
// hung off the instance. Start must not block; Close must be idempotent.
type Module interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}
