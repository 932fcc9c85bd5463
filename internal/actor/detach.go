package actor

import (
	"context"
	"log"
)

// Detach runs a best-effort side call on its own goroutine. The task
// keeps the caller's values but not its cancellation, so it survives
// the caller's turn; errors are logged and never reach the caller.
func Detach(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := fn(ctx); err != nil {
			log.Printf("actor: detached task %s failed: %v", name, err)
		}
	}()
}
