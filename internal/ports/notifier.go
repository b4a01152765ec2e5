package ports

import "context"

// Notifier delivers fire-and-forget text alerts. Best effort: failures are
// logged by the implementation, never returned to the trading path.
type Notifier interface {
	Notify(ctx context.Context, text string)
}
