package ports

import "context"

// Notifier pushes human-readable trade events to an external channel.
// Delivery is best effort: callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
