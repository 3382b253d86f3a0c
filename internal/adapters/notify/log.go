package notify

import (
	"context"
	"log/slog"

	"github.com/ymiyake/flyerbot/internal/ports"
)

// Log is the fallback notifier used when no webhook is configured.
type Log struct{}

var _ ports.Notifier = Log{}

// NewLog builds a logging notifier.
func NewLog() Log { return Log{} }

// Notify writes the message to the structured log.
func (Log) Notify(_ context.Context, text string) error {
	slog.Info("notification", "message", text)
	return nil
}

// Multi fans one message out to several notifiers. The first failure is
// returned after every notifier ran.
type Multi []ports.Notifier

var _ ports.Notifier = Multi(nil)

// Notify delivers to every notifier in order.
func (m Multi) Notify(ctx context.Context, text string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
