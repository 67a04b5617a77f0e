// Package notifier
package notifier

import "context"

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }
