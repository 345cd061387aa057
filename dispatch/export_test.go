package dispatch

import (
	"context"
	"time"
)

// Handle runs one message through the pipeline synchronously.
func (c *Controller) Handle(ctx context.Context, msg Message) { c.handle(ctx, msg) }

// WaitTransients blocks until pending transient deletions have run.
func (c *Controller) WaitTransients() { c.transients.Wait() }

// SetTypingInterval overrides typingInterval for the duration of a test and
// returns a restore function to be called via t.Cleanup.
func SetTypingInterval(d time.Duration) func() {
	orig := typingInterval
	typingInterval = d
	return func() { typingInterval = orig }
}
