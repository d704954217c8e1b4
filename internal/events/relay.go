package events

import (
	"context"
	"time"

	"github.com/rameshkrishnan/finflow/pkg/models"
)

// Relay turns the durable poll contract into a live stream within one
// process. It remembers the timestamp of the last event it delivered, so
// each tick only surfaces new events. The poll contract stays the
// cross-process surface; Relay is a server-side convenience on top of it.
type Relay struct {
	log          Log
	pollInterval time.Duration
}

func NewRelay(log Log, pollInterval time.Duration) *Relay {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Relay{log: log, pollInterval: pollInterval}
}

// Stream polls the event log for the session and invokes emit for each new
// event in order until ctx is cancelled or emit returns false. Poll errors
// are transient by assumption: the loop keeps going and retries next tick.
func (r *Relay) Stream(ctx context.Context, sessionID string, since time.Time, emit func(*models.Event) bool) error {
	cursor := since

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		evs, err := r.log.Since(ctx, sessionID, cursor)
		if err == nil {
			for _, ev := range evs {
				if !emit(ev) {
					return nil
				}
				cursor = ev.Timestamp
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
