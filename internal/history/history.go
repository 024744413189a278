package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventForceStop   EventType = "force_stop"
	EventEvict       EventType = "evict"
	EventSpawnFailed EventType = "spawn_failed"
	EventUnkillable  EventType = "unkillable"
	EventExited      EventType = "exited"
)

// Event is a lifecycle event exported to external systems.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Server      string    `json:"server"`
	PID         int       `json:"pid"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	AccessCount int64     `json:"access_count"`
	Error       string    `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(t EventType, server string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Server:     server,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each Send issued by Emit.
const DefaultSendTimeout = 2 * time.Second

// Emit delivers e to every sink, each bounded by DefaultSendTimeout.
// Failures are logged and joined; they never block the lifecycle.
func Emit(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) error {
	if len(sinks) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	var errs []error
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultSendTimeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			log.Warn("history sink send failed", "server", e.Server, "event", e.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes sinks that implement io.Closer.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
