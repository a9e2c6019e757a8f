// Package history is the audit trail of fleet operations. Every operation run
// against a host emits one Event to the configured Sink.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType names the fleet operation an event records.
type EventType string

const (
	EventDeployProc  EventType = "deploy_proc"
	EventRunUptests  EventType = "run_uptests"
	EventDeleteProc  EventType = "delete_proc"
	EventDeleteBuild EventType = "delete_build"
	EventCleanBuilds EventType = "clean_builds_folders"
	EventCleanImages EventType = "clean_images_folders"
	EventTeardownOld EventType = "teardown_old_procs"
	EventKillOrphans EventType = "kill_orphans"
	EventBuildApp    EventType = "build_app"
	EventBuildImage  EventType = "build_image"
)

// Event is one operation outcome exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	Host       string    `json:"host"`
	Target     string    `json:"target,omitempty"`
	OK         bool      `json:"ok"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent builds an event for op on host; err decides OK and Detail.
func NewEvent(t EventType, host, target string, err error) Event {
	e := Event{Type: t, Host: host, Target: target, OK: err == nil, OccurredAt: time.Now().UTC()}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit sends e to sink. A nil sink drops the event; a failing sink is logged
// and never fails the operation that produced the event.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Send(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("history sink failed", "type", e.Type, "host", e.Host, "error", err)
	}
}

// Close closes sink when it holds resources.
func Close(sink Sink) error {
	if c, ok := sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
