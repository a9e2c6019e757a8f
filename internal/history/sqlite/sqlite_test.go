package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/procfleet/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		history.NewEvent(history.EventDeployProc, "h1", "web-v3-trusty-web", nil),
		history.NewEvent(history.EventDeleteBuild, "h1", "web-v2", errors.New("build is in use")),
		history.NewEvent(history.EventDeployProc, "h2", "web-v3-trusty-web", nil),
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}

	n, err := sink.Count(ctx, history.EventDeployProc)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deploy events, got %d", n)
	}

	var detail string
	var ok bool
	err = sink.db.QueryRowContext(ctx, `SELECT ok, detail FROM fleet_history WHERE type = ?`, string(history.EventDeleteBuild)).Scan(&ok, &detail)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ok || detail != "build is in use" {
		t.Fatalf("unexpected row ok=%v detail=%q", ok, detail)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
