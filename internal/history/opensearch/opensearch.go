// Package opensearch ships fleet history events to an OpenSearch cluster,
// one document per operation outcome in a daily index.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/procfleet/internal/history"
)

// Document is the indexed form of a history event. Field names follow the
// usual dashboard conventions so events line up with host logs.
type Document struct {
	Timestamp time.Time `json:"@timestamp"`
	Operation string    `json:"fleet.operation"`
	Outcome   string    `json:"fleet.outcome"`
	Host      string    `json:"host.name"`
	Target    string    `json:"fleet.target,omitempty"`
	Kind      string    `json:"fleet.target_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// targetKinds names what the Target of each operation refers to.
var targetKinds = map[history.EventType]string{
	history.EventDeployProc:  "proc",
	history.EventRunUptests:  "proc",
	history.EventDeleteProc:  "proc",
	history.EventTeardownOld: "proc",
	history.EventDeleteBuild: "build",
	history.EventBuildApp:    "build",
	history.EventCleanBuilds: "build",
	history.EventBuildImage:  "image",
	history.EventCleanImages: "image",
	history.EventKillOrphans: "process",
}

// NewDocument maps e onto the indexed shape.
func NewDocument(e history.Event) Document {
	d := Document{
		Timestamp: e.OccurredAt.UTC(),
		Operation: string(e.Type),
		Outcome:   "success",
		Host:      e.Host,
		Target:    e.Target,
		Message:   e.Detail,
	}
	if !e.OK {
		d.Outcome = "failure"
	}
	if e.Target != "" {
		d.Kind = targetKinds[e.Type]
	}
	return d
}

// Sink indexes events into "<prefix>-YYYY.MM.DD" using the event time.
// Each event gets a generated id and is written with op_type=create, so a
// retried request never indexes the same event twice.
type Sink struct {
	client  *http.Client
	baseURL string
	prefix  string
}

func New(baseURL, prefix string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), prefix: prefix}
}

// IndexFor returns the daily index an event at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := NewDocument(e)
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s?op_type=create",
		s.baseURL, url.PathEscape(s.IndexFor(doc.Timestamp)), uuid.NewString())

	// One retry on throttling; a conflict on the retry means the first
	// attempt already landed.
	for attempt := 0; ; attempt++ {
		status, err := s.put(ctx, u, b)
		if err != nil {
			return err
		}
		switch {
		case status < 300:
			return nil
		case status == http.StatusConflict && attempt > 0:
			return nil
		case (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) && attempt == 0:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		default:
			return fmt.Errorf("opensearch sink status %d", status)
		}
	}
}

func (s *Sink) put(ctx context.Context, u string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
