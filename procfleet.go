// Package procfleet deploys, tests, tears down and garbage-collects procs on
// a fleet of supervisord-managed hosts over SSH.
package procfleet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procfleet/internal/config"
	"github.com/loykin/procfleet/internal/fleet"
	"github.com/loykin/procfleet/internal/gc"
	"github.com/loykin/procfleet/internal/history"
	"github.com/loykin/procfleet/internal/metadata"
	mfactory "github.com/loykin/procfleet/internal/metadata/factory"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/orphan"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
	iapi "github.com/loykin/procfleet/internal/server"
	"github.com/loykin/procfleet/internal/transfer"
	"github.com/loykin/procfleet/internal/uptest"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Fleet = fleet.Fleet

type Session = fleet.Session

type Options = fleet.Options

type Dialer = fleet.Dialer

type Channel = remote.Channel

type Layout = proc.Layout

type Descriptor = proc.Descriptor

type UptestResult = uptest.Result

type OrphanRecord = orphan.Record

type BuildOutput = transfer.BuildOutput

type ImageOutput = transfer.ImageOutput

type GCReport = fleet.GCReport

type UsageConflictError = gc.UsageConflictError

type HistorySink = history.Sink

type HistoryEvent = history.Event

type ImportStats = metadata.ImportStats

var (
	ErrBuildInUse         = gc.ErrBuildInUse
	ErrProcNotFound       = proc.ErrProcNotFound
	ErrInvalidDescriptor  = proc.ErrInvalidDescriptor
	ErrAppNotFound        = metadata.ErrAppNotFound
	ErrUnsafePath         = remote.ErrUnsafePath
	ErrInvalidBuildResult = transfer.ErrInvalidBuildResult
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Open builds a Fleet from c, dialing hosts over SSH. Close it when done.
func Open(ctx context.Context, c *Config) (*Fleet, error) { return fleet.FromConfig(ctx, c) }

func NewFleet(d Dialer, opts Options, parallelism int) *Fleet { return fleet.New(d, opts, parallelism) }

// NewSession runs operations against the host behind ch.
func NewSession(ch Channel, opts Options) *Session { return fleet.NewSession(ch, opts) }

// NewHTTPServer returns an http.Server exposing the operations API for f.
func NewHTTPServer(addr, basePath string, f *Fleet, withMetrics bool) *http.Server {
	return iapi.NewServer(addr, basePath, f, withMetrics)
}

// ImportMetadata loads a YAML export into the metadata store named by dsn.
func ImportMetadata(ctx context.Context, dsn string, r io.Reader) (ImportStats, error) {
	store, err := mfactory.NewFromDSN(dsn)
	if err != nil {
		return ImportStats{}, err
	}
	defer func() { _ = store.Close() }()
	if err := store.EnsureSchema(ctx); err != nil {
		return ImportStats{}, fmt.Errorf("metadata schema: %w", err)
	}
	return metadata.Import(ctx, store, r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr until the
// server fails.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
