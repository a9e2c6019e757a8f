// Package fleet binds the per-host components into a Session and fans
// operations out over many hosts.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/procfleet/internal/deploy"
	"github.com/loykin/procfleet/internal/gc"
	"github.com/loykin/procfleet/internal/history"
	"github.com/loykin/procfleet/internal/inventory"
	"github.com/loykin/procfleet/internal/metadata"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/orphan"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/supervisor"
	"github.com/loykin/procfleet/internal/teardown"
	"github.com/loykin/procfleet/internal/transfer"
	"github.com/loykin/procfleet/internal/uptest"
)

// ErrNoMetadata is returned by image lookups when no metadata store is configured.
var ErrNoMetadata = errors.New("metadata store not configured")

// Options are shared by every session a Fleet opens.
type Options struct {
	Layout            proc.Layout
	SupervisorTimeout time.Duration
	ImageMaxAge       time.Duration
	BuildTempRoot     string
	BuildOutputDir    string
	// Metadata resolves builds to OS images for image GC. Optional.
	Metadata gc.BuildFinder
	// History receives one event per operation. Optional.
	History history.Sink
}

func (o Options) withDefaults() Options {
	if o.Layout == (proc.Layout{}) {
		o.Layout = proc.DefaultLayout()
	}
	if o.Metadata == nil {
		o.Metadata = noMetadata{}
	}
	return o
}

type noMetadata struct{}

func (noMetadata) FindBuildsByAppAndTag(context.Context, string, string) ([]metadata.Build, error) {
	return nil, ErrNoMetadata
}

// Session runs fleet operations against the single host behind its channel.
// It is meant for one operation at a time.
type Session struct {
	ch       remote.Channel
	history  history.Sink
	inv      *inventory.Inventory
	inspect  *supervisor.Inspector
	reaper   *orphan.Reaper
	deployer *deploy.Deployer
	teardown *teardown.Teardown
	uptests  *uptest.Runner
	gc       *gc.Collector
	builder  *transfer.Builder
}

// NewSession wires the components for the host behind ch. The session owns ch.
func NewSession(ch remote.Channel, opts Options) *Session {
	opts = opts.withDefaults()
	ctl := supervisor.New(ch, opts.SupervisorTimeout)
	inv := inventory.New(ch, opts.Layout)
	inspect := supervisor.NewInspector(ctl, ch, opts.Layout)
	reaper := orphan.New(ch)
	td := teardown.New(ch, ctl, inspect, reaper, inv)
	return &Session{
		ch:       ch,
		history:  opts.History,
		inv:      inv,
		inspect:  inspect,
		reaper:   reaper,
		deployer: deploy.New(ch, ctl, opts.Layout),
		teardown: td,
		uptests:  uptest.NewRunner(ch, inspect, opts.Layout),
		gc:       gc.New(ch, inv, td, opts.Metadata, gc.WithImageMaxAge(opts.ImageMaxAge)),
		builder:  transfer.New(ch, opts.BuildTempRoot, opts.BuildOutputDir),
	}
}

func (s *Session) Host() string { return s.ch.Host() }

func (s *Session) Close() error { return s.ch.Close() }

// finish records metrics and history for one operation.
func (s *Session) finish(ctx context.Context, op history.EventType, target string, start time.Time, err error) {
	metrics.IncOperation(string(op), err)
	metrics.ObserveOperationDuration(string(op), time.Since(start).Seconds())
	history.Emit(ctx, s.history, history.NewEvent(op, s.Host(), target, err))
	if err != nil {
		slog.Error("Operation failed", "op", op, "host", s.Host(), "target", target, "error", err)
	}
}

// DeployProc installs the proc described by the local descriptor file and
// registers it with supervisord.
func (s *Session) DeployProc(ctx context.Context, descriptorPath string) (err error) {
	start, target := time.Now(), descriptorPath
	defer func() { s.finish(ctx, history.EventDeployProc, target, start, err) }()
	d, err := s.deployer.Deploy(ctx, descriptorPath)
	if d != nil {
		target = d.ProcName
	}
	return err
}

// RunUptests runs the proc's uptests. It never fails; problems become
// failing results.
func (s *Session) RunUptests(ctx context.Context, hostname, procName, user string, ignoreMissingProcs bool) []uptest.Result {
	start := time.Now()
	results := s.uptests.Run(ctx, hostname, procName, user, ignoreMissingProcs)
	var err error
	for _, r := range results {
		if !r.Passed {
			err = errors.New("uptests failed")
			break
		}
	}
	s.finish(ctx, history.EventRunUptests, procName, start, err)
	return results
}

// DeleteProc stops and removes a proc. Deleting a missing proc succeeds.
func (s *Session) DeleteProc(ctx context.Context, hostname, procName string) (err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventDeleteProc, procName, start, err) }(time.Now())
	return s.teardown.Delete(ctx, hostname, procName)
}

// DeleteBuild removes build. Builds still in use are refused with a
// *gc.UsageConflictError unless cascade deletes their procs first.
func (s *Session) DeleteBuild(ctx context.Context, build string, cascade bool) (err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventDeleteBuild, build, start, err) }(time.Now())
	return s.gc.DeleteBuild(ctx, s.Host(), build, cascade)
}

func (s *Session) CleanBuildsFolders(ctx context.Context, hostname string) (removed []string, err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventCleanBuilds, "", start, err) }(time.Now())
	return s.gc.CleanBuilds(ctx, hostname)
}

// CleanImagesFolders removes stale unused images. Failures are logged only.
func (s *Session) CleanImagesFolders(ctx context.Context, hostname string) []string {
	start := time.Now()
	removed := s.gc.CleanImages(ctx)
	s.finish(ctx, history.EventCleanImages, "", start, nil)
	return removed
}

// TeardownOldProcs removes installed procs supervisord no longer knows.
func (s *Session) TeardownOldProcs(ctx context.Context, hostname string) (removed []string, err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventTeardownOld, "", start, err) }(time.Now())
	return s.teardown.TeardownOldProcs(ctx, hostname)
}

func (s *Session) KillOrphans(ctx context.Context, hostname string) (killed []orphan.Record, err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventKillOrphans, "", start, err) }(time.Now())
	return s.reaper.Kill(ctx)
}

func (s *Session) GetProcs(ctx context.Context, hostname string) ([]string, error) {
	return s.inv.Procs(ctx)
}

func (s *Session) GetBuilds(ctx context.Context, hostname string) ([]string, error) {
	return s.inv.Builds(ctx)
}

func (s *Session) GetImages(ctx context.Context, hostname string) ([]string, error) {
	return s.inv.Images(ctx)
}

// BuildApp runs vbuild on this host for the local job file.
func (s *Session) BuildApp(ctx context.Context, jobPath string) (out *transfer.BuildOutput, err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventBuildApp, jobPath, start, err) }(time.Now())
	return s.builder.BuildApp(ctx, jobPath)
}

// BuildImage runs vimage on this host for the local job file.
func (s *Session) BuildImage(ctx context.Context, jobPath string) (out *transfer.ImageOutput, err error) {
	defer func(start time.Time) { s.finish(ctx, history.EventBuildImage, jobPath, start, err) }(time.Now())
	return s.builder.BuildImage(ctx, jobPath)
}

// GCReport summarizes one garbage collection pass on a host.
type GCReport struct {
	Host     string          `json:"host"`
	OldProcs []string        `json:"old_procs"`
	Builds   []string        `json:"builds"`
	Images   []string        `json:"images"`
	Orphans  []orphan.Record `json:"orphans"`
	Errors   []string        `json:"errors,omitempty"`
}

// CollectGarbage tears down old procs, kills orphans and cleans builds and
// images. Every step runs even when an earlier one fails.
func (s *Session) CollectGarbage(ctx context.Context) (*GCReport, error) {
	host := s.Host()
	rep := &GCReport{Host: host}
	var errs []error
	note := func(err error) {
		if err != nil {
			errs = append(errs, err)
			rep.Errors = append(rep.Errors, err.Error())
		}
	}
	var err error
	rep.OldProcs, err = s.TeardownOldProcs(ctx, host)
	note(err)
	rep.Orphans, err = s.KillOrphans(ctx, host)
	note(err)
	rep.Builds, err = s.CleanBuildsFolders(ctx, host)
	note(err)
	rep.Images = s.CleanImagesFolders(ctx, host)
	return rep, errors.Join(errs...)
}
