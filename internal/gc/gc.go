// Package gc reclaims disk space on a host by removing builds no installed
// proc runs from and OS images no in-use build references.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/procfleet/internal/inventory"
	"github.com/loykin/procfleet/internal/metadata"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
)

// DefaultImageMaxAge is how long an unused image survives after its last access.
const DefaultImageMaxAge = 90 * 24 * time.Hour

var (
	ErrBuildInUse       = errors.New("build is in use")
	ErrInvalidBuildName = errors.New("invalid build name")
)

// UsageConflictError is returned when deleting a build that procs still run
// from without cascading to them.
type UsageConflictError struct {
	Build string
	Procs []string
}

func (e *UsageConflictError) Error() string {
	return fmt.Sprintf("not deleting %s: build is in use by %s and cascade is off", e.Build, strings.Join(e.Procs, ", "))
}

func (e *UsageConflictError) Is(target error) bool { return target == ErrBuildInUse }

// BuildFinder is the slice of the metadata store GC needs.
type BuildFinder interface {
	FindBuildsByAppAndTag(ctx context.Context, app, tag string) ([]metadata.Build, error)
}

// ProcDeleter fully removes one proc; used when a build delete cascades.
type ProcDeleter interface {
	Delete(ctx context.Context, hostname, procName string) error
}

type Option func(*Collector)

// WithImageMaxAge overrides DefaultImageMaxAge. Non-positive values are ignored.
func WithImageMaxAge(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

type Collector struct {
	ch      remote.Channel
	inv     *inventory.Inventory
	deleter ProcDeleter
	finder  BuildFinder
	maxAge  time.Duration
	now     func() time.Time
}

func New(ch remote.Channel, inv *inventory.Inventory, deleter ProcDeleter, finder BuildFinder, opts ...Option) *Collector {
	c := &Collector{ch: ch, inv: inv, deleter: deleter, finder: finder, maxAge: DefaultImageMaxAge, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BuildsInUse is the set of build identities of all installed procs.
func (c *Collector) BuildsInUse(ctx context.Context) (map[string]struct{}, error) {
	procs, err := c.inv.Procs(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[string]struct{}, len(procs))
	for _, p := range procs {
		used[proc.BuildIdentity(p)] = struct{}{}
	}
	return used, nil
}

// BuildProcs lists the installed procs running from build.
func (c *Collector) BuildProcs(ctx context.Context, build string) ([]string, error) {
	procs, err := c.inv.Procs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range procs {
		if proc.BuildIdentity(p) == build {
			out = append(out, p)
		}
	}
	return out, nil
}

func validBuildName(build string) bool {
	return build != "" && build != "." && build != ".." && !strings.ContainsAny(build, "/\\ \t\n")
}

// DeleteBuild removes a build directory. With cascade the procs still using it
// are deleted first; without it such a build is left alone.
func (c *Collector) DeleteBuild(ctx context.Context, hostname, build string, cascade bool) error {
	if !validBuildName(build) {
		return fmt.Errorf("%w: %q", ErrInvalidBuildName, build)
	}
	procs, err := c.BuildProcs(ctx, build)
	if err != nil {
		return err
	}
	if len(procs) > 0 {
		if !cascade {
			return &UsageConflictError{Build: build, Procs: procs}
		}
		for _, p := range procs {
			if err := c.deleter.Delete(ctx, hostname, p); err != nil {
				return fmt.Errorf("cascade delete %s: %w", p, err)
			}
		}
	}
	if err := remote.RemoveTree(ctx, c.ch, c.inv.Layout().BuildDir(build)); err != nil {
		return fmt.Errorf("remove build %s: %w", build, err)
	}
	metrics.IncRemoved("build")
	slog.Info("Build removed", "host", hostname, "build", build)
	return nil
}

// CleanBuilds removes every build no installed proc uses. A failing build is
// logged and skipped; the failures are returned together.
func (c *Collector) CleanBuilds(ctx context.Context, hostname string) ([]string, error) {
	slog.Info("Cleaning builds", "host", hostname)
	if !c.ch.Exists(ctx, c.inv.Layout().BuildsRoot) {
		return []string{}, nil
	}
	used, err := c.BuildsInUse(ctx)
	if err != nil {
		return nil, err
	}
	builds, err := c.inv.Builds(ctx)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0)
	var errs []error
	for _, b := range builds {
		if _, ok := used[b]; ok {
			continue
		}
		if err := c.DeleteBuild(ctx, hostname, b, false); err != nil {
			slog.Warn("Failed to remove build", "host", hostname, "build", b, "error", err)
			errs = append(errs, err)
			continue
		}
		removed = append(removed, b)
	}
	return removed, errors.Join(errs...)
}

// ImagesInUse resolves the OS images referenced by builds in use. Identities
// that cannot be split into app and tag, and unknown apps, are skipped.
func (c *Collector) ImagesInUse(ctx context.Context) (map[string]struct{}, error) {
	used, err := c.BuildsInUse(ctx)
	if err != nil {
		return nil, err
	}
	idents := make([]string, 0, len(used))
	for id := range used {
		idents = append(idents, id)
	}
	sort.Strings(idents)

	images := make(map[string]struct{})
	for _, id := range idents {
		app, tag, ok := strings.Cut(id, "-")
		if !ok {
			slog.Warn("Invalid app name", "build", id)
			continue
		}
		builds, err := c.finder.FindBuildsByAppAndTag(ctx, app, tag)
		if errors.Is(err, metadata.ErrAppNotFound) {
			slog.Warn("Unknown app", "app", app)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("builds of %s: %w", id, err)
		}
		for _, b := range builds {
			if b.OSImage != nil && b.OSImage.Name != "" {
				images[b.OSImage.Name] = struct{}{}
			}
		}
	}
	return images, nil
}

// CleanImages removes unused images not accessed within the retention window
// and returns their paths. It never fails: problems are logged.
func (c *Collector) CleanImages(ctx context.Context) []string {
	host := c.ch.Host()
	slog.Info("Cleaning images", "host", host)
	removed := make([]string, 0)
	root := c.inv.Layout().ImagesRoot
	if !c.ch.Exists(ctx, root) {
		return removed
	}
	all, err := c.inv.Images(ctx)
	if err != nil {
		slog.Error("Failed to remove images", "host", host, "error", err)
		return removed
	}
	inUse, err := c.ImagesInUse(ctx)
	if err != nil {
		slog.Error("Failed to remove images", "host", host, "error", err)
		return removed
	}
	var unused []string
	for _, img := range all {
		if _, ok := inUse[img]; !ok {
			unused = append(unused, img)
		}
	}
	slog.Info("Found unused images", "host", host, "count", len(unused), "images", unused)

	for _, img := range unused {
		p := path.Join(root, img)
		obsolete, err := c.obsolete(ctx, p)
		if err != nil {
			slog.Warn("Failed to check image age", "host", host, "image", p, "error", err)
			continue
		}
		if !obsolete {
			continue
		}
		slog.Info("Removing image", "host", host, "image", p)
		if err := remote.RemoveTree(ctx, c.ch, p); err != nil {
			slog.Warn("Failed to remove image", "host", host, "image", p, "error", err)
			continue
		}
		metrics.IncRemoved("image")
		removed = append(removed, p)
	}
	return removed
}

// obsolete reports whether the image at p was last accessed before the retention window.
func (c *Collector) obsolete(ctx context.Context, p string) (bool, error) {
	if !c.ch.Exists(ctx, p) {
		return false, nil
	}
	out, err := c.ch.Run(ctx, "stat -c %X -- "+remote.ShellQuote(p))
	if err != nil {
		return false, err
	}
	atime, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse atime %q: %w", out, err)
	}
	return c.now().Sub(time.Unix(atime, 0)) > c.maxAge, nil
}
