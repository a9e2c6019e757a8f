// Package teardown stops procs, deregisters them from supervisord and removes
// their on-disk state.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loykin/procfleet/internal/inventory"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/orphan"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/supervisor"
)

var ErrEmptyProcName = errors.New("proc name is required")

type Teardown struct {
	ch     remote.Channel
	ctl    *supervisor.Control
	lookup proc.RecordLookup
	reaper *orphan.Reaper
	inv    *inventory.Inventory
	layout proc.Layout
}

func New(ch remote.Channel, ctl *supervisor.Control, lookup proc.RecordLookup,
	reaper *orphan.Reaper, inv *inventory.Inventory) *Teardown {
	return &Teardown{ch: ch, ctl: ctl, lookup: lookup, reaper: reaper, inv: inv, layout: inv.Layout()}
}

// Delete stops and removes procName. Deleting a proc that is already gone succeeds.
func (t *Teardown) Delete(ctx context.Context, hostname, procName string) error {
	if procName == "" {
		return ErrEmptyProcName
	}
	log := slog.With("host", hostname, "proc", procName)

	// Settings must be read before supervisord forgets the proc.
	var settings *proc.Descriptor
	rec, err := t.lookup.GetProcRecord(ctx, hostname, procName)
	switch {
	case err != nil:
		log.Warn("Failed getting proc settings", "error", err)
	case rec.Settings == nil:
		log.Info("Proc has no settings, using default runner")
	default:
		settings = rec.Settings
	}

	pid, err := t.ctl.Pid(ctx, procName)
	if err != nil {
		log.Warn("Failed getting proc pid", "error", err)
	}
	log.Info("Stopping proc", "pid", pid)
	if err := t.ignoreGone(log, "stop", t.ctl.Stop(ctx, procName)); err != nil {
		return fmt.Errorf("stop %s: %w", procName, err)
	}

	if killed, err := t.reaper.Kill(ctx); err != nil {
		log.Warn("Failed killing orphans", "error", err)
	} else if len(killed) > 0 {
		log.Info("Killed orphans", "count", len(killed))
	}

	log.Info("Removing proc from supervisor")
	if err := t.ignoreGone(log, "remove", t.ctl.Remove(ctx, procName)); err != nil {
		return fmt.Errorf("remove %s: %w", procName, err)
	}
	if err := t.Teardown(ctx, procName, settings); err != nil {
		return err
	}
	metrics.IncRemoved("proc")
	log.Info("Proc deleted")
	return nil
}

func (t *Teardown) ignoreGone(log *slog.Logger, action string, err error) error {
	if err != nil && supervisor.IsNoSuchProcess(err) {
		log.Info("Proc unknown to supervisor", "action", action)
		return nil
	}
	return err
}

// Teardown runs the runner's teardown and removes the proc directory. A nil
// settings means unknown and selects the default runner. Missing files are
// not an error.
func (t *Teardown) Teardown(ctx context.Context, procName string, settings *proc.Descriptor) error {
	if procName == "" {
		return ErrEmptyProcName
	}
	procDir := t.layout.ProcPath(procName)
	procYAML := t.layout.DescriptorPath(procName)
	log := slog.With("host", t.ch.Host(), "proc", procName)

	if t.ch.Exists(ctx, procYAML) {
		runner := proc.Runner(settings)
		log.Info("Tearing down proc", "runner", runner)
		if _, err := t.ch.Run(ctx, runner+" teardown "+remote.ShellQuote(procYAML)); err != nil {
			return fmt.Errorf("%s teardown %s: %w", runner, procName, err)
		}
	} else {
		log.Info("Missing proc.yaml", "path", procYAML)
	}

	if t.ch.Exists(ctx, procDir) {
		log.Info("Removing proc dir", "path", procDir)
		if err := remote.RemoveTree(ctx, t.ch, procDir); err != nil {
			return fmt.Errorf("remove %s: %w", procDir, err)
		}
	} else {
		log.Info("Missing proc dir", "path", procDir)
	}
	return nil
}

// OldProcNames lists procs present on disk that supervisord does not know.
func (t *Teardown) OldProcNames(ctx context.Context) ([]string, error) {
	supervised, err := t.ctl.SupervisedProcNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervised procs: %w", err)
	}
	installed, err := t.inv.InstalledProcNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("installed procs: %w", err)
	}
	var old []string
	for name := range installed {
		if _, ok := supervised[name]; !ok {
			old = append(old, name)
		}
	}
	sort.Strings(old)
	return old, nil
}

// TeardownOldProcs removes procs left on disk by failed swaps. supervisord
// would start them again on reboot. Their settings are unknown because the
// supervisor is the source of settings.
func (t *Teardown) TeardownOldProcs(ctx context.Context, hostname string) ([]string, error) {
	old, err := t.OldProcNames(ctx)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(old))
	for _, name := range old {
		slog.Info("Tearing down old proc", "host", hostname, "proc", name)
		if err := t.Teardown(ctx, name, nil); err != nil {
			return removed, err
		}
		metrics.IncRemoved("proc")
		removed = append(removed, name)
	}
	return removed, nil
}
