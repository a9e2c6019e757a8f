// Package orphan finds and kills container processes that lost their parent.
//
// When an lxc container crashes, the sudo/su process that launched the app
// inside it gets reparented to init and keeps running untracked by
// supervisord. Those processes are recognised by their command line.
package orphan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/remote"
)

// SpawnPatterns are the command line prefixes used when starting procs inside containers.
var SpawnPatterns = []string{
	"sudo -u nobody",
	"su --preserve-environment",
}

const initPID = 1

// exitNoMatch is what procps ps returns when no process matches the selection.
const exitNoMatch = 1

// Record is one orphan and the command lines of its direct children.
type Record struct {
	PID      int      `json:"pid"`
	Command  string   `json:"command"`
	Children []string `json:"children"`
}

type Reaper struct {
	ch       remote.Channel
	patterns []string
}

func New(ch remote.Channel) *Reaper {
	return &Reaper{ch: ch, patterns: SpawnPatterns}
}

type psEntry struct {
	PID     int
	PPID    int
	Command string
}

// parsePS parses "ps -o pid,ppid,command" output, header included.
func parsePS(out string) []psEntry {
	lines := strings.Split(out, "\n")
	entries := make([]psEntry, 0, len(lines))
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{PID: pid, PPID: ppid, Command: strings.Join(fields[2:], " ")})
	}
	return entries
}

func (r *Reaper) spawnedByUs(command string) bool {
	for _, p := range r.patterns {
		if strings.HasPrefix(command, p) {
			return true
		}
	}
	return false
}

// Find lists orphaned privilege-elevation processes, ordered by pid.
func (r *Reaper) Find(ctx context.Context) ([]Record, error) {
	//   PID  PPID COMMAND
	//  6676  6667 sudo -u nobody -E -s ...
	//  9642     1 su --preserve-environment ...
	out, err := r.ch.Run(ctx, "ps -C sudo,su -o pid,ppid,command", remote.WithAllowedExit(exitNoMatch))
	if err != nil {
		return nil, fmt.Errorf("list sudo/su processes: %w", err)
	}
	seen := make(map[int]bool)
	orphans := make([]Record, 0)
	for _, e := range parsePS(out) {
		if e.PPID != initPID || !r.spawnedByUs(e.Command) || seen[e.PID] {
			continue
		}
		seen[e.PID] = true
		children, err := r.children(ctx, e.PID)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, Record{PID: e.PID, Command: e.Command, Children: children})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].PID < orphans[j].PID })
	return orphans, nil
}

func (r *Reaper) children(ctx context.Context, pid int) ([]string, error) {
	out, err := r.ch.Run(ctx, fmt.Sprintf("ps --ppid %d -o command", pid), remote.WithAllowedExit(exitNoMatch))
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", pid, err)
	}
	lines := strings.Split(out, "\n")
	children := make([]string, 0, len(lines))
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(l); l != "" {
			children = append(children, l)
		}
	}
	return children, nil
}

// Kill force-kills every orphan. Children are expected to die with their
// parent and are only logged. A failed kill does not stop the others.
func (r *Reaper) Kill(ctx context.Context) ([]Record, error) {
	orphans, err := r.Find(ctx)
	if err != nil {
		return nil, err
	}
	killed := make([]Record, 0, len(orphans))
	var errs []error
	for _, o := range orphans {
		slog.Info("Killing orphan", "host", r.ch.Host(), "pid", o.PID, "children", o.Children)
		if _, err := r.ch.Run(ctx, fmt.Sprintf("kill -9 %d", o.PID)); err != nil {
			slog.Warn("Failed to kill orphan", "host", r.ch.Host(), "pid", o.PID, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.IncOrphansKilled(r.ch.Host())
		killed = append(killed, o)
	}
	return killed, errors.Join(errs...)
}
