// Package uptest runs the smoke tests shipped with a proc and normalises
// whatever they print into pass/fail records.
package uptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"strings"

	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
)

// DefaultUser runs legacy uptests when the caller names nobody.
const DefaultUser = "nobody"

// syntheticName labels results produced by the runner rather than by a test.
const syntheticName = "uptester"

// Result is one uptest outcome. Name is null when the tests could not run at all.
type Result struct {
	Name   *string `json:"Name"`
	Passed bool    `json:"Passed"`
	Output string  `json:"Output"`
}

func failure(name *string, output string) Result {
	return Result{Name: name, Passed: false, Output: output}
}

func strPtr(s string) *string { return &s }

// ParseOutput turns raw uptester output into results. Anything printed before
// the first "[" is treated as noise and reported as a failed result of its own.
func ParseOutput(raw string) []Result {
	prefix, rest := raw, ""
	if i := strings.Index(raw, "["); i >= 0 {
		prefix, rest = raw[:i], raw[i:]
	}
	var parsed []Result
	if rest == "" || json.Unmarshal([]byte(rest), &parsed) != nil {
		return []Result{failure(strPtr(syntheticName), raw)}
	}
	results := make([]Result, 0, len(parsed)+1)
	if prefix != "" {
		results = append(results, failure(strPtr(syntheticName), prefix))
	}
	return append(results, parsed...)
}

// Runner locates and executes uptests on one host.
type Runner struct {
	ch     remote.Channel
	lookup proc.RecordLookup
	layout proc.Layout
}

func NewRunner(ch remote.Channel, lookup proc.RecordLookup, layout proc.Layout) *Runner {
	return &Runner{ch: ch, lookup: lookup, layout: layout}
}

// Run never fails: every problem ends up as a failed Result.
func (r *Runner) Run(ctx context.Context, hostname, procName, user string, ignoreMissingProcs bool) (results []Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Uptest runner panicked", "host", hostname, "proc", procName, "panic", p)
			results = []Result{failure(nil, fmt.Sprintf("panic: %v\n%s", p, debug.Stack()))}
		}
		for _, res := range results {
			metrics.IncUptest(res.Passed)
		}
	}()

	out, ok, err := r.run(ctx, hostname, procName, user, ignoreMissingProcs)
	if err != nil {
		if ce, isCmd := remote.IsCommandError(err); isCmd {
			slog.Warn("Uptests failed to run", "host", hostname, "proc", procName, "error", ce)
			return []Result{failure(nil, ce.Detail())}
		}
		slog.Error("Uptests errored", "host", hostname, "proc", procName, "error", err)
		return []Result{failure(nil, fmt.Sprintf("%+v", err))}
	}
	if !ok {
		return []Result{}
	}
	return ParseOutput(out)
}

// run returns ok=false when there is nothing to test.
func (r *Runner) run(ctx context.Context, hostname, procName, user string, ignoreMissing bool) (string, bool, error) {
	rec, err := r.lookup.GetProcRecord(ctx, hostname, procName)
	if err != nil {
		if errors.Is(err, proc.ErrProcNotFound) && ignoreMissing {
			slog.Info("Skipping uptests for missing proc", "host", hostname, "proc", procName)
			return "", false, nil
		}
		return "", false, err
	}
	if rec.Settings == nil {
		slog.Info("Proc not deployed by procfleet, no uptests", "host", hostname, "proc", procName)
		return "", false, nil
	}

	procPath := r.layout.ProcPath(procName)
	var testsPath, cmd string
	if r.ch.Exists(ctx, r.layout.ContainerPath(procName)) {
		testsPath = path.Join(r.layout.ContainerPath(procName), "app", "uptests", procName)
		cmd = proc.Runner(rec.Settings) + " uptest " + remote.ShellQuote(r.layout.DescriptorPath(procName))
	} else {
		if user == "" {
			user = DefaultUser
		}
		testsPath = path.Join(r.layout.BuildPath(rec.Settings), "uptests", procName)
		cmd = legacyCommand(procPath, procName, hostname, rec.Settings.Port, user)
	}
	if !r.ch.Exists(ctx, testsPath) {
		slog.Info("No uptests found", "host", hostname, "proc", procName, "path", testsPath)
		return "", false, nil
	}
	out, err := r.ch.Run(ctx, cmd)
	return out, true, err
}

// legacyCommand starts a throwaway copy of the proc container that runs the uptester.
func legacyCommand(procPath, procName, hostname string, port int, user string) string {
	container := proc.ContainerName(procPath)
	inner := fmt.Sprintf("cd /app;source /env.sh; exec /uptester /app/uptests/%s %s %d", procName, hostname, port)
	return fmt.Sprintf(`exec lxc-start --name %s -f %s -- su --preserve-environment --shell /bin/bash -c "%s" %s`,
		remote.ShellQuote(container+"-uptest"), remote.ShellQuote(path.Join(procPath, "proc.lxc")), inner, remote.ShellQuote(user))
}
