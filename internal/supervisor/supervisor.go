// Package supervisor drives supervisord on a remote host through supervisorctl.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
)

// DefaultTimeout bounds every supervisorctl call; its control socket can hang.
const DefaultTimeout = 60 * time.Second

// exitNotAllRunning is what supervisorctl status returns when some programs are not RUNNING.
const exitNotAllRunning = 3

// Control runs supervisorctl sub-commands over a channel.
type Control struct {
	ch      remote.Channel
	timeout time.Duration
}

func New(ch remote.Channel, timeout time.Duration) *Control {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Control{ch: ch, timeout: timeout}
}

func (c *Control) run(ctx context.Context, args string, opts ...remote.RunOption) (string, error) {
	opts = append(opts, remote.WithTimeout(c.timeout))
	return c.ch.Run(ctx, "supervisorctl "+args, opts...)
}

func (c *Control) Reread(ctx context.Context) error {
	_, err := c.run(ctx, "reread")
	return err
}

func (c *Control) Add(ctx context.Context, name string) error {
	_, err := c.run(ctx, "add "+remote.ShellQuote(name))
	return err
}

func (c *Control) Stop(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stop "+remote.ShellQuote(name))
	return err
}

func (c *Control) Remove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "remove "+remote.ShellQuote(name))
	return err
}

// Pid returns the pid supervisorctl reports for name ("0" when stopped).
func (c *Control) Pid(ctx context.Context, name string) (string, error) {
	return c.run(ctx, "pid "+remote.ShellQuote(name))
}

// Status returns the raw status table, one program per line.
func (c *Control) Status(ctx context.Context) (string, error) {
	return c.run(ctx, "status", remote.WithAllowedExit(exitNotAllRunning))
}

// SupervisedProcNames lists the programs supervisord currently knows.
func (c *Control) SupervisedProcNames(ctx context.Context) (map[string]struct{}, error) {
	out, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return procNamesFromStatus(out), nil
}

func procNamesFromStatus(out string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names[fields[0]] = struct{}{}
	}
	return names
}

// IsNoSuchProcess reports whether err is supervisorctl complaining about an unknown program.
func IsNoSuchProcess(err error) bool {
	ce, ok := remote.IsCommandError(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(ce.Output), "no such process")
}

// statusLine is one parsed row of supervisorctl status.
type statusLine struct {
	Name  string
	State string
	PID   int
}

// parseStatusLine understands rows like
//
//	web-v3-trusty-web   RUNNING   pid 2162, uptime 0:12:31
//	worker-v1-beat      STOPPED   Oct 19 09:12 AM
func parseStatusLine(line string) (statusLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return statusLine{}, false
	}
	sl := statusLine{Name: fields[0], State: fields[1]}
	for i := 2; i+1 < len(fields); i++ {
		if fields[i] == "pid" {
			if pid, err := strconv.Atoi(strings.TrimSuffix(fields[i+1], ",")); err == nil {
				sl.PID = pid
			}
			break
		}
	}
	return sl, true
}

// Inspector resolves live proc records from supervisord plus the proc.yaml on disk.
type Inspector struct {
	ctl    *Control
	ch     remote.Channel
	layout proc.Layout
}

func NewInspector(ctl *Control, ch remote.Channel, layout proc.Layout) *Inspector {
	return &Inspector{ctl: ctl, ch: ch, layout: layout}
}

// GetProcRecord implements proc.RecordLookup. Settings stay nil when the
// program has no readable proc.yaml, i.e. it was not deployed by us.
func (i *Inspector) GetProcRecord(ctx context.Context, hostname, procName string) (*proc.Record, error) {
	out, err := i.ctl.run(ctx, "status "+remote.ShellQuote(procName), remote.WithAllowedExit(exitNotAllRunning))
	if err != nil {
		if IsNoSuchProcess(err) {
			return nil, fmt.Errorf("%s on %s: %w", procName, hostname, proc.ErrProcNotFound)
		}
		return nil, err
	}
	if strings.Contains(strings.ToLower(out), "no such process") {
		return nil, fmt.Errorf("%s on %s: %w", procName, hostname, proc.ErrProcNotFound)
	}
	var rec *proc.Record
	for _, line := range strings.Split(out, "\n") {
		sl, ok := parseStatusLine(line)
		if ok && sl.Name == procName {
			rec = &proc.Record{Name: sl.Name, PID: sl.PID, State: sl.State, Hostname: hostname}
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%s on %s: %w", procName, hostname, proc.ErrProcNotFound)
	}

	raw, err := i.ch.Run(ctx, "cat -- "+remote.ShellQuote(i.layout.DescriptorPath(procName)))
	if err != nil {
		if _, ok := remote.IsCommandError(err); ok {
			slog.Debug("proc has no descriptor", "host", hostname, "proc", procName)
			return rec, nil
		}
		return nil, err
	}
	settings, err := proc.ParseDescriptor([]byte(raw))
	if err != nil {
		slog.Warn("unreadable proc descriptor", "host", hostname, "proc", procName, "error", err)
		return rec, nil
	}
	rec.Settings = settings
	return rec, nil
}

var _ proc.RecordLookup = (*Inspector)(nil)
