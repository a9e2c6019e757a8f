// Package deploy installs a proc on a host and registers it with supervisord.
package deploy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/supervisor"
)

//go:embed proc.conf.tmpl
var unitTemplateText string

var unitTemplate = template.Must(template.New("proc.conf").Option("missingkey=error").Parse(unitTemplateText))

// unitUser is the supervisord user; the runner drops privileges itself.
const unitUser = "root"

// UnitVars are the values substituted into the supervisor unit.
type UnitVars struct {
	ProcYAMLPath  string
	ContainerName string
	ContainerPath string
	Log           string
	Runner        string
	User          string
}

// NewUnitVars derives the unit values for d under layout.
func NewUnitVars(layout proc.Layout, d *proc.Descriptor) UnitVars {
	return UnitVars{
		ProcYAMLPath:  layout.DescriptorPath(d.ProcName),
		ContainerName: proc.ContainerName(layout.ProcPath(d.ProcName)),
		ContainerPath: layout.ContainerPath(d.ProcName),
		Log:           layout.LogPath(d.ProcName),
		Runner:        proc.Runner(d),
		User:          unitUser,
	}
}

// RenderUnit renders the supervisor program section for a proc.
func RenderUnit(v UnitVars) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render proc.conf: %w", err)
	}
	return buf.Bytes(), nil
}

type Deployer struct {
	ch     remote.Channel
	ctl    *supervisor.Control
	layout proc.Layout
}

func New(ch remote.Channel, ctl *supervisor.Control, layout proc.Layout) *Deployer {
	return &Deployer{ch: ch, ctl: ctl, layout: layout}
}

// Deploy gets the proc described by the local proc.yaml at descriptorPath
// running on the host. A failed step leaves earlier steps in place.
func (d *Deployer) Deploy(ctx context.Context, descriptorPath string) (*proc.Descriptor, error) {
	settings, err := proc.LoadDescriptor(descriptorPath)
	if err != nil {
		return nil, err
	}
	procPath := d.layout.ProcPath(settings.ProcName)
	remoteYAML := d.layout.DescriptorPath(settings.ProcName)
	log := slog.With("host", d.ch.Host(), "proc", settings.ProcName)

	if _, err := d.ch.Run(ctx, "mkdir -p -- "+remote.ShellQuote(procPath)); err != nil {
		return nil, fmt.Errorf("create %s: %w", procPath, err)
	}
	if err := d.ch.Upload(ctx, descriptorPath, remoteYAML); err != nil {
		return nil, fmt.Errorf("upload proc.yaml: %w", err)
	}
	runner := proc.Runner(settings)
	log.Info("Running proc setup", "runner", runner)
	if _, err := d.ch.Run(ctx, runner+" setup "+remote.ShellQuote(remoteYAML)); err != nil {
		return nil, fmt.Errorf("%s setup: %w", runner, err)
	}
	if err := d.writeUnit(ctx, settings); err != nil {
		return nil, err
	}
	if err := d.ctl.Reread(ctx); err != nil {
		return nil, fmt.Errorf("supervisor reread: %w", err)
	}
	name := proc.ContainerName(procPath)
	if err := d.ctl.Add(ctx, name); err != nil {
		return nil, fmt.Errorf("supervisor add %s: %w", name, err)
	}
	log.Info("Proc deployed")
	return settings, nil
}

func (d *Deployer) writeUnit(ctx context.Context, settings *proc.Descriptor) error {
	unit, err := RenderUnit(NewUnitVars(d.layout, settings))
	if err != nil {
		return err
	}
	f, err := os.CreateTemp("", "proc-*.conf")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(unit); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := d.ch.Upload(ctx, f.Name(), d.layout.UnitPath(settings.ProcName)); err != nil {
		return fmt.Errorf("upload proc.conf: %w", err)
	}
	return nil
}
