// Package proc holds the data model shared by every fleet operation: the proc
// descriptor, the on-disk layout of a host, runner selection and the
// proc-name to build-identity rule.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runner commands. The new-style runner drives procs whose descriptor names an
// image URL; everything else predates images and uses the legacy runner.
const (
	RunnerNew     = "vrun"
	RunnerLegacy  = "vrun_precise"
	DefaultRunner = RunnerNew
)

// ErrProcNotFound is returned by RecordLookup when the supervisor does not know the proc.
var ErrProcNotFound = errors.New("proc not found")

// ErrInvalidDescriptor wraps every proc.yaml validation failure.
var ErrInvalidDescriptor = errors.New("invalid proc descriptor")

// Descriptor is the content of a proc.yaml file.
type Descriptor struct {
	AppName   string `yaml:"app_name" json:"app_name"`
	Version   string `yaml:"version" json:"version"`
	ImageName string `yaml:"image_name" json:"image_name"`
	ImageURL  string `yaml:"image_url,omitempty" json:"image_url,omitempty"`
	ProcName  string `yaml:"proc_name" json:"proc_name"`
	Port      int    `yaml:"port" json:"port"`
	User      string `yaml:"user" json:"user"`
}

// NewStyle reports whether the proc runs from an image (new-style runner).
func (d *Descriptor) NewStyle() bool {
	return d != nil && d.ImageURL != ""
}

// Validate checks the fields every operation depends on.
func (d *Descriptor) Validate() error {
	var missing []string
	if d.AppName == "" {
		missing = append(missing, "app_name")
	}
	if d.Version == "" {
		missing = append(missing, "version")
	}
	if d.ImageName == "" {
		missing = append(missing, "image_name")
	}
	if d.ProcName == "" {
		missing = append(missing, "proc_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDescriptor, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(d.ProcName, "/\\") || d.ProcName == "." || d.ProcName == ".." {
		return fmt.Errorf("%w: proc_name %q", ErrInvalidDescriptor, d.ProcName)
	}
	return nil
}

// ParseDescriptor decodes and validates a proc.yaml document.
func ParseDescriptor(b []byte) (*Descriptor, error) {
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescriptor reads a proc.yaml from the local filesystem.
func LoadDescriptor(p string) (*Descriptor, error) {
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return d, nil
}

// Runner returns the runner command for d. A nil descriptor means the
// settings are unknown and the default runner is used.
func Runner(d *Descriptor) string {
	if d == nil {
		return DefaultRunner
	}
	if d.NewStyle() {
		return RunnerNew
	}
	return RunnerLegacy
}

// BuildIdentity maps a proc name to the build it runs from: the first two
// "-" separated tokens, i.e. "app-version".
func BuildIdentity(procName string) string {
	parts := strings.Split(procName, "-")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "-")
}

// BuildName is the build directory name for d: app-version-image.
func BuildName(d *Descriptor) string {
	return fmt.Sprintf("%s-%s-%s", d.AppName, d.Version, d.ImageName)
}

// Record is the supervisor's live view of a proc.
type Record struct {
	Name     string      `json:"name"`
	PID      int         `json:"pid"`
	State    string      `json:"state"`
	Hostname string      `json:"hostname"`
	Settings *Descriptor `json:"settings,omitempty"`
}

// RecordLookup resolves the live record of a proc on a host.
// Implementations return ErrProcNotFound for procs the supervisor does not know.
type RecordLookup interface {
	GetProcRecord(ctx context.Context, hostname, procName string) (*Record, error)
}

// Layout fixes where procs, builds and images live on a host.
type Layout struct {
	ProcsRoot  string `mapstructure:"procs_root" json:"procs_root"`
	BuildsRoot string `mapstructure:"builds_root" json:"builds_root"`
	ImagesRoot string `mapstructure:"images_root" json:"images_root"`
}

func DefaultLayout() Layout {
	return Layout{
		ProcsRoot:  "/apps/procs",
		BuildsRoot: "/apps/builds",
		ImagesRoot: "/apps/images",
	}
}

func (l Layout) ProcPath(procName string) string { return path.Join(l.ProcsRoot, procName) }

func (l Layout) DescriptorPath(procName string) string {
	return path.Join(l.ProcPath(procName), "proc.yaml")
}

func (l Layout) UnitPath(procName string) string {
	return path.Join(l.ProcPath(procName), "proc.conf")
}

func (l Layout) LogPath(procName string) string {
	return path.Join(l.ProcPath(procName), "log")
}

// ContainerPath is the root filesystem of a new-style container.
func (l Layout) ContainerPath(procName string) string {
	return path.Join(l.ProcPath(procName), "rootfs")
}

func (l Layout) BuildPath(d *Descriptor) string { return path.Join(l.BuildsRoot, BuildName(d)) }

func (l Layout) BuildDir(build string) string { return path.Join(l.BuildsRoot, build) }

func (l Layout) ImagePath(image string) string { return path.Join(l.ImagesRoot, image) }

// ContainerName is the supervisor program name of a proc: the basename of its path.
func ContainerName(procPath string) string { return path.Base(procPath) }
