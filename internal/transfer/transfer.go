// Package transfer runs the vbuild and vimage tools on a build host and
// brings their artifacts and logs back.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loykin/procfleet/internal/remote"
)

const DefaultTempRoot = "/tmp"

var ErrInvalidBuildResult = errors.New("invalid build result")

// Remote file names fixed by vbuild and vimage.
const (
	buildJobFile    = "build_job.yaml"
	buildResultFile = "build_result.yaml"
	buildArtifact   = "build.tar.gz"
	imageJobFile    = "image_job.yaml"
)

var buildLogs = []string{"compile.log", "lxcdebug.log"}

// BuildResult is the manifest vbuild writes next to the artifact.
type BuildResult struct {
	AppName      string            `yaml:"app_name" json:"app_name"`
	Version      string            `yaml:"version" json:"version"`
	AppRepoURL   string            `yaml:"app_repo_url" json:"app_repo_url"`
	AppRepoType  string            `yaml:"app_repo_type" json:"app_repo_type"`
	BuildpackURL string            `yaml:"buildpack_url,omitempty" json:"buildpack_url,omitempty"`
	ImageName    string            `yaml:"image_name,omitempty" json:"image_name,omitempty"`
	Config       map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

func (r *BuildResult) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"app_name": r.AppName, "version": r.Version,
		"app_repo_url": r.AppRepoURL, "app_repo_type": r.AppRepoType,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidBuildResult, strings.Join(missing, ", "))
	}
	return nil
}

// ParseBuildResult decodes and validates a build_result.yaml document.
func ParseBuildResult(b []byte) (*BuildResult, error) {
	var r BuildResult
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBuildResult, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ImageJob is the part of a vimage job procfleet reads.
type ImageJob struct {
	NewImageName string `yaml:"new_image_name"`
}

func LoadImageJob(p string) (*ImageJob, error) {
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return nil, err
	}
	var job ImageJob
	if err := yaml.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("parse image job %s: %w", p, err)
	}
	if job.NewImageName == "" || strings.ContainsAny(job.NewImageName, "/\\") {
		return nil, fmt.Errorf("image job %s: invalid new_image_name %q", p, job.NewImageName)
	}
	return &job, nil
}

// BuildOutput lists what BuildApp fetched into the output directory.
type BuildOutput struct {
	Result   *BuildResult `json:"result"`
	Artifact string       `json:"artifact"`
	Logs     []string     `json:"logs"`
}

// ImageOutput lists what BuildImage fetched into the output directory.
type ImageOutput struct {
	Image    string   `json:"image"`
	Artifact string   `json:"artifact"`
	Logs     []string `json:"logs"`
}

type Builder struct {
	ch       remote.Channel
	tempRoot string
	outDir   string
}

// New returns a Builder working under tempRoot on the host and writing
// fetched files to outDir locally.
func New(ch remote.Channel, tempRoot, outDir string) *Builder {
	if tempRoot == "" {
		tempRoot = DefaultTempRoot
	}
	if outDir == "" {
		outDir = "."
	}
	return &Builder{ch: ch, tempRoot: tempRoot, outDir: outDir}
}

// WithTempDir runs fn with a fresh remote directory that is removed afterwards
// whatever fn does, panics included.
func (b *Builder) WithTempDir(ctx context.Context, fn func(dir string) error) error {
	dir := path.Join(b.tempRoot, uuid.NewString())
	if _, err := b.ch.Run(ctx, "mkdir -p -- "+remote.ShellQuote(dir)); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		// the caller's context may be done by now; cleanup still has to run
		if rmErr := remote.RemoveTree(context.WithoutCancel(ctx), b.ch, dir); rmErr != nil {
			slog.Warn("Failed to remove temp dir", "host", b.ch.Host(), "dir", dir, "error", rmErr)
		}
	}()
	return fn(dir)
}

func (b *Builder) local(name string) string { return filepath.Join(b.outDir, name) }

// BuildApp uploads the build job, runs vbuild and fetches the artifact and
// manifest. Build logs are fetched whether or not the build succeeded.
func (b *Builder) BuildApp(ctx context.Context, jobPath string) (*BuildOutput, error) {
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return nil, err
	}
	out := &BuildOutput{}
	err := b.WithTempDir(ctx, func(dir string) error {
		defer func() { out.Logs = b.fetchLogs(ctx, dir, buildLogs...) }()

		if err := b.ch.Upload(ctx, jobPath, path.Join(dir, buildJobFile)); err != nil {
			return fmt.Errorf("upload build job: %w", err)
		}
		slog.Info("Running vbuild", "host", b.ch.Host(), "dir", dir)
		if _, err := b.ch.Run(ctx, "vbuild build "+buildJobFile, remote.WithDir(dir)); err != nil {
			return fmt.Errorf("vbuild: %w", err)
		}
		if err := b.ch.Download(ctx, path.Join(dir, buildResultFile), b.local(buildResultFile)); err != nil {
			return fmt.Errorf("fetch %s: %w", buildResultFile, err)
		}
		raw, err := os.ReadFile(b.local(buildResultFile))
		if err != nil {
			return err
		}
		if out.Result, err = ParseBuildResult(raw); err != nil {
			return err
		}
		if err := b.ch.Download(ctx, path.Join(dir, buildArtifact), b.local(buildArtifact)); err != nil {
			return fmt.Errorf("fetch %s: %w", buildArtifact, err)
		}
		out.Artifact = b.local(buildArtifact)
		return nil
	})
	return out, err
}

// BuildImage uploads the image job, runs vimage and fetches the image tarball
// and its log.
func (b *Builder) BuildImage(ctx context.Context, jobPath string) (*ImageOutput, error) {
	job, err := LoadImageJob(jobPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return nil, err
	}
	out := &ImageOutput{Image: job.NewImageName}
	tarball := job.NewImageName + ".tar.gz"
	err = b.WithTempDir(ctx, func(dir string) error {
		defer func() { out.Logs = b.fetchLogs(ctx, dir, job.NewImageName+".log") }()

		if err := b.ch.Upload(ctx, jobPath, path.Join(dir, imageJobFile)); err != nil {
			return fmt.Errorf("upload image job: %w", err)
		}
		slog.Info("Running vimage", "host", b.ch.Host(), "dir", dir, "image", job.NewImageName)
		if _, err := b.ch.Run(ctx, "vimage build "+imageJobFile, remote.WithDir(dir)); err != nil {
			return fmt.Errorf("vimage: %w", err)
		}
		if err := b.ch.Download(ctx, path.Join(dir, tarball), b.local(tarball)); err != nil {
			return fmt.Errorf("fetch %s: %w", tarball, err)
		}
		out.Artifact = b.local(tarball)
		return nil
	})
	return out, err
}

// fetchLogs downloads each existing log independently; failures are only logged.
func (b *Builder) fetchLogs(ctx context.Context, dir string, names ...string) []string {
	ctx = context.WithoutCancel(ctx)
	fetched := make([]string, 0, len(names))
	for _, name := range names {
		remotePath := path.Join(dir, name)
		if !b.ch.Exists(ctx, remotePath) {
			slog.Info("Log file not found on build host", "host", b.ch.Host(), "log", remotePath)
			continue
		}
		if err := b.ch.Download(ctx, remotePath, b.local(name)); err != nil {
			slog.Warn("Could not retrieve log", "host", b.ch.Host(), "log", remotePath, "error", err)
			continue
		}
		fetched = append(fetched, b.local(name))
	}
	return fetched
}
