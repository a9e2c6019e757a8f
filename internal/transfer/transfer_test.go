package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procfleet/internal/remote/remotetest"
)

const buildResultYAML = `app_name: web
version: v3
app_repo_url: https://git.example.com/web
app_repo_type: git
buildpack_url: https://git.example.com/bp-python
`

func writeLocal(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// tempDirs returns the temp directories created through mkdir -p.
func tempDirs(ch *remotetest.Fake) []string {
	var dirs []string
	for _, c := range ch.CallsWithPrefix("mkdir -p -- /tmp/") {
		dirs = append(dirs, strings.TrimPrefix(c.Command, "mkdir -p -- "))
	}
	return dirs
}

func TestBuildAppFetchesArtifactsAndLogs(t *testing.T) {
	ch := remotetest.New("builder")
	ch.Handle("vbuild build build_job.yaml", func(c remotetest.Call) (string, error) {
		ch.AddFile(c.Options.Dir+"/build_result.yaml", buildResultYAML)
		ch.AddFile(c.Options.Dir+"/build.tar.gz", "tarball")
		ch.AddFile(c.Options.Dir+"/compile.log", "compiled")
		return "", nil
	})
	out := t.TempDir()
	b := New(ch, "", out)

	res, err := b.BuildApp(context.Background(), writeLocal(t, "build.yaml", "app_name: web\n"))
	require.NoError(t, err)
	assert.Equal(t, "web", res.Result.AppName)
	assert.Equal(t, filepath.Join(out, "build.tar.gz"), res.Artifact)
	assert.Equal(t, []string{filepath.Join(out, "compile.log")}, res.Logs)

	dirs := tempDirs(ch)
	require.Len(t, dirs, 1)
	uploaded, ok := ch.Uploaded(dirs[0] + "/build_job.yaml")
	require.True(t, ok)
	assert.Equal(t, "app_name: web\n", uploaded)
	assert.False(t, ch.HasPath(dirs[0]), "temp dir must be removed")

	body, err := os.ReadFile(filepath.Join(out, "build.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(body))
}

func TestBuildAppFailureStillFetchesLogsAndCleansUp(t *testing.T) {
	ch := remotetest.New("builder")
	ch.Handle("vbuild build", func(c remotetest.Call) (string, error) {
		ch.AddFile(c.Options.Dir+"/compile.log", "error: no such module")
		ch.AddFile(c.Options.Dir+"/lxcdebug.log", "lxc")
		return "", errors.New("vbuild exploded")
	})
	out := t.TempDir()
	res, err := New(ch, "", out).BuildApp(context.Background(), writeLocal(t, "build.yaml", "x: 1\n"))
	require.Error(t, err)
	assert.Len(t, res.Logs, 2)
	_, statErr := os.Stat(filepath.Join(out, "lxcdebug.log"))
	assert.NoError(t, statErr)
	assert.False(t, ch.HasPath(tempDirs(ch)[0]))
}

func TestBuildAppRejectsInvalidResult(t *testing.T) {
	ch := remotetest.New("builder")
	ch.Handle("vbuild build", func(c remotetest.Call) (string, error) {
		ch.AddFile(c.Options.Dir+"/build_result.yaml", "app_name: web\n")
		ch.AddFile(c.Options.Dir+"/build.tar.gz", "tarball")
		return "", nil
	})
	out := t.TempDir()
	_, err := New(ch, "", out).BuildApp(context.Background(), writeLocal(t, "build.yaml", "x: 1\n"))
	require.ErrorIs(t, err, ErrInvalidBuildResult)
	_, statErr := os.Stat(filepath.Join(out, "build.tar.gz"))
	assert.True(t, os.IsNotExist(statErr), "artifact must not be fetched for an invalid result")
}

func TestBuildImage(t *testing.T) {
	ch := remotetest.New("builder")
	ch.Handle("vimage build image_job.yaml", func(c remotetest.Call) (string, error) {
		ch.AddFile(c.Options.Dir+"/trusty-2.tar.gz", "image")
		ch.AddFile(c.Options.Dir+"/trusty-2.log", "log")
		return "", nil
	})
	out := t.TempDir()
	res, err := New(ch, "/var/tmp", out).BuildImage(context.Background(),
		writeLocal(t, "image.yaml", "new_image_name: trusty-2\nbase_image_url: http://x\n"))
	require.NoError(t, err)
	assert.Equal(t, "trusty-2", res.Image)
	assert.Equal(t, filepath.Join(out, "trusty-2.tar.gz"), res.Artifact)
	assert.Equal(t, []string{filepath.Join(out, "trusty-2.log")}, res.Logs)
	assert.Len(t, ch.CallsWithPrefix("mkdir -p -- /var/tmp/"), 1)
}

func TestBuildImageRequiresName(t *testing.T) {
	ch := remotetest.New("builder")
	_, err := New(ch, "", t.TempDir()).BuildImage(context.Background(), writeLocal(t, "image.yaml", "base: x\n"))
	require.Error(t, err)
	assert.Empty(t, ch.Calls())
}

func TestWithTempDirRemovesOnPanic(t *testing.T) {
	ch := remotetest.New("builder")
	b := New(ch, "", t.TempDir())
	var dir string
	func() {
		defer func() { _ = recover() }()
		_ = b.WithTempDir(context.Background(), func(d string) error {
			dir = d
			panic("boom")
		})
	}()
	require.NotEmpty(t, dir)
	assert.Len(t, ch.CallsWithPrefix("rm -rf -- "+dir), 1)
	assert.False(t, ch.HasPath(dir))
}

func TestWithTempDirRemovesAfterCancel(t *testing.T) {
	ch := remotetest.New("builder")
	b := New(ch, "", t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	err := b.WithTempDir(ctx, func(string) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, ch.CallsWithPrefix("rm -rf -- /tmp/"), 1)
}

func TestParseBuildResult(t *testing.T) {
	r, err := ParseBuildResult([]byte(buildResultYAML))
	require.NoError(t, err)
	assert.Equal(t, "git", r.AppRepoType)

	_, err = ParseBuildResult([]byte("app_name: web\nversion: v1\n"))
	require.ErrorIs(t, err, ErrInvalidBuildResult)
	assert.Contains(t, err.Error(), "app_repo_type, app_repo_url")

	_, err = ParseBuildResult([]byte(":::"))
	require.ErrorIs(t, err, ErrInvalidBuildResult)
}

func TestWithTempDirUnderRootWithSpace(t *testing.T) {
	ch := remotetest.New("builder")
	ch.AddDir("/srv/build tmp/keep")
	b := New(ch, "/srv/build tmp", t.TempDir())
	var dir string
	require.NoError(t, b.WithTempDir(context.Background(), func(d string) error {
		dir = d
		assert.True(t, ch.HasPath(d))
		return nil
	}))
	assert.True(t, strings.HasPrefix(dir, "/srv/build tmp/"))
	assert.False(t, ch.HasPath(dir))
	assert.True(t, ch.HasPath("/srv/build tmp/keep"), "sibling of the temp dir must survive")
}
