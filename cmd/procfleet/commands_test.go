package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procfleet"
	"github.com/loykin/procfleet/internal/config"
	"github.com/loykin/procfleet/internal/fleet"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/remote/remotetest"
)

// testCommand returns a command whose fleet dials the given fake hosts.
func testCommand(t *testing.T, hosts ...*remotetest.Fake) (*command, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	byName := make(map[string]*remotetest.Fake, len(hosts))
	for _, h := range hosts {
		byName[h.Host()] = h
	}
	var mu sync.Mutex
	d := fleet.DialerFunc(func(_ context.Context, host string) (remote.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		ch, ok := byName[host]
		if !ok {
			return nil, errors.New("no route to host")
		}
		return ch, nil
	})
	out := &bytes.Buffer{}
	c := &command{
		out: out,
		cfg: cfg,
		openFleet: func(ctx context.Context, c *config.Config) (*procfleet.Fleet, error) {
			return fleet.New(d, fleet.Options{Layout: c.Layout}, c.Fleet.Parallelism), nil
		},
	}
	return c, out
}

func TestProcsPrintsJSON(t *testing.T) {
	ch := remotetest.New("app1")
	ch.AddDir("/apps/procs/web-v3-trusty-web")
	c, out := testCommand(t, ch)

	if err := c.Procs(context.Background(), HostFlags{Host: "app1"}); err != nil {
		t.Fatalf("procs: %v", err)
	}
	var names []string
	if err := json.Unmarshal(out.Bytes(), &names); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(names) != 1 || names[0] != "web-v3-trusty-web" {
		t.Fatalf("unexpected output: %v", names)
	}
}

func TestHostRequired(t *testing.T) {
	c, _ := testCommand(t)
	if err := c.Builds(context.Background(), HostFlags{}); err == nil {
		t.Fatalf("expected error without host")
	}
}

func TestDeleteBuildConflict(t *testing.T) {
	ch := remotetest.New("app1")
	ch.AddDir("/apps/procs/web-v3-trusty-web")
	ch.AddDir("/apps/builds/web-v3")
	c, out := testCommand(t, ch)

	err := c.DeleteBuild(context.Background(), DeleteBuildFlags{Host: "app1", Build: "web-v3"})
	if !errors.Is(err, procfleet.ErrBuildInUse) {
		t.Fatalf("expected build in use, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be printed on failure: %s", out.String())
	}
	ch.Accept("supervisorctl ", "ps -C sudo,su")
	if err := c.DeleteBuild(context.Background(), DeleteBuildFlags{Host: "app1", Build: "web-v3", Cascade: true}); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if ch.HasPath("/apps/builds/web-v3") {
		t.Fatalf("build not removed")
	}
}

func TestUptestFailureIsError(t *testing.T) {
	ch := remotetest.New("app1")
	ch.Fail("supervisorctl status", 4, "web-v3-trusty-web: ERROR (no such process)")
	c, out := testCommand(t, ch)
	err := c.Uptest(context.Background(), UptestFlags{Host: "app1", Proc: "web-v3-trusty-web"})
	if err == nil || !strings.Contains(err.Error(), "uptests failed") {
		t.Fatalf("expected uptest failure, got %v", err)
	}
	if !strings.Contains(out.String(), `"Passed": false`) {
		t.Fatalf("results not printed: %s", out.String())
	}

	out.Reset()
	if err := c.Uptest(context.Background(), UptestFlags{Host: "app1", Proc: "web-v3-trusty-web", IgnoreMissing: true}); err != nil {
		t.Fatalf("ignore missing: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestGCAcrossHosts(t *testing.T) {
	a := remotetest.New("app1")
	a.AddDir("/apps/builds/web-v1")
	b := remotetest.New("app2")
	b.AddDir("/apps/procs/api-v2-trusty-api")
	b.AddDir("/apps/builds/api-v2")
	for _, h := range []*remotetest.Fake{a, b} {
		h.Accept("supervisorctl ", "ps -C sudo,su")
	}
	c, out := testCommand(t, a, b)

	err := c.GC(context.Background(), GCFlags{Hosts: []string{"app2", "app1", "down"}})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected failure for unreachable host, got %v", err)
	}
	var reports []procfleet.GCReport
	if err := json.Unmarshal(out.Bytes(), &reports); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(reports) != 2 || reports[0].Host != "app1" || reports[1].Host != "app2" {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if len(reports[0].Builds) != 1 || reports[0].Builds[0] != "web-v1" {
		t.Fatalf("app1 builds: %+v", reports[0].Builds)
	}
	// app2's proc is not supervised, so it is torn down and its build freed
	if len(reports[1].OldProcs) != 1 || len(reports[1].Builds) != 1 {
		t.Fatalf("app2 report: %+v", reports[1])
	}
}

func TestGCNeedsHosts(t *testing.T) {
	c, _ := testCommand(t)
	if err := c.GC(context.Background(), GCFlags{}); err == nil {
		t.Fatalf("expected error without hosts")
	}
}

func TestBuildHostDefaultsToConfig(t *testing.T) {
	c, _ := testCommand(t)
	if _, err := c.buildHost(JobFlags{}); err == nil {
		t.Fatalf("expected error without build host")
	}
	c.cfg.Build.Host = "builder"
	h, err := c.buildHost(JobFlags{})
	if err != nil || h != "builder" {
		t.Fatalf("buildHost = %q, %v", h, err)
	}
	h, _ = c.buildHost(JobFlags{Host: "other"})
	if h != "other" {
		t.Fatalf("flag must win: %q", h)
	}
}

func TestBuildImage(t *testing.T) {
	ch := remotetest.New("builder")
	ch.Handle("vimage build", func(call remotetest.Call) (string, error) {
		ch.AddFile(call.Options.Dir+"/trusty-2.tar.gz", "image")
		return "", nil
	})
	c, out := testCommand(t, ch)
	c.cfg.Build.Host = "builder"
	c.cfg.Build.OutputDir = t.TempDir()
	job := filepath.Join(t.TempDir(), "image.yaml")
	if err := os.WriteFile(job, []byte("new_image_name: trusty-2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.openFleet = func(ctx context.Context, cfg *config.Config) (*procfleet.Fleet, error) {
		d := fleet.DialerFunc(func(context.Context, string) (remote.Channel, error) { return ch, nil })
		return fleet.New(d, fleet.Options{BuildOutputDir: cfg.Build.OutputDir}, 1), nil
	}
	if err := c.BuildImage(context.Background(), JobFlags{Job: job}); err != nil {
		t.Fatalf("build image: %v", err)
	}
	if !strings.Contains(out.String(), `"image": "trusty-2"`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if _, err := os.Stat(filepath.Join(c.cfg.Build.OutputDir, "trusty-2.tar.gz")); err != nil {
		t.Fatalf("artifact not fetched: %v", err)
	}
}

func TestMetadataImport(t *testing.T) {
	c, out := testCommand(t)
	dir := t.TempDir()
	c.cfg.Metadata.DSN = "sqlite://" + filepath.Join(dir, "meta.db")
	export := filepath.Join(dir, "export.yaml")
	data := "apps: [web]\nimages: [trusty-1]\nbuilds:\n  - app: web\n    tag: v3\n    os_image: trusty-1\n"
	if err := os.WriteFile(export, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.MetadataImport(context.Background(), ImportFlags{File: export}); err != nil {
		t.Fatalf("import: %v", err)
	}
	var stats procfleet.ImportStats
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Builds != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	c, _ := testCommand(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ServeFlags{Listen: "127.0.0.1:0"}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
