package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/supervisor"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "procfleet.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if c.Layout != proc.DefaultLayout() {
		t.Fatalf("unexpected layout: %+v", c.Layout)
	}
	if c.Supervisor.Timeout != supervisor.DefaultTimeout {
		t.Fatalf("supervisor timeout = %v", c.Supervisor.Timeout)
	}
	if c.GC.ImageMaxAge != 90*24*time.Hour {
		t.Fatalf("image max age = %v", c.GC.ImageMaxAge)
	}
	if c.SSH.Port != 22 || !c.SSH.Sudo || c.SSH.DialTimeout != 10*time.Second {
		t.Fatalf("unexpected ssh: %+v", c.SSH)
	}
	if c.Fleet.Parallelism != 4 || c.History.DSN != "" || c.Build.TempRoot != "/tmp" {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeTOML(t, `
[ssh]
user = "deploy"
port = 2222
insecure_ignore_host_key = true
dial_timeout = "3s"
sudo = false

[layout]
procs_root = "/srv/procs"

[supervisor]
timeout = "15s"

[gc]
image_max_age = "720h"

[build]
host = "builder1"
output_dir = "/var/artifacts"

[fleet]
hosts = ["h1", "h2"]
parallelism = 8

[metadata]
dsn = "postgres://u:p@db/meta"

[history]
dsn = "clickhouse://ch:9000/default?table=fleet_history"

[metrics]
enabled = true

[server]
base_path = "/v1"

[log]
level = "debug"
file = "/var/log/procfleet.log"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.SSH.User != "deploy" || c.SSH.Port != 2222 || c.SSH.Sudo || c.SSH.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected ssh: %+v", c.SSH)
	}
	r := c.SSH.Remote()
	if !r.InsecureIgnoreHostKey || r.KnownHostsFile != "~/.ssh/known_hosts" {
		t.Fatalf("unexpected remote config: %+v", r)
	}
	// untouched keys keep their defaults
	if c.Layout.ProcsRoot != "/srv/procs" || c.Layout.BuildsRoot != "/apps/builds" {
		t.Fatalf("unexpected layout: %+v", c.Layout)
	}
	if c.Supervisor.Timeout != 15*time.Second || c.GC.ImageMaxAge != 30*24*time.Hour {
		t.Fatalf("durations not parsed: %+v %+v", c.Supervisor, c.GC)
	}
	if c.Build.Host != "builder1" || c.Build.TempRoot != "/tmp" {
		t.Fatalf("unexpected build: %+v", c.Build)
	}
	if len(c.Fleet.Hosts) != 2 || c.Fleet.Parallelism != 8 {
		t.Fatalf("unexpected fleet: %+v", c.Fleet)
	}
	if !strings.HasPrefix(c.Metadata.DSN, "postgres://") || !strings.HasPrefix(c.History.DSN, "clickhouse://") {
		t.Fatalf("unexpected dsns: %q %q", c.Metadata.DSN, c.History.DSN)
	}
	if !c.Metrics.Enabled || c.Metrics.Listen != ":9090" || c.Server.BasePath != "/v1" {
		t.Fatalf("unexpected metrics/server: %+v %+v", c.Metrics, c.Server)
	}
	if c.Log.Level != "debug" || c.Log.MaxSizeMB != 10 {
		t.Fatalf("unexpected log: %+v", c.Log)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PROCFLEET_SSH_USER", "ops")
	t.Setenv("PROCFLEET_GC_IMAGE_MAX_AGE", "48h")
	p := writeTOML(t, "[ssh]\nuser = \"deploy\"\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.SSH.User != "ops" {
		t.Fatalf("env did not override file: %q", c.SSH.User)
	}
	if c.GC.ImageMaxAge != 48*time.Hour {
		t.Fatalf("env duration not applied: %v", c.GC.ImageMaxAge)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeTOML(t, "[ssh\nuser=")); err == nil {
		t.Fatalf("expected error for malformed toml")
	}
	cases := map[string]string{
		"root layout":  "[layout]\nimages_root = \"/\"\n",
		"relative":     "[layout]\nprocs_root = \"apps/procs\"\n",
		"port":         "[ssh]\nport = 0\n",
		"parallelism":  "[fleet]\nparallelism = 0\n",
		"log level":    "[log]\nlevel = \"loud\"\n",
		"bad duration": "[supervisor]\ntimeout = \"soon\"\n",
	}
	for name, data := range cases {
		if _, err := Load(writeTOML(t, data)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
