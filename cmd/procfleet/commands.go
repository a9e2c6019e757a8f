package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procfleet"
	"github.com/loykin/procfleet/internal/config"
	"github.com/loykin/procfleet/internal/logger"
)

// command carries what every sub-command needs once the root has loaded
// the configuration.
type command struct {
	out      io.Writer
	cfg      *config.Config
	logClose io.Closer
	// openFleet is replaced in tests.
	openFleet func(ctx context.Context, c *config.Config) (*procfleet.Fleet, error)
}

func newCommand(out io.Writer) *command {
	return &command{out: out, openFleet: procfleet.Open}
}

// setup loads the configuration and installs logging and metrics.
func (c *command) setup(flags GlobalFlags) error {
	cfg, err := procfleet.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := procfleet.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
	}
	c.cfg = cfg
	c.logClose = closer
	return nil
}

func (c *command) teardown() error {
	if c.logClose != nil {
		return c.logClose.Close()
	}
	return nil
}

func (c *command) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Default()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *command) withFleet(ctx context.Context, fn func(f *procfleet.Fleet) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	f, err := c.openFleet(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("Failed to close fleet", "error", cerr)
		}
	}()
	return fn(f)
}

// onHost runs fn in a session to host and prints its result as JSON.
func (c *command) onHost(ctx context.Context, host string, fn func(ctx context.Context, s *procfleet.Session) (any, error)) error {
	if host == "" {
		return errors.New("host is required")
	}
	return c.withFleet(ctx, func(f *procfleet.Fleet) error {
		return f.With(ctx, host, func(ctx context.Context, s *procfleet.Session) error {
			v, err := fn(ctx, s)
			if err != nil {
				return err
			}
			if v != nil {
				printJSON(c.out, v)
			}
			return nil
		})
	})
}

type okResult struct {
	OK bool `json:"ok"`
}

func (c *command) Deploy(ctx context.Context, f DeployFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return okResult{OK: true}, s.DeployProc(ctx, f.Descriptor)
	})
}

// Uptest prints the results and fails when any of them failed.
func (c *command) Uptest(ctx context.Context, f UptestFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		results := s.RunUptests(ctx, f.Host, f.Proc, f.User, f.IgnoreMissing)
		printJSON(c.out, results)
		failed := 0
		for _, r := range results {
			if !r.Passed {
				failed++
			}
		}
		if failed > 0 {
			return nil, fmt.Errorf("%d of %d uptests failed", failed, len(results))
		}
		return nil, nil
	})
}

func (c *command) DeleteProc(ctx context.Context, f DeleteProcFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return okResult{OK: true}, s.DeleteProc(ctx, f.Host, f.Proc)
	})
}

func (c *command) DeleteBuild(ctx context.Context, f DeleteBuildFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return okResult{OK: true}, s.DeleteBuild(ctx, f.Build, f.Cascade)
	})
}

func (c *command) CleanBuilds(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.CleanBuildsFolders(ctx, f.Host)
	})
}

func (c *command) CleanImages(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.CleanImagesFolders(ctx, f.Host), nil
	})
}

func (c *command) TeardownOld(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.TeardownOldProcs(ctx, f.Host)
	})
}

func (c *command) KillOrphans(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.KillOrphans(ctx, f.Host)
	})
}

func (c *command) Procs(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.GetProcs(ctx, f.Host)
	})
}

func (c *command) Builds(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.GetBuilds(ctx, f.Host)
	})
}

func (c *command) Images(ctx context.Context, f HostFlags) error {
	return c.onHost(ctx, f.Host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.GetImages(ctx, f.Host)
	})
}

func (c *command) buildHost(f JobFlags) (string, error) {
	if f.Host != "" {
		return f.Host, nil
	}
	cfg, err := c.config()
	if err != nil {
		return "", err
	}
	if cfg.Build.Host == "" {
		return "", errors.New("no build host: pass --host or set [build].host")
	}
	return cfg.Build.Host, nil
}

func (c *command) BuildApp(ctx context.Context, f JobFlags) error {
	host, err := c.buildHost(f)
	if err != nil {
		return err
	}
	return c.onHost(ctx, host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.BuildApp(ctx, f.Job)
	})
}

func (c *command) BuildImage(ctx context.Context, f JobFlags) error {
	host, err := c.buildHost(f)
	if err != nil {
		return err
	}
	return c.onHost(ctx, host, func(ctx context.Context, s *procfleet.Session) (any, error) {
		return s.BuildImage(ctx, f.Job)
	})
}

// GC collects garbage on every reachable host concurrently and prints one
// report per host. Step failures are listed in the report and returned.
func (c *command) GC(ctx context.Context, f GCFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	hosts := f.Hosts
	if len(hosts) == 0 {
		hosts = cfg.Fleet.Hosts
	}
	if len(hosts) == 0 {
		return errors.New("no hosts: pass --hosts or set [fleet].hosts")
	}
	return c.withFleet(ctx, func(fl *procfleet.Fleet) error {
		var mu sync.Mutex
		reports := make([]*procfleet.GCReport, 0, len(hosts))
		err := fl.ForEach(ctx, hosts, func(ctx context.Context, s *procfleet.Session) error {
			rep, err := s.CollectGarbage(ctx)
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
			return err
		})
		sort.Slice(reports, func(i, j int) bool { return reports[i].Host < reports[j].Host })
		printJSON(c.out, reports)
		return err
	})
}

func (c *command) MetadataImport(ctx context.Context, f ImportFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if cfg.Metadata.DSN == "" {
		return errors.New("no metadata store: set [metadata].dsn")
	}
	file, err := os.Open(filepath.Clean(f.File))
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	stats, err := procfleet.ImportMetadata(ctx, cfg.Metadata.DSN, file)
	if err != nil {
		return err
	}
	printJSON(c.out, stats)
	return nil
}

// Serve runs the operations API until ctx is cancelled.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	listen := f.Listen
	if listen == "" {
		listen = cfg.Server.Listen
	}
	base := f.BasePath
	if base == "" {
		base = cfg.Server.BasePath
	}
	// metrics share the API listener unless [metrics].listen names another one
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Listen != "" && cfg.Metrics.Listen != listen

	return c.withFleet(ctx, func(fl *procfleet.Fleet) error {
		srv := procfleet.NewHTTPServer(listen, base, fl, cfg.Metrics.Enabled && !separateMetrics)
		errCh := make(chan error, 2)
		go func() { errCh <- srv.ListenAndServe() }()
		if separateMetrics {
			go func() { errCh <- procfleet.ServeMetrics(cfg.Metrics.Listen) }()
		}
		slog.Info("Serving operations API", "listen", listen, "base_path", base)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		slog.Info("Shutting down operations API")
		return srv.Shutdown(shutdownCtx)
	})
}
