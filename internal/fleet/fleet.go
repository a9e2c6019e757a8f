package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/procfleet/internal/config"
	"github.com/loykin/procfleet/internal/history"
	hfactory "github.com/loykin/procfleet/internal/history/factory"
	"github.com/loykin/procfleet/internal/metadata"
	mfactory "github.com/loykin/procfleet/internal/metadata/factory"
	"github.com/loykin/procfleet/internal/remote"
)

// DefaultParallelism bounds ForEach when no limit is set.
const DefaultParallelism = 4

// Dialer opens the channel to one host.
type Dialer interface {
	Dial(ctx context.Context, host string) (remote.Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string) (remote.Channel, error)

func (f DialerFunc) Dial(ctx context.Context, host string) (remote.Channel, error) { return f(ctx, host) }

// SSHDialer dials hosts over SSH.
type SSHDialer struct {
	Config remote.SSHConfig
}

func (d SSHDialer) Dial(ctx context.Context, host string) (remote.Channel, error) {
	ch, err := remote.Dial(ctx, host, d.Config)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Fleet opens sessions to hosts and runs operations on many of them at once.
type Fleet struct {
	dialer      Dialer
	opts        Options
	parallelism int

	closeOnce sync.Once
	closers   []func() error
}

func New(d Dialer, opts Options, parallelism int) *Fleet {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Fleet{dialer: d, opts: opts, parallelism: parallelism}
}

// FromConfig builds a Fleet dialing over SSH, with the metadata store and
// history sink named by the configuration. Close releases both.
func FromConfig(ctx context.Context, c *config.Config) (*Fleet, error) {
	opts := Options{
		Layout:            c.Layout,
		SupervisorTimeout: c.Supervisor.Timeout,
		ImageMaxAge:       c.GC.ImageMaxAge,
		BuildTempRoot:     c.Build.TempRoot,
		BuildOutputDir:    c.Build.OutputDir,
	}
	var closers []func() error
	if c.Metadata.DSN != "" {
		store, err := openMetadata(ctx, c.Metadata.DSN)
		if err != nil {
			return nil, err
		}
		opts.Metadata = store
		closers = append(closers, store.Close)
	}
	sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
	if err != nil {
		for _, fn := range closers {
			_ = fn()
		}
		return nil, fmt.Errorf("history sink: %w", err)
	}
	if sink != nil {
		opts.History = sink
		closers = append(closers, func() error { return history.Close(sink) })
	}
	f := New(SSHDialer{Config: c.SSH.Remote()}, opts, c.Fleet.Parallelism)
	f.closers = closers
	return f, nil
}

func openMetadata(ctx context.Context, dsn string) (metadata.Store, error) {
	store, err := mfactory.NewFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("metadata schema: %w", err)
	}
	return store, nil
}

// Open dials host and returns a session for it. Callers close the session.
func (f *Fleet) Open(ctx context.Context, host string) (*Session, error) {
	ch, err := f.dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", host, err)
	}
	return NewSession(ch, f.opts), nil
}

// With opens a session to host, runs fn and closes the session.
func (f *Fleet) With(ctx context.Context, host string, fn func(ctx context.Context, s *Session) error) error {
	s, err := f.Open(ctx, host)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			slog.Warn("Failed to close session", "host", host, "error", cerr)
		}
	}()
	return fn(ctx, s)
}

// ForEach runs fn against every host with at most the fleet's parallelism in
// flight, one session per host. A failing host does not stop the others;
// all failures are returned joined.
func (f *Fleet) ForEach(ctx context.Context, hosts []string, fn func(ctx context.Context, s *Session) error) error {
	var g errgroup.Group
	g.SetLimit(f.parallelism)
	errs := make([]error, len(hosts))
	for i, host := range hosts {
		g.Go(func() error {
			if err := f.With(ctx, host, fn); err != nil {
				errs[i] = fmt.Errorf("%s: %w", host, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close releases the metadata store and history sink opened by FromConfig.
func (f *Fleet) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		for _, fn := range f.closers {
			errs = append(errs, fn())
		}
	})
	return errors.Join(errs...)
}
