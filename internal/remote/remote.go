package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
)

// ErrUnsafePath is returned by RemoveTree for the empty path and the root path.
var ErrUnsafePath = errors.New("refusing to remove unsafe path")

// Channel executes privileged commands and transfers files on exactly one host.
// Implementations must be safe for sequential use by one operation at a time.
type Channel interface {
	// Run executes command as the privileged user. A non-zero exit status
	// (not listed in WithAllowedExit) or an expired timeout yields *CommandError.
	Run(ctx context.Context, command string, opts ...RunOption) (string, error)
	Upload(ctx context.Context, local, remote string) error
	Download(ctx context.Context, remote, local string) error
	// Exists reports whether path exists. Any failure counts as absent.
	Exists(ctx context.Context, path string) bool
	Host() string
	Close() error
}

// CommandError describes a remote command that exited non-zero or timed out.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Output   string
	TimedOut bool
}

// maxErrorOutput bounds how much captured output Error carries.
const maxErrorOutput = 512

func (e *CommandError) summary() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out on %s: %s", e.Host, e.Command)
	}
	return fmt.Sprintf("command failed with exit code %d on %s: %s", e.ExitCode, e.Host, e.Command)
}

// Error includes the tail of the captured output.
func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return e.summary()
	}
	if len(out) > maxErrorOutput {
		out = "..." + out[len(out)-maxErrorOutput:]
	}
	return e.summary() + ": " + out
}

// Detail renders the error together with the full captured output.
func (e *CommandError) Detail() string {
	if e.Output == "" {
		return e.summary()
	}
	return e.summary() + "\n" + e.Output
}

// Interrupted describes a command abandoned because ctx ended with ctxErr.
// Only an expired deadline counts as a timeout; a cancellation is a plain
// failure carrying the cancellation cause.
func Interrupted(host, command string, ctxErr error) *CommandError {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &CommandError{Host: host, Command: command, ExitCode: -1, TimedOut: true}
	}
	out := "interrupted"
	if ctxErr != nil {
		out = ctxErr.Error()
	}
	return &CommandError{Host: host, Command: command, ExitCode: -1, Output: out}
}

// IsCommandError reports whether err wraps a *CommandError and returns it.
func IsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RunOptions are the per-command knobs accepted by Channel.Run.
type RunOptions struct {
	Timeout     time.Duration
	Dir         string
	AllowedExit []int
}

type RunOption func(*RunOptions)

// WithTimeout bounds the command; expiry is reported as a CommandError.
func WithTimeout(d time.Duration) RunOption {
	return func(o *RunOptions) { o.Timeout = d }
}

// WithDir runs the command from inside dir.
func WithDir(dir string) RunOption {
	return func(o *RunOptions) { o.Dir = dir }
}

// WithAllowedExit marks additional exit codes as success.
func WithAllowedExit(codes ...int) RunOption {
	return func(o *RunOptions) { o.AllowedExit = append(o.AllowedExit, codes...) }
}

func NewRunOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Allows reports whether exit code counts as success.
func (o RunOptions) Allows(code int) bool {
	return code == 0 || slices.Contains(o.AllowedExit, code)
}

// RemoveTree recursively deletes p on the host behind ch.
func RemoveTree(ctx context.Context, ch Channel, p string) error {
	if strings.TrimSpace(p) == "" || path.Clean(p) == "/" {
		return fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	_, err := ch.Run(ctx, "rm -rf -- "+ShellQuote(p))
	return err
}

// ShellQuote makes s a single word for a POSIX shell. Words made only of
// characters the shell treats literally are returned as is.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./-_", r)
}

func trimOutput(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}
