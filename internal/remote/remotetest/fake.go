// Package remotetest provides an in-memory remote.Channel for tests.
//
// The fake keeps a tiny filesystem (path -> content) and understands the
// handful of shell commands the orchestration code issues (mkdir -p, rm -rf,
// cat, ls -1, test -e), with single- and double-quoted arguments and an optional
// "--" before the operands. Anything else must be answered by handlers registered
// with Handle/Respond/Fail/Accept, matched by command prefix, latest registration
// first. An unhandled command fails with exit code 127.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/procfleet/internal/remote"
)

// Call is one recorded Run invocation.
type Call struct {
	Command string
	Options remote.RunOptions
}

// HandlerFunc answers a command. Returning *remote.CommandError simulates a failure.
type HandlerFunc func(c Call) (string, error)

type handler struct {
	prefix string
	fn     HandlerFunc
}

type Fake struct {
	mu       sync.Mutex
	host     string
	files    map[string]string
	dirs     map[string]bool
	handlers []handler
	calls    []Call
	uploads  map[string]string
	closed   bool
}

func New(host string) *Fake {
	return &Fake{
		host:    host,
		files:   make(map[string]string),
		dirs:    make(map[string]bool),
		uploads: make(map[string]string),
	}
}

// AddFile creates a remote file and its parent directories.
func (f *Fake) AddFile(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.files[p] = content
	f.mkdirLocked(path.Dir(p))
}

// AddDir creates a remote directory and its parents.
func (f *Fake) AddDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirLocked(path.Clean(p))
}

func (f *Fake) mkdirLocked(p string) {
	for p != "/" && p != "." && p != "" {
		f.dirs[p] = true
		p = path.Dir(p)
	}
}

// Handle registers fn for commands starting with prefix.
func (f *Fake) Handle(prefix string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{prefix: prefix, fn: fn})
}

// Respond answers commands starting with prefix with a fixed output.
func (f *Fake) Respond(prefix, output string) {
	f.Handle(prefix, func(Call) (string, error) { return output, nil })
}

// Fail makes commands starting with prefix exit with code and output.
func (f *Fake) Fail(prefix string, code int, output string) {
	f.Handle(prefix, func(c Call) (string, error) {
		return "", &remote.CommandError{Host: f.host, Command: c.Command, ExitCode: code, Output: output}
	})
}

// Accept makes commands starting with any of prefixes succeed with no output.
func (f *Fake) Accept(prefixes ...string) {
	for _, p := range prefixes {
		f.Respond(p, "")
	}
}

// Calls returns the commands run so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Command
	}
	return out
}

// CallsWithPrefix returns the recorded calls whose command starts with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if strings.HasPrefix(c.Command, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// HasPath reports whether p exists as a file or directory.
func (f *Fake) HasPath(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existsLocked(path.Clean(p))
}

// File returns the content of remote file p.
func (f *Fake) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path.Clean(p)]
	return c, ok
}

// Uploaded returns what was uploaded to remote path p.
func (f *Fake) Uploaded(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.uploads[path.Clean(p)]
	return c, ok
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) existsLocked(p string) bool {
	if _, ok := f.files[p]; ok {
		return true
	}
	return f.dirs[p]
}

func (f *Fake) Host() string { return f.host }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Run(ctx context.Context, command string, opts ...remote.RunOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", remote.Interrupted(f.host, command, err)
	}
	c := Call{Command: command, Options: remote.NewRunOptions(opts...)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	var fn HandlerFunc
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(command, f.handlers[i].prefix) {
			fn = f.handlers[i].fn
			break
		}
	}
	f.mu.Unlock()

	var out string
	var err error
	if fn != nil {
		out, err = fn(c)
	} else {
		out, err = f.builtin(c)
	}
	if ce, ok := remote.IsCommandError(err); ok && c.Options.Allows(ce.ExitCode) {
		return ce.Output, nil
	}
	return out, err
}

func (f *Fake) resolve(dir, p string) string {
	if !path.IsAbs(p) && dir != "" {
		p = path.Join(dir, p)
	}
	return path.Clean(p)
}

// exitUnhandled is what a shell returns for an unknown command.
const exitUnhandled = 127

func (f *Fake) builtin(c Call) (string, error) {
	fail := func(code int, msg string) (string, error) {
		return "", &remote.CommandError{Host: f.host, Command: c.Command, ExitCode: code, Output: msg}
	}
	words, ok := shellWords(c.Command)
	if !ok || len(words) == 0 {
		return fail(exitUnhandled, "unhandled command: "+c.Command)
	}
	name, flags, args := splitArgs(words)
	one := len(args) == 1

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case name == "mkdir" && flags == "-p" && len(args) > 0:
		for _, a := range args {
			f.mkdirLocked(f.resolve(c.Options.Dir, a))
		}
		return "", nil
	case name == "rm" && flags == "-rf" && len(args) > 0:
		for _, a := range args {
			f.removeLocked(f.resolve(c.Options.Dir, a))
		}
		return "", nil
	case name == "cat" && flags == "" && one:
		p := f.resolve(c.Options.Dir, args[0])
		content, ok := f.files[p]
		if !ok {
			return fail(1, fmt.Sprintf("cat: %s: No such file or directory", p))
		}
		return strings.TrimRight(content, "\r\n"), nil
	case name == "ls" && flags == "-1" && one:
		p := f.resolve(c.Options.Dir, args[0])
		if !f.dirs[p] {
			return fail(2, fmt.Sprintf("ls: cannot access '%s': No such file or directory", p))
		}
		return strings.Join(f.childrenLocked(p), "\n"), nil
	case name == "test" && flags == "-e" && one:
		if !f.existsLocked(f.resolve(c.Options.Dir, args[0])) {
			return fail(1, "")
		}
		return "", nil
	}
	return fail(exitUnhandled, "unhandled command: "+c.Command)
}

func (f *Fake) removeLocked(p string) {
	for k := range f.files {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(f.files, k)
		}
	}
	for k := range f.dirs {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(f.dirs, k)
		}
	}
}

// splitArgs separates the command name, its option words joined by spaces
// and the operands. "--" ends the options.
func splitArgs(words []string) (name, flags string, args []string) {
	name = words[0]
	var opts []string
	rest := words[1:]
	for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
		if rest[0] == "--" {
			rest = rest[1:]
			break
		}
		opts = append(opts, rest[0])
		rest = rest[1:]
	}
	return name, strings.Join(opts, " "), rest
}

// shellWords splits a command line the way a POSIX shell does for plain
// words, single quotes, double quotes and backslash escapes. It reports false
// for an unterminated quote.
func shellWords(s string) ([]string, bool) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		escaped bool
		quote   rune
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			escaped = true
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, false
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, true
}

func (f *Fake) childrenLocked(dir string) []string {
	seen := make(map[string]bool)
	add := func(k string) {
		if path.Dir(k) == dir {
			seen[path.Base(k)] = true
		}
	}
	for k := range f.files {
		add(k)
	}
	for k := range f.dirs {
		add(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) Upload(ctx context.Context, local, remotePath string) error {
	b, err := os.ReadFile(filepath.Clean(local))
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := path.Clean(remotePath)
	f.files[p] = string(b)
	f.uploads[p] = string(b)
	f.mkdirLocked(path.Dir(p))
	return nil
}

func (f *Fake) Download(ctx context.Context, remotePath, local string) error {
	f.mu.Lock()
	content, ok := f.files[path.Clean(remotePath)]
	f.mu.Unlock()
	if !ok {
		return &remote.CommandError{Host: f.host, Command: "cat " + remotePath, ExitCode: 1,
			Output: fmt.Sprintf("cat: %s: No such file or directory", remotePath)}
	}
	return os.WriteFile(local, []byte(content), 0o644)
}

func (f *Fake) Exists(ctx context.Context, p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existsLocked(path.Clean(p))
}

var _ remote.Channel = (*Fake)(nil)
