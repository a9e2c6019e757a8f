package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/loykin/procfleet/internal/metrics"
)

// SSHConfig describes how to reach and authenticate against fleet hosts.
type SSHConfig struct {
	User                  string
	Port                  int
	KeyFile               string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
	// Sudo wraps every command in "sudo -n". Disable only when logging in as root.
	Sudo bool
}

// SSHChannel is a Channel backed by one SSH connection.
type SSHChannel struct {
	host   string
	client *ssh.Client
	sudo   bool
	agent  net.Conn
	mu     sync.Mutex
	closed bool
}

// Dial opens an SSH connection to host using cfg.
func Dial(ctx context.Context, host string, cfg SSHConfig) (*SSHChannel, error) {
	if strings.TrimSpace(host) == "" {
		return nil, errors.New("empty host")
	}
	auth, agentConn, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		if agentConn != nil {
			_ = agentConn.Close()
		}
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if agentConn != nil {
			_ = agentConn.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if agentConn != nil {
			_ = agentConn.Close()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	slog.Debug("SSH connection established", "host", host, "user", cfg.User)
	return &SSHChannel{
		host:   host,
		client: ssh.NewClient(c, chans, reqs),
		sudo:   cfg.Sudo,
		agent:  agentConn,
	}, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		b, err := os.ReadFile(filepath.Clean(expandHome(cfg.KeyFile)))
		if err != nil {
			return nil, nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			slog.Debug("ssh-agent not reachable", "socket", sock, "error", err)
		}
	}
	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh auth method: set ssh.key_file or run an ssh-agent")
	}
	return methods, agentConn, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		// #nosec G106
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHostsFile
	if file == "" {
		file = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(file))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func (c *SSHChannel) Host() string { return c.host }

func (c *SSHChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.agent != nil {
		_ = c.agent.Close()
	}
	return c.client.Close()
}

// wrap turns command into the string handed to the remote shell.
func (c *SSHChannel) wrap(command string, o RunOptions) string {
	if o.Dir != "" {
		command = "cd " + ShellQuote(o.Dir) + " && " + command
	}
	if c.sudo {
		return "sudo -n -H sh -c " + ShellQuote(command)
	}
	return command
}

func (c *SSHChannel) Run(ctx context.Context, command string, opts ...RunOption) (string, error) {
	o := NewRunOptions(opts...)
	w := &lockedBuffer{}
	err := c.exec(ctx, command, o, func(s *ssh.Session) {
		s.Stdout = w
		s.Stderr = w
	})
	output := trimOutput(w.Bytes())
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && ce.Output == "" {
			ce.Output = output
		}
		return "", err
	}
	return output, nil
}

func (c *SSHChannel) Upload(ctx context.Context, local, remote string) error {
	f, err := os.Open(filepath.Clean(local))
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer func() { _ = f.Close() }()
	var stderr bytes.Buffer
	err = c.exec(ctx, "cat > "+ShellQuote(remote), RunOptions{}, func(s *ssh.Session) {
		s.Stdin = f
		s.Stderr = &stderr
	})
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && ce.Output == "" {
			ce.Output = trimOutput(stderr.Bytes())
		}
		return fmt.Errorf("upload %s to %s:%s: %w", local, c.host, remote, err)
	}
	return nil
}

func (c *SSHChannel) Download(ctx context.Context, remote, local string) error {
	// #nosec G304
	f, err := os.OpenFile(filepath.Clean(local), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}
	var stderr bytes.Buffer
	err = c.exec(ctx, "cat "+ShellQuote(remote), RunOptions{}, func(s *ssh.Session) {
		s.Stdout = f
		s.Stderr = &stderr
	})
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(local)
		var ce *CommandError
		if errors.As(err, &ce) && ce.Output == "" {
			ce.Output = trimOutput(stderr.Bytes())
		}
		return fmt.Errorf("download %s:%s: %w", c.host, remote, err)
	}
	return closeErr
}

func (c *SSHChannel) Exists(ctx context.Context, p string) bool {
	_, err := c.Run(ctx, "test -e "+ShellQuote(p))
	return err == nil
}

// exec runs one command on a fresh session and classifies the outcome.
func (c *SSHChannel) exec(ctx context.Context, command string, o RunOptions, setup func(*ssh.Session)) error {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	sess, err := c.client.NewSession()
	if err != nil {
		metrics.IncCommandFailure(c.host)
		return &CommandError{Host: c.host, Command: command, ExitCode: -1, Output: err.Error()}
	}
	defer func() { _ = sess.Close() }()
	setup(sess)

	slog.Debug("remote run", "host", c.host, "command", command)
	done := make(chan error, 1)
	go func() { done <- sess.Run(c.wrap(command, o)) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		metrics.IncCommandFailure(c.host)
		return Interrupted(c.host, command, ctx.Err())
	case err = <-done:
	}
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if o.Allows(exitErr.ExitStatus()) {
			return nil
		}
		metrics.IncCommandFailure(c.host)
		return &CommandError{Host: c.host, Command: command, ExitCode: exitErr.ExitStatus()}
	}
	metrics.IncCommandFailure(c.host)
	return &CommandError{Host: c.host, Command: command, ExitCode: -1, Output: err.Error()}
}

// lockedBuffer collects stdout and stderr, which the session copies concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(l.buf.Bytes())
}
