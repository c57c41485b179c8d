package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"moviequeue/internal/config"
	"moviequeue/internal/logging"
	"moviequeue/internal/metrics"
	"moviequeue/internal/services"
)

const component = "remote"

// Client runs moviequeue subcommands on worker hosts over SSH.
type Client struct {
	user           string
	port           int
	keyPath        string
	knownHostsPath string
	command        string
	dialTimeout    time.Duration
	logger         *slog.Logger
	dialer         net.Dialer
}

// New builds a Client from the remote section of cfg.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		user:           cfg.Remote.User,
		port:           cfg.Remote.Port,
		keyPath:        cfg.Remote.KeyPath,
		knownHostsPath: cfg.Remote.KnownHostsPath,
		command:        cfg.Remote.Command,
		dialTimeout:    cfg.DialTimeout(),
		logger:         logging.NewComponentLogger(logger, component),
	}
}

// Run executes the configured remote command with args on host, feeding stdin
// when non-nil. Stdout is returned even when the command exits non-zero.
func (c *Client) Run(ctx context.Context, host string, stdin []byte, args ...string) ([]byte, error) {
	label := commandLabel(args)
	start := time.Now()
	out, err := c.run(ctx, host, stdin, args)
	metrics.RemoteCommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	metrics.RemoteCommandsTotal.WithLabelValues(label, metrics.Status(services.Kind(err))).Inc()
	return out, err
}

func (c *Client) run(ctx context.Context, host string, stdin []byte, args []string) ([]byte, error) {
	addr := c.address(host)
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, services.Wrap(services.ErrRemoteUnreachable, component, "dial", addr, err)
	}
	clientConfig, err := c.clientConfig()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.dialTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, services.Wrap(services.ErrRemoteUnreachable, component, "open session", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	commandLine := shellJoin(append([]string{c.command}, args...))
	c.logger.Debug("running remote command",
		logging.String(logging.FieldHost, host),
		logging.String("command", commandLine),
	)

	done := make(chan error, 1)
	go func() { done <- session.Run(commandLine) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		return stdout.Bytes(), services.Wrap(services.ErrRemoteUnreachable, component, "run", addr, ctx.Err())
	case err = <-done:
	}
	if err != nil {
		return stdout.Bytes(), classifyRun(addr, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func commandLabel(args []string) string {
	switch {
	case len(args) == 0:
		return "none"
	case args[0] == "remote" && len(args) > 1:
		return "remote " + args[1]
	default:
		return args[0]
	}
}

func (c *Client) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.port))
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(c.keyPath)
	if err != nil {
		return nil, services.Wrap(services.ErrRemoteAuth, component, "load key", c.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, services.Wrap(services.ErrRemoteAuth, component, "parse key", c.keyPath, err)
	}
	hostKeys, err := knownhosts.New(c.knownHostsPath)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, component, "load known hosts", c.knownHostsPath, err)
	}
	return &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.dialTimeout,
	}, nil
}

func classifyHandshake(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return services.Wrap(services.ErrRemoteAuth, component, "handshake", "unknown host key for "+addr, err)
		}
		return services.Wrap(services.ErrRemoteAuth, component, "handshake", "host key mismatch for "+addr, err)
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return services.Wrap(services.ErrRemoteAuth, component, "handshake", "revoked host key for "+addr, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return services.Wrap(services.ErrRemoteAuth, component, "handshake", addr, err)
	}
	return services.Wrap(services.ErrRemoteUnreachable, component, "handshake", addr, err)
}

func classifyRun(addr string, err error, stderr string) error {
	detail := addr
	if tail := lastLine(stderr); tail != "" {
		detail = fmt.Sprintf("%s: %s", addr, tail)
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return services.Wrap(services.ErrRemoteSpawn, component, "run", fmt.Sprintf("%s (exit %d)", detail, exitErr.ExitStatus()), err)
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return services.Wrap(services.ErrRemoteSpawn, component, "run", detail, err)
	}
	return services.Wrap(services.ErrRemoteUnreachable, component, "run", detail, err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}

// shellJoin quotes args for the remote login shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
