package router

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the connection settings for a remote access point.
type SSHConfig struct {
	Address    string // Router SSH address (e.g., "192.168.1.1")
	Port       int    // SSH port (default: 22)
	Username   string // SSH username (usually "root")
	Password   string
	PrivateKey string // PEM private key (alternative to password)
	KnownHosts string // known_hosts file; empty disables host key checking
	UseSudo    bool
}

// SSHExecutor runs commands on a remote access point, one SSH session per command.
type SSHExecutor struct {
	config    SSHConfig
	sshConfig *ssh.ClientConfig
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSSHExecutor creates an executor for the access point described by config.
func NewSSHExecutor(config SSHConfig, timeout time.Duration, logger *zap.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Port == 0 {
		config.Port = 22
	}

	var authMethods []ssh.AuthMethod

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHosts != "" {
		cb, err := knownhosts.New(config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("ssh host key checking disabled", zap.String("address", config.Address))
	}

	return &SSHExecutor{
		config: config,
		sshConfig: &ssh.ClientConfig{
			User:            config.Username,
			Auth:            authMethods,
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Run executes the command on the access point.
func (e *SSHExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	addr := net.JoinHostPort(e.config.Address, strconv.Itoa(e.config.Port))

	dialer := net.Dialer{Timeout: e.sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("SSH connection failed: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, e.sshConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH handshake failed: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := quoteCommand(name, args)
	if e.config.UseSudo {
		line = "sudo -n " + line
	}

	e.logger.Debug("running remote command", zap.String("cmd", line))

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		// Closing the client unblocks session.Run.
		client.Close()
		<-done
		return "", fmt.Errorf("%w: %s: %v", ErrCommandFailed, line, ctx.Err())
	case err := <-done:
		if err != nil {
			e.logger.Debug("remote command failed",
				zap.String("cmd", line),
				zap.String("stderr", strings.TrimSpace(stderr.String())),
				zap.Error(err),
			)
			return stdout.String(), fmt.Errorf("%w: %s: %v: %s",
				ErrCommandFailed, line, err, strings.TrimSpace(stderr.String()))
		}
	}

	return stdout.String(), nil
}

// quoteCommand builds a POSIX shell command line with every argument single-quoted.
func quoteCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
