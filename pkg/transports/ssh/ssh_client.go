package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient moves package files over one SSH connection and a lazily opened
// SFTP session shared by all transfers.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	conn        *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
}

// NewSSHClient creates a client for the host described by config.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect dials the host and completes the SSH handshake. Cancelling ctx
// aborts both. Connecting an open client is a no-op.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: OpConnect, Err: err, Auth: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Dialing")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: OpConnect, Path: address, Err: err, Temporary: true}
	}

	_ = netConn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if !stop() && err == nil {
		_ = sshConn.Close()
		err = ctx.Err()
	}
	if err != nil {
		_ = netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		auth := isAuthFailure(err)
		return &TransportError{Op: OpConnect, Path: address, Err: err, Auth: auth, Temporary: !auth}
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()

	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// Disconnect closes the SFTP session and the connection.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.conn.Close()
	c.conn = nil

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds an open connection.
func (c *SSHClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectedAt returns when the current connection was established.
func (c *SSHClient) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// session returns the shared SFTP session, opening it on first use.
func (c *SSHClient) session() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: OpSession, Err: errNotConnected}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, &TransportError{
			Op:        OpSession,
			Err:       fmt.Errorf("failed to start SFTP session: %w", err),
			Temporary: true,
		}
	}
	c.sftp = client
	return client, nil
}

// resetSession drops the SFTP session so the next transfer opens a new one.
func (c *SSHClient) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "host key")
}
