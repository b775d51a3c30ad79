package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client owns one SSH connection to a target.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	conn        *ssh.Client
	agent       io.Closer
	connectedAt time.Time
	lastUsed    time.Time
	stopKeep    context.CancelFunc
}

// NewClient creates a client for a valid configuration. The client logs
// through the logger carried by ctx.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	logger := zerolog.Ctx(ctx).With().Str("host", config.Host).Logger()
	return &Client{config: config, logger: logger}, nil
}

// Connect dials the target and completes the SSH handshake. Both are
// abandoned when ctx ends. Connecting an already connected client is a
// no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	clientConfig, agentConn, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	addr := c.config.Address()
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		agentConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &TransportError{Op: "connect", Err: err, IsTemporary: !errors.Is(err, context.Canceled)}
	}

	// The handshake honours both DialTimeout and ctx.
	_ = netConn.SetDeadline(time.Now().Add(c.config.DialTimeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	interrupted := !stop()
	_ = netConn.SetDeadline(time.Time{})
	if err != nil || interrupted {
		netConn.Close()
		agentConn.Close()
		if interrupted {
			return &TransportError{Op: "connect", Err: ctx.Err()}
		}
		return handshakeError(err)
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.agent = agentConn
	c.connectedAt = time.Now()
	c.lastUsed = c.connectedAt
	if c.config.KeepAlive > 0 {
		keepCtx, cancel := context.WithCancel(context.Background())
		c.stopKeep = cancel
		go c.keepAlive(keepCtx, c.conn)
	}

	c.logger.Info().Str("address", addr).Str("user", c.config.User).
		Str("server_version", string(sshConn.ServerVersion())).Msg("SSH connection established")
	return nil
}

// handshakeError classifies a failed handshake. Rejected credentials and
// host keys are permanent; anything else may be a flaky network.
func handshakeError(err error) *TransportError {
	te := &TransportError{Op: "handshake", Err: err}
	var keyErr *knownhosts.KeyError
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		te.IsAuthError = true
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "knownhosts:"):
		te.IsAuthError = true
	default:
		te.IsTemporary = true
	}
	return te
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.stopKeep != nil {
		c.stopKeep()
		c.stopKeep = nil
	}
	err := c.conn.Close()
	c.agent.Close()
	c.conn, c.agent = nil, nil
	c.logger.Debug().Dur("connected_for", time.Since(c.connectedAt)).Msg("SSH connection closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not run.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck runs "true" in a fresh session.
func (c *Client) HealthCheck(ctx context.Context) error {
	res, err := c.execute(ctx, "true")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("exit %d", res.ExitCode), IsTemporary: true}
	}
	return nil
}

// sshClient returns the live connection and records the use.
func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	c.lastUsed = time.Now()
	return c.conn, nil
}

// idle returns how long the connection has gone unused.
func (c *Client) idle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastUsed)
}

// keepAlive pings the server while the connection is idle. Three missed
// replies in a row close the connection so the next command fails fast
// instead of hanging on a dead socket.
func (c *Client) keepAlive(ctx context.Context, conn *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.idle() < c.config.KeepAlive {
			continue
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			missed++
			c.logger.Warn().Err(err).Int("missed", missed).Msg("Keepalive failed")
			if missed >= 3 {
				c.logger.Error().Msg("Target stopped answering keepalives, closing connection")
				conn.Close()
				return
			}
			continue
		}
		missed = 0
	}
}
