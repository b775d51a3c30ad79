package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultIdentities are tried, in order, when no identity file is given and
// no agent is running. They mirror the OpenSSH client defaults.
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach and drive one target machine.
type Config struct {
	Host string
	Port int
	User string

	// IdentityFiles are private keys offered in order. When empty, the
	// agent at SSH_AUTH_SOCK is used if set, then the default keys under
	// ~/.ssh that exist.
	IdentityFiles []string
	// Passphrase decrypts every identity file that is encrypted.
	Passphrase string

	// KnownHosts is checked when StrictHostKeyChecking is set; otherwise
	// any host key is accepted.
	KnownHosts            string
	StrictHostKeyChecking bool

	DialTimeout time.Duration
	// ConnectAttempts bounds how often Dial tries when the network, not
	// the credentials, is at fault.
	ConnectAttempts int
	// CommandTimeout bounds commands that declare no timeout of their own.
	// A source build on a small node can take well over ten minutes.
	CommandTimeout time.Duration
	// KeepAlive sends keepalive@openssh.com at this interval while
	// connected. Zero disables it.
	KeepAlive time.Duration

	// Sudo prefixes every command with "sudo -n" unless User is root.
	Sudo bool
	// StagingDir receives SFTP uploads before they are moved into place.
	StagingDir string
}

// DefaultConfig returns the configuration for user@host on port 22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHosts:            filepath.Join(homeDir(), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		DialTimeout:           30 * time.Second,
		ConnectAttempts:       3,
		CommandTimeout:        30 * time.Minute,
		Sudo:                  user != "root",
		StagingDir:            "/tmp",
	}
}

// ParseTarget builds a Config from "[user@]host[:port]". The user defaults
// to $USER.
func ParseTarget(target string) (*Config, error) {
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}

	user, hostPort := os.Getenv("USER"), target
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, hostPort = target[:at], target[at+1:]
	}

	host, port := hostPort, 22
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in target %q", target)
		}
		host, port = h, n
	}
	if host == "" {
		return nil, fmt.Errorf("invalid target %q: host is required", target)
	}

	cfg := DefaultConfig(host, user)
	cfg.Port = port
	return cfg, nil
}

// Validate reports the first problem that would stop a connection.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.DialTimeout <= 0:
		return errors.New("dial timeout must be positive")
	case c.CommandTimeout <= 0:
		return errors.New("command timeout must be positive")
	case !filepath.IsAbs(c.StagingDir):
		return fmt.Errorf("staging dir must be absolute: %q", c.StagingDir)
	}
	for _, f := range c.IdentityFiles {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("identity file %s: %w", f, err)
		}
	}
	return nil
}

// Address returns host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) privileged() bool {
	return c.Sudo && c.User != "root"
}

// clientConfig assembles the x/crypto client configuration. The returned
// closer releases the agent connection, if one was opened, and must be
// called once the connection ends.
func (c *Config) clientConfig() (*ssh.ClientConfig, io.Closer, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.DialTimeout,
	}, closer, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, io.Closer, error) {
	if len(c.IdentityFiles) > 0 {
		signers, err := c.loadSigners(c.IdentityFiles)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nopCloser{}, nil
	}

	var (
		methods []ssh.AuthMethod
		closer  io.Closer = nopCloser{}
	)
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach ssh agent at %s: %w", sock, err)
		}
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn
	}

	var present []string
	for _, name := range defaultIdentities {
		p := filepath.Join(homeDir(), ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) > 0 {
		signers, err := c.loadSigners(present)
		if err != nil {
			closer.Close()
			return nil, nil, err
		}
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no SSH identity: pass an identity file or start ssh-agent")
	}
	return methods, closer, nil
}

func (c *Config) loadSigners(files []string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(files))
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity %s: %w", f, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.Passphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity %s: %w", f, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if c.KnownHosts == "" {
		return nil, errors.New("host key checking needs a known_hosts file")
	}
	cb, err := knownhosts.New(c.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", c.KnownHosts, err)
	}
	return cb, nil
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
