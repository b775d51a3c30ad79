package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("node1", "deploy")
	if cfg.Port != 22 || !cfg.StrictHostKeyChecking || !cfg.Sudo || cfg.StagingDir != "/tmp" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if root := DefaultConfig("node1", "root"); root.Sudo || root.privileged() {
		t.Error("root login should not use sudo")
	}
}

func TestConfigValidate(t *testing.T) {
	key, _ := writeIdentity(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "no dial timeout", mutate: func(c *Config) { c.DialTimeout = 0 }, wantErr: "dial timeout"},
		{name: "no command timeout", mutate: func(c *Config) { c.CommandTimeout = 0 }, wantErr: "command timeout"},
		{name: "relative staging dir", mutate: func(c *Config) { c.StagingDir = "tmp" }, wantErr: "staging dir must be absolute"},
		{
			name:    "missing identity",
			mutate:  func(c *Config) { c.IdentityFiles = []string{"/nonexistent/id_rsa"} },
			wantErr: "identity file /nonexistent/id_rsa",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("node1", "deploy")
			cfg.IdentityFiles = []string{key}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("33.33.33.10", "deploy")
	cfg.Port = 2222
	if got := cfg.Address(); got != "33.33.33.10:2222" {
		t.Errorf("Address() = %q", got)
	}
	cfg.Host = "fe80::1"
	if got := cfg.Address(); got != "[fe80::1]:2222" {
		t.Errorf("Address() = %q, want bracketed IPv6", got)
	}
}

func TestParseTarget(t *testing.T) {
	t.Setenv("USER", "deploy")

	tests := []struct {
		target   string
		wantUser string
		wantHost string
		wantPort int
		wantSudo bool
		wantErr  bool
	}{
		{target: "node1", wantUser: "deploy", wantHost: "node1", wantPort: 22, wantSudo: true},
		{target: "root@node1", wantUser: "root", wantHost: "node1", wantPort: 22},
		{target: "ubuntu@10.0.0.5:2222", wantUser: "ubuntu", wantHost: "10.0.0.5", wantPort: 2222, wantSudo: true},
		{target: "ubuntu@[fe80::1]:22", wantUser: "ubuntu", wantHost: "fe80::1", wantPort: 22, wantSudo: true},
		{target: "node1:ssh", wantErr: true},
		{target: "ubuntu@", wantErr: true},
		{target: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg, err := ParseTarget(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTarget(%q) succeeded, want error", tt.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.target, err)
			}
			if cfg.User != tt.wantUser || cfg.Host != tt.wantHost || cfg.Port != tt.wantPort || cfg.Sudo != tt.wantSudo {
				t.Errorf("ParseTarget(%q) = %s@%s:%d sudo=%t", tt.target, cfg.User, cfg.Host, cfg.Port, cfg.Sudo)
			}
		})
	}
}

func TestAuthMethods(t *testing.T) {
	key, _ := writeIdentity(t)

	t.Run("explicit identity", func(t *testing.T) {
		cfg := DefaultConfig("node1", "deploy")
		cfg.IdentityFiles = []string{key}
		methods, closer, err := cfg.authMethods()
		if err != nil {
			t.Fatalf("authMethods() error = %v", err)
		}
		defer closer.Close()
		if len(methods) != 1 {
			t.Errorf("got %d auth methods, want 1", len(methods))
		}
	})

	t.Run("default key under home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("SSH_AUTH_SOCK", "")
		data, err := os.ReadFile(key)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(home, ".ssh", "id_ecdsa"), data, 0o600); err != nil {
			t.Fatal(err)
		}

		methods, closer, err := DefaultConfig("node1", "deploy").authMethods()
		if err != nil {
			t.Fatalf("authMethods() error = %v", err)
		}
		defer closer.Close()
		if len(methods) != 1 {
			t.Errorf("got %d auth methods, want 1", len(methods))
		}
	})

	t.Run("nothing to offer", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("SSH_AUTH_SOCK", "")
		_, _, err := DefaultConfig("node1", "deploy").authMethods()
		if err == nil || !strings.Contains(err.Error(), "no SSH identity") {
			t.Fatalf("authMethods() error = %v, want no SSH identity", err)
		}
	})

	t.Run("unreachable agent", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "agent.sock"))
		if _, _, err := DefaultConfig("node1", "deploy").authMethods(); err == nil {
			t.Fatal("authMethods() succeeded with a dead agent socket")
		}
	})

	t.Run("garbage identity", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "id_rsa")
		if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := DefaultConfig("node1", "deploy")
		cfg.IdentityFiles = []string{bad}
		if _, _, err := cfg.authMethods(); err == nil || !strings.Contains(err.Error(), "failed to parse identity") {
			t.Fatalf("authMethods() error = %v", err)
		}
	})
}

func TestHostKeyCallback(t *testing.T) {
	cfg := DefaultConfig("node1", "deploy")
	cfg.KnownHosts = filepath.Join(t.TempDir(), "missing")
	if _, err := cfg.hostKeyCallback(); err == nil {
		t.Error("hostKeyCallback() succeeded without a known_hosts file")
	}

	cfg.StrictHostKeyChecking = false
	if cb, err := cfg.hostKeyCallback(); err != nil || cb == nil {
		t.Errorf("hostKeyCallback() = %v, %v with checking disabled", cb, err)
	}
}
