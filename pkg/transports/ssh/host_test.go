package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/embergraph/provisioner/pkg/host"
)

func dialTestHost(t *testing.T) *Host {
	t.Helper()
	server := newTestServer(t)
	h, err := Dial(context.Background(), testConfig(t, server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHostRun(t *testing.T) {
	h := dialTestHost(t)
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name       string
		cmd        host.Command
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "stdout",
			cmd:        host.Command{Script: "echo test"},
			wantStdout: "test\n",
		},
		{
			name:       "stderr and exit status",
			cmd:        host.Command{Script: "echo broken >&2; exit 3"},
			wantExit:   3,
			wantStderr: "broken\n",
		},
		{
			name:       "environment",
			cmd:        host.Command{Script: `echo "$ANT_OPTS"`, Env: map[string]string{"ANT_OPTS": "-Xmx1g it's"}},
			wantStdout: "-Xmx1g it's\n",
		},
		{
			name:       "working directory",
			cmd:        host.Command{Script: "pwd", Dir: dir},
			wantStdout: dir + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Run(ctx, tt.cmd)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.wantExit || res.Stdout != tt.wantStdout || res.Stderr != tt.wantStderr {
				t.Errorf("Run() = %+v", res)
			}
		})
	}
}

func TestHostRunTimeout(t *testing.T) {
	h := dialTestHost(t)

	start := time.Now()
	_, err := h.Run(context.Background(), host.Command{Script: "sleep 5", Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("Run() succeeded, want timeout")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Run() took %v after timeout", time.Since(start))
	}
}

func TestHostFiles(t *testing.T) {
	h := dialTestHost(t)
	ctx := context.Background()
	root := t.TempDir()
	conf := filepath.Join(root, "conf")
	target := filepath.Join(conf, "RWStore.properties")

	if err := h.MkdirAll(ctx, conf, 0o750); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	info, err := h.Stat(ctx, conf)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.Exists || !info.IsDir || info.Mode != 0o750 {
		t.Errorf("directory info = %+v", info)
	}

	content := "com.bigdata.journal.AbstractJournal.bufferMode=DiskRW\n"
	if err := h.WriteFileAtomic(ctx, target, strings.NewReader(content), host.FileAttrs{Mode: 0o640}); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	got, err := h.ReadFile(ctx, target)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != content {
		t.Errorf("ReadFile() = %q, want %q", got, content)
	}
	info, err = h.Stat(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode != 0o640 || info.Size != int64(len(content)) || info.IsDir {
		t.Errorf("file info = %+v", info)
	}

	// Only the final file is left behind.
	entries, _ := os.ReadDir(conf)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}

	if err := h.Chmod(ctx, target, 0o600); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if st, _ := os.Stat(target); st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", st.Mode().Perm())
	}

	link := filepath.Join(root, "current")
	for _, dest := range []string{conf, target} {
		if err := h.Symlink(ctx, dest, link); err != nil {
			t.Fatalf("Symlink(%s) error = %v", dest, err)
		}
		info, err := h.Stat(ctx, link)
		if err != nil {
			t.Fatal(err)
		}
		if !info.IsSymlink || info.LinkTarget != dest {
			t.Errorf("link info = %+v, want target %s", info, dest)
		}
	}

	matches, err := h.Glob(ctx, filepath.Join(conf, "*.properties"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 1 || matches[0] != target {
		t.Errorf("Glob() = %v", matches)
	}
	if matches, err := h.Glob(ctx, filepath.Join(conf, "*.log")); err != nil || len(matches) != 0 {
		t.Errorf("Glob() without matches = %v, %v", matches, err)
	}
	if _, err := h.Glob(ctx, "/tmp/*; rm -rf /"); err == nil {
		t.Error("Glob() accepted shell metacharacters")
	}

	for _, p := range []string{link, target, conf} {
		if err := h.Remove(ctx, p); err != nil {
			t.Fatalf("Remove(%s) error = %v", p, err)
		}
		info, err := h.Stat(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if info.Exists {
			t.Errorf("%s still exists", p)
		}
	}
	if err := h.Remove(ctx, conf); err != nil {
		t.Errorf("Remove() of a missing path = %v", err)
	}
}

func TestParseStat(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    host.FileInfo
		wantErr bool
	}{
		{
			name: "absent",
			out:  "absent\n",
			want: host.FileInfo{Path: "/p"},
		},
		{
			name: "regular file",
			out:  "81a4 644 embergraph embergraph 42\n",
			want: host.FileInfo{Path: "/p", Exists: true, Mode: 0o644, Owner: "embergraph", Group: "embergraph", Size: 42},
		},
		{
			name: "directory",
			out:  "41ed 755 root root 4096\n",
			want: host.FileInfo{Path: "/p", Exists: true, IsDir: true, Mode: 0o755, Owner: "root", Group: "root", Size: 4096},
		},
		{
			name: "symlink",
			out:  "a1ff 777 root root 25\n/etc/init.d/embergraphNSS\n",
			want: host.FileInfo{Path: "/p", Exists: true, IsSymlink: true, LinkTarget: "/etc/init.d/embergraphNSS", Mode: 0o777, Owner: "root", Group: "root", Size: 25},
		},
		{
			name:    "garbage",
			out:     "stat: cannot stat\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStat("/p", tt.out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseStat() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStat() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("parseStat() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestBuildScript(t *testing.T) {
	tests := []struct {
		name       string
		cmd        host.Command
		privileged bool
		want       string
	}{
		{
			name: "plain",
			cmd:  host.Command{Script: "true"},
			want: "/bin/sh -c true",
		},
		{
			name:       "sudo",
			cmd:        host.Command{Script: "service tomcat7 restart"},
			privileged: true,
			want:       `sudo -n /bin/sh -c 'service tomcat7 restart'`,
		},
		{
			name: "env, dir and user",
			cmd: host.Command{
				Script: "ant war",
				Dir:    "/home/ubuntu/bigdata-code",
				User:   "ubuntu",
				Env:    map[string]string{"B": "2", "A": "1"},
			},
			want: `/bin/sh -c 'export A=1; export B=2; cd /home/ubuntu/bigdata-code && su -s /bin/sh -c '"'"'ant war'"'"' ubuntu'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildScript(tt.cmd, tt.privileged); got != tt.want {
				t.Errorf("buildScript() = %s, want %s", got, tt.want)
			}
		})
	}
}
