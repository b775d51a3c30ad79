package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/embergraph/provisioner/pkg/host"
)

// signalGrace is how long a cancelled command gets between SIGTERM and
// SIGKILL.
const signalGrace = 100 * time.Millisecond

// Run executes a command on the remote host through /bin/sh. A non-zero
// exit status is reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, cmd host.Command) (*host.CommandResult, error) {
	if cmd.Script == "" {
		return nil, fmt.Errorf("command is required")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.execute(ctx, buildScript(cmd, c.config.privileged()))
}

// execute runs a prepared command line in a new session. When ctx ends the
// remote process gets SIGTERM, then SIGKILL and a closed channel after
// signalGrace.
func (c *Client) execute(ctx context.Context, line string) (*host.CommandResult, error) {
	conn, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	started := time.Now()
	if err := session.Start(line); err != nil {
		return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGTERM)
		time.AfterFunc(signalGrace, func() {
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		})
	})
	waitErr := session.Wait()
	stop()
	if waitErr != nil && ctx.Err() != nil {
		waitErr = ctx.Err()
	}

	result := &host.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		waitErr = nil
	}
	c.logger.Debug().Str("command", line).Int("exit", result.ExitCode).
		Dur("duration", result.Duration).Err(waitErr).Msg("command finished")

	if waitErr != nil {
		return nil, &TransportError{Op: "exec", Err: waitErr, IsTemporary: !errors.Is(waitErr, context.Canceled)}
	}
	return result, nil
}

// buildScript turns a command into one remote shell line. The environment,
// working directory and user switch are applied inside the quoted script,
// and the whole line runs under "sudo -n" when privileged is set.
func buildScript(cmd host.Command, privileged bool) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(cmd.Env)) {
		fmt.Fprintf(&b, "export %s=%s; ", k, host.ShellQuote(cmd.Env[k]))
	}
	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", host.ShellQuote(cmd.Dir))
	}

	script := cmd.Script
	if cmd.User != "" {
		script = fmt.Sprintf("su -s /bin/sh -c %s %s", host.ShellQuote(script), host.ShellQuote(cmd.User))
	}
	b.WriteString(script)

	line := "/bin/sh -c " + host.ShellQuote(b.String())
	if privileged {
		line = "sudo -n " + line
	}
	return line
}
