package host

import (
	"context"
	"fmt"
	"strings"
)

// getent exits with status 2 when the key is not in the database.
const getentNotFound = 2

// LookupUser resolves a user on any host that can run getent. The primary
// group is reported by name.
func LookupUser(ctx context.Context, h Host, name string) (*User, error) {
	res, err := h.Run(ctx, Command{Script: "getent passwd " + ShellQuote(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", name, err)
	}
	if res.ExitCode == getentNotFound {
		return nil, ErrNotFound
	}
	if !res.Success() {
		return nil, fmt.Errorf("getent passwd %s exited %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	u, gid, err := ParsePasswdLine(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, err
	}

	res, err = h.Run(ctx, Command{Script: "getent group " + ShellQuote(gid)})
	if err != nil {
		return nil, fmt.Errorf("failed to look up group %s: %w", gid, err)
	}
	u.Group = gid
	if res.Success() {
		if g, err := ParseGroupLine(strings.TrimSpace(res.Stdout)); err == nil {
			u.Group = g.Name
		}
	}
	return u, nil
}

// LookupGroup resolves a group on any host that can run getent.
func LookupGroup(ctx context.Context, h Host, name string) (*Group, error) {
	res, err := h.Run(ctx, Command{Script: "getent group " + ShellQuote(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to look up group %s: %w", name, err)
	}
	if res.ExitCode == getentNotFound {
		return nil, ErrNotFound
	}
	if !res.Success() {
		return nil, fmt.Errorf("getent group %s exited %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseGroupLine(strings.TrimSpace(res.Stdout))
}

// ParsePasswdLine parses one passwd(5) entry and returns the user plus the
// numeric primary group ID.
func ParsePasswdLine(line string) (*User, string, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 {
		return nil, "", fmt.Errorf("malformed passwd entry %q", line)
	}
	return &User{
		Name:  fields[0],
		UID:   fields[2],
		Home:  fields[5],
		Shell: fields[6],
	}, fields[3], nil
}

// ParseGroupLine parses one group(5) entry.
func ParseGroupLine(line string) (*Group, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 3 {
		return nil, fmt.Errorf("malformed group entry %q", line)
	}
	return &Group{Name: fields[0], GID: fields[2]}, nil
}

// ShellQuote quotes s for safe use as one /bin/sh word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
