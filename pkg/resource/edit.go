package resource

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/embergraph/provisioner/pkg/failure"
	"github.com/embergraph/provisioner/pkg/host"
)

// editTarget keeps the file's current attributes for anything not declared.
func editTarget(p string, info *host.FileInfo, owner, group string, mode os.FileMode) target {
	t := target{path: p, owner: owner, group: group, mode: mode}
	if !info.Exists {
		return t
	}
	if t.owner == "" {
		t.owner = info.Owner
	}
	if t.group == "" {
		t.group = info.Group
	}
	if t.mode == 0 {
		t.mode = info.Mode
	}
	return t
}

// TextEdit replaces every occurrence of Old with New in a file the plan does
// not own. It is satisfied when Old no longer occurs. The file must already
// exist; when it is produced asynchronously (an unpacked web archive) the
// step should declare a retry policy.
type TextEdit struct {
	Meta

	Path string
	Old  string
	New  string
}

type textEditState struct {
	content contentState
}

// ID returns the step identity.
func (e *TextEdit) ID() string { return stepID(KindTextEdit, e.Path+" "+e.Old) }

// Kind returns KindTextEdit.
func (e *TextEdit) Kind() Kind { return KindTextEdit }

// Describe summarizes the edit.
func (e *TextEdit) Describe() string {
	return fmt.Sprintf("edit %s: %q -> %q", e.Path, e.Old, e.New)
}

// Validate rejects edits that could never converge.
func (e *TextEdit) Validate() error {
	if e.Old == "" {
		return failure.Validation("text edit has nothing to replace", nil).WithStep(e.ID())
	}
	if strings.Contains(e.New, e.Old) {
		return failure.Validation("text edit replacement contains the replaced text", nil).WithStep(e.ID())
	}
	return nil
}

// Probe reads the file and computes the edited content.
func (e *TextEdit) Probe(ctx context.Context, h host.Host) (State, error) {
	current, err := h.ReadFile(ctx, e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.Path, err)
	}
	desired := bytes.ReplaceAll(current, []byte(e.Old), []byte(e.New))
	s, err := probeContent(ctx, h, e.Path, desired)
	if err != nil {
		return nil, err
	}
	return textEditState{content: s}, nil
}

// Diff rewrites the file when the old text is present.
func (e *TextEdit) Diff(state State, _ Run) (*Action, error) {
	s := state.(textEditState).content
	if s.currentHash == s.desiredHash {
		return nil, nil
	}
	t := editTarget(e.Path, s.info, "", "", 0)
	return &Action{
		Verb:    "edit",
		Reason:  fmt.Sprintf("%q present", e.Old),
		payload: contentPayload{dest: t, write: true, content: s.desired},
	}, nil
}

// Apply writes the edited content atomically.
func (e *TextEdit) Apply(ctx context.Context, h host.Host, action *Action) error {
	return applyContent(ctx, h, action)
}

// KeyValue is one assignment in a key=value file.
type KeyValue struct {
	Key   string
	Value string
}

// KeyValueEdit sets assignments in a shell-style key=value file such as
// /etc/default/tomcat7. Comments, blank lines and unrelated keys are kept;
// missing keys are appended in declaration order.
type KeyValueEdit struct {
	Meta

	Path   string
	Values []KeyValue

	// Quote wraps values in double quotes.
	Quote bool

	// Create starts from an empty file when Path does not exist.
	Create bool

	Owner string
	Group string
	Mode  os.FileMode
}

// ID returns the step identity.
func (e *KeyValueEdit) ID() string { return stepID(KindKeyValueEdit, e.Path) }

// Kind returns KindKeyValueEdit.
func (e *KeyValueEdit) Kind() Kind { return KindKeyValueEdit }

// Describe summarizes the edit.
func (e *KeyValueEdit) Describe() string {
	keys := make([]string, len(e.Values))
	for i, kv := range e.Values {
		keys[i] = kv.Key
	}
	return fmt.Sprintf("set %s in %s", strings.Join(keys, ", "), e.Path)
}

// References reports the owning accounts.
func (e *KeyValueEdit) References() Accounts { return ownerRefs(e.Owner, e.Group) }

// Probe parses the file and computes the edited content.
func (e *KeyValueEdit) Probe(ctx context.Context, h host.Host) (State, error) {
	info, err := h.Stat(ctx, e.Path)
	if err != nil {
		return nil, err
	}
	var current []byte
	switch {
	case info.Exists:
		if current, err = h.ReadFile(ctx, e.Path); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Path, err)
		}
	case !e.Create:
		return nil, fmt.Errorf("%s does not exist", e.Path)
	}
	return probeContent(ctx, h, e.Path, SetKeyValues(current, e.Values, e.Quote))
}

// Diff compares the edited content and attributes.
func (e *KeyValueEdit) Diff(state State, _ Run) (*Action, error) {
	s := state.(contentState)
	return diffContent(e.ID(), editTarget(e.Path, s.info, e.Owner, e.Group, e.Mode), s)
}

// Apply writes the edited content atomically or corrects attributes.
func (e *KeyValueEdit) Apply(ctx context.Context, h host.Host, action *Action) error {
	return applyContent(ctx, h, action)
}

// SetKeyValues rewrites assignments in a key=value document. A line
// "[export ]KEY=..." whose key is in values is replaced in place; the first
// occurrence wins and later duplicates are dropped. Values not present are
// appended in order.
func SetKeyValues(doc []byte, values []KeyValue, quote bool) []byte {
	want := make(map[string]string, len(values))
	for _, kv := range values {
		want[kv.Key] = formatValue(kv.Value, quote)
	}
	written := make(map[string]bool, len(values))

	var out bytes.Buffer
	text := string(doc)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		key, export := assignmentKey(line)
		value, managed := want[key]
		if !managed {
			out.WriteString(line)
			continue
		}
		if written[key] {
			continue
		}
		written[key] = true
		fmt.Fprintf(&out, "%s%s=%s\n", export, key, value)
	}
	for _, kv := range values {
		if !written[kv.Key] {
			written[kv.Key] = true
			fmt.Fprintf(&out, "%s=%s\n", kv.Key, want[kv.Key])
		}
	}
	return out.Bytes()
}

// shellDoubleQuote escapes the characters that stay special inside a
// POSIX double-quoted string.
var shellDoubleQuote = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

func formatValue(v string, quote bool) string {
	if !quote {
		return v
	}
	return `"` + shellDoubleQuote.Replace(v) + `"`
}

// assignmentKey returns the key assigned on a line and its "export " prefix.
func assignmentKey(line string) (key, export string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", ""
	}
	if strings.HasPrefix(trimmed, "export ") {
		export = "export "
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}
	eq := strings.IndexByte(trimmed, '=')
	if eq <= 0 {
		return "", ""
	}
	return strings.TrimSpace(trimmed[:eq]), export
}
