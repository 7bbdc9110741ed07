// Package task defines the unit of remote execution: a Task is an ordered
// list of commands run under a named lock, with per-command options chosen by
// glob patterns.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/drcloud/drcloud/pkg/dns"
	"github.com/drcloud/drcloud/pkg/drerr"
)

// DefaultLock is the lock used by tasks that do not name one.
const DefaultLock = "run"

// Task is an ordered list of commands sharing a serialization lock. Fields
// are declared in JSON key order.
type Task struct {
	// Code is run strictly in order. An empty list succeeds immediately.
	Code []Cmd `json:"code"`

	// Label tags logs and statuses. Defaults to the lock name.
	Label string `json:"label,omitempty"`

	// Lock names the serialization domain. Defaults to DefaultLock.
	Lock string `json:"lock,omitempty"`

	// Options maps glob patterns over command words to execution options.
	Options OptionSet `json:"options,omitempty"`
}

// LockName returns the effective lock name.
func (t *Task) LockName() string {
	if t.Lock == "" {
		return DefaultLock
	}
	return t.Lock
}

// LabelName returns the effective label.
func (t *Task) LabelName() string {
	if t.Label == "" {
		return t.LockName()
	}
	return t.Label
}

// Validate checks the lock name, every command word and every pattern.
func (t *Task) Validate() error {
	if err := dns.Check(t.LockName()); err != nil {
		return drerr.Validation("invalid task lock", err)
	}
	for i, c := range t.Code {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	for _, p := range t.Options {
		if _, err := p.compile(); err != nil {
			return err
		}
	}
	return nil
}

// Cmd is one command: a word and its arguments.
type Cmd struct {
	Args []string `json:"args,omitempty"`

	// Formerly lists words this command superseded. Informational only.
	Formerly []string `json:"formerly,omitempty"`

	Word string `json:"word"`
}

// Command builds a Cmd from a word and arguments.
func Command(word string, args ...string) Cmd {
	return Cmd{Word: word, Args: args}
}

// Kind returns how the command word resolves.
func (c Cmd) Kind() (Kind, error) {
	return Classify(c.Word)
}

// Validate checks the command word's form.
func (c Cmd) Validate() error {
	_, err := Classify(c.Word)
	return err
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Word}, c.Args...), " ")
}

// UnmarshalJSON accepts the object form, an array ["word", "arg", ...] and a
// single whitespace-separated string.
func (c *Cmd) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) > 0 && data[0] == '[':
		var words []string
		if err := json.Unmarshal(data, &words); err != nil {
			return fmt.Errorf("failed to parse command array: %w", err)
		}
		if len(words) == 0 {
			return drerr.Validationf("empty command array")
		}
		*c = Command(words[0], words[1:]...)
		return nil
	case len(data) > 0 && data[0] == '"':
		var line string
		if err := json.Unmarshal(data, &line); err != nil {
			return fmt.Errorf("failed to parse command string: %w", err)
		}
		words := strings.Fields(line)
		if len(words) == 0 {
			return drerr.Validationf("empty command string")
		}
		*c = Command(words[0], words[1:]...)
		return nil
	}

	type plain Cmd
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Cmd(p)
	return nil
}

// Options are per-command execution options.
type Options struct {
	// InsecureDownload disables TLS certificate verification for https words.
	InsecureDownload bool `json:"insecure_download,omitempty"`
}

// Pattern pairs a glob over command words with the options it selects.
type Pattern struct {
	Glob    string
	Options Options
}

func (p Pattern) compile() (glob.Glob, error) {
	g, err := glob.Compile(p.Glob)
	if err != nil {
		return nil, drerr.Validation(fmt.Sprintf("invalid option pattern %q", p.Glob), err)
	}
	return g, nil
}

// OptionSet is an ordered mapping from glob to options. On the wire it is a
// JSON object whose key order is preserved.
type OptionSet []Pattern

// For returns the options of the last pattern matching word, or the zero
// Options when none matches. Later patterns are expected to be more specific.
func (s OptionSet) For(word string) Options {
	var opts Options
	for _, p := range s {
		g, err := p.compile()
		if err != nil {
			continue
		}
		if g.Match(word) {
			opts = p.Options
		}
	}
	return opts
}

// MarshalJSON writes the set as an object in declaration order.
func (s OptionSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Glob)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Options)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping its key order.
func (s *OptionSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to parse options: %w", err)
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return drerr.Validationf("options must be an object")
	}

	var out OptionSet
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to parse options: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return drerr.Validationf("options key must be a string")
		}
		var opts Options
		if err := dec.Decode(&opts); err != nil {
			return fmt.Errorf("failed to parse options for %q: %w", key, err)
		}
		out = append(out, Pattern{Glob: key, Options: opts})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to parse options: %w", err)
	}
	*s = out
	return nil
}

// Line is one timestamped line of captured output.
type Line struct {
	S string    `json:"s"`
	T time.Time `json:"t"`
}
