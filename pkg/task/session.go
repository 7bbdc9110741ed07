package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Session is the execution state a task's commands share: environment and
// working directory. Builtins change the session, never the hosting process.
type Session struct {
	env      map[string]string
	dir      string
	stdout   io.Writer
	stderr   io.Writer
	registry *Registry
	logger   zerolog.Logger
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Env seeds the environment. Defaults to the process environment.
	Env []string

	// Dir is the initial working directory. Defaults to the process's.
	Dir string

	// Stdout and Stderr receive command output. Default to io.Discard.
	Stdout io.Writer
	Stderr io.Writer

	// Registry resolves command words. Defaults to DefaultRegistry.
	Registry *Registry

	Logger zerolog.Logger
}

// NewSession creates a session.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		opts.Dir = wd
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}

	env := make(map[string]string, len(opts.Env))
	for _, kv := range opts.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	return &Session{
		env:      env,
		dir:      opts.Dir,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		registry: opts.Registry,
		logger:   opts.Logger,
	}, nil
}

// Getenv returns a session environment variable.
func (s *Session) Getenv(key string) string {
	return s.env[key]
}

// Setenv sets a session environment variable.
func (s *Session) Setenv(key, value string) {
	s.env[key] = value
}

// Dir returns the session working directory.
func (s *Session) Dir() string {
	return s.dir
}

// Chdir changes the session working directory. Relative paths resolve
// against the current one.
func (s *Session) Chdir(dir string) error {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.dir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to change directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to change directory: %s is not a directory", dir)
	}
	s.dir = filepath.Clean(dir)
	return nil
}

// Expand replaces $VAR and ${VAR} in v from the session environment.
func (s *Session) Expand(v string) string {
	return os.Expand(v, s.Getenv)
}

// Environ returns the session environment in KEY=value form, sorted.
func (s *Session) Environ() []string {
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Run executes the task's commands in order and stops at the first failure.
func (s *Session) Run(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	for i, c := range t.Code {
		opts := t.Options.For(c.Word)
		h, kind, err := s.registry.Resolve(c.Word)
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}

		start := time.Now()
		s.logger.Debug().
			Str("label", t.LabelName()).
			Int("index", i).
			Str("word", c.Word).
			Str("kind", string(kind)).
			Msg("Running command")

		if err := h(ctx, s, c.Word, c.Args, opts); err != nil {
			return fmt.Errorf("command %d (%s) failed: %w", i, c.Word, err)
		}

		s.logger.Debug().
			Str("label", t.LabelName()).
			Int("index", i).
			Dur("duration", time.Since(start)).
			Msg("Command completed")
	}
	return nil
}

// Exec runs an executable with args in the session's directory and
// environment, wiring its output to the session writers.
func (s *Session) Exec(ctx context.Context, path string, args ...string) error {
	resolved, err := s.lookPath(path)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, resolved, args...)
	cmd.Dir = s.dir
	cmd.Env = s.Environ()
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %w", path, exitErr.ExitCode(), err)
		}
		return fmt.Errorf("failed to run %s: %w", path, err)
	}
	return nil
}

// lookPath resolves name against the session PATH rather than the process's.
func (s *Session) lookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) {
			name = filepath.Join(s.dir, name)
		}
		return name, nil
	}
	for _, dir := range filepath.SplitList(s.env["PATH"]) {
		if dir == "" {
			dir = "."
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.dir, dir)
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in session PATH: %w", name, exec.ErrNotFound)
}

func runSystem(ctx context.Context, s *Session, word string, args []string, _ Options) error {
	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = s.Expand(a)
	}
	return s.Exec(ctx, word, expanded...)
}
