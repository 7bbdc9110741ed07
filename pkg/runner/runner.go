package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/task"
)

// Runner runs one task to completion.
type Runner interface {
	// Run returns the captured output whether or not the task succeeded.
	Run(ctx context.Context, t *task.Task) (*Result, error)
}

// Result is what a task run produced.
type Result struct {
	Out      []task.Line
	Err      []task.Line
	Duration time.Duration
}

// TaskError is a failure reported by the task itself, as opposed to a
// failure to run it.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task failed (%s): %s", e.Code, e.Message)
}

// IsTaskError reports whether err came from the task's own commands.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}

// exchange drives the parent side over an established stream pair.
func exchange(ctx context.Context, enc *Encoder, dec *Decoder, t *task.Task, maxLines int) (*Result, error) {
	out, errs := task.NewTail(maxLines), task.NewTail(maxLines)
	result := func() *Result {
		return &Result{Out: out.Lines(), Err: errs.Lines()}
	}

	msg, err := dec.Decode()
	if err != nil {
		return result(), fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != MessageTypeReady {
		return result(), fmt.Errorf("expected READY, got %s", msg.Type)
	}

	id := uuid.NewString()
	if err := enc.Encode(MessageTypeRun, &RunMessage{ID: id, Task: *t}); err != nil {
		return result(), fmt.Errorf("failed to send task: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return result(), err
		}
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result(), fmt.Errorf("runner exited before reporting a result")
			}
			return result(), fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case MessageTypeLine:
			var line LineMessage
			if err := ParseData(msg, &line); err != nil {
				return result(), err
			}
			if line.Stream == StreamErr {
				errs.Add(line.Line)
			} else {
				out.Add(line.Line)
			}

		case MessageTypeDone:
			var done DoneMessage
			if err := ParseData(msg, &done); err != nil {
				return result(), err
			}
			if done.ID != id {
				return result(), fmt.Errorf("run ID mismatch: expected %s, got %s", id, done.ID)
			}
			r := result()
			r.Duration = time.Duration(done.Duration * float64(time.Second))
			return r, nil

		case MessageTypeError:
			var em ErrorMessage
			if err := ParseData(msg, &em); err != nil {
				return result(), err
			}
			if em.ID != "" && em.ID != id {
				return result(), fmt.Errorf("run ID mismatch: expected %s, got %s", id, em.ID)
			}
			return result(), &TaskError{Code: em.Code, Message: em.Message}

		default:
			return result(), fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Process runs each task in a child process that serves the runner
// protocol, by default this binary's hidden task-exec command.
type Process struct {
	// Path is the child executable. Defaults to os.Executable().
	Path string

	// Args are passed to the child. Defaults to ["task-exec"].
	Args []string

	// Env is the child environment. Defaults to the process environment.
	Env []string

	// Dir is the child working directory.
	Dir string

	// MaxLines bounds captured lines per stream.
	MaxLines int

	Logger zerolog.Logger
}

// Run implements Runner.
func (p *Process) Run(ctx context.Context, t *task.Task) (*Result, error) {
	path := p.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return &Result{}, fmt.Errorf("failed to find executable: %w", err)
		}
		path = exe
	}
	args := p.Args
	if args == nil {
		args = []string{"task-exec"}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = p.Env
	cmd.Dir = p.Dir
	cmd.Stderr = p.Logger.With().Str("component", "task-exec").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Result{}, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{}, fmt.Errorf("failed to open stdout: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Result{}, fmt.Errorf("failed to start runner: %w", err)
	}
	p.Logger.Debug().Int("pid", cmd.Process.Pid).Str("label", t.LabelName()).Msg("Runner started")

	res, runErr := exchange(ctx, NewEncoder(stdin), NewDecoder(stdout), t, p.MaxLines)
	_ = stdin.Close()
	waitErr := cmd.Wait()
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	if runErr != nil {
		if waitErr != nil && !IsTaskError(runErr) {
			return res, fmt.Errorf("%w (runner: %v)", runErr, waitErr)
		}
		return res, runErr
	}
	if waitErr != nil {
		return res, fmt.Errorf("runner exited abnormally: %w", waitErr)
	}
	return res, nil
}

// InProcess serves the runner protocol on a goroutine instead of a child
// process. It gives no isolation and exists for tests and diagnostics.
type InProcess struct {
	Options  ServeOptions
	MaxLines int
}

// Run implements Runner.
func (r *InProcess) Run(ctx context.Context, t *task.Task) (*Result, error) {
	childIn, parentOut := io.Pipe()
	parentIn, childOut := io.Pipe()

	served := make(chan error, 1)
	go func() {
		err := Serve(ctx, childIn, childOut, r.Options)
		_ = childOut.Close()
		served <- err
	}()

	res, err := exchange(ctx, NewEncoder(parentOut), NewDecoder(parentIn), t, r.MaxLines)
	_ = parentOut.Close()
	_ = parentIn.Close()
	serveErr := <-served
	if err == nil && serveErr != nil {
		err = serveErr
	}
	return res, err
}
