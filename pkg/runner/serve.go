package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
	"github.com/drcloud/drcloud/pkg/task"
)

// ServeOptions configures the child side.
type ServeOptions struct {
	// Registry resolves command words. Defaults to task.DefaultRegistry.
	Registry *task.Registry

	// Env and Dir seed the task session. Default to the process's.
	Env []string
	Dir string

	// Logger must not write to the protocol stream.
	Logger zerolog.Logger
}

// Serve runs the child side of the protocol: it announces READY, reads one
// RUN, runs the task and reports DONE or ERROR. A task failure is reported to
// the parent, not returned; the returned error means the protocol broke.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts ServeOptions) error {
	enc := NewEncoder(out)
	dec := NewDecoder(in)

	if err := enc.Encode(MessageTypeReady, &ReadyMessage{PID: os.Getpid()}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	msg, err := dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("parent closed the stream before sending a task")
		}
		return err
	}
	if msg.Type != MessageTypeRun {
		return fmt.Errorf("expected RUN message, got %s", msg.Type)
	}
	var run RunMessage
	if err := ParseData(msg, &run); err != nil {
		return enc.Encode(MessageTypeError, &ErrorMessage{Code: codeFor(err), Message: err.Error()})
	}

	logger := opts.Logger.With().Str("run", run.ID).Str("label", run.Task.LabelName()).Logger()
	emit := func(stream Stream) *task.LineWriter {
		return task.NewLineWriter(func(l task.Line) {
			if err := enc.Encode(MessageTypeLine, &LineMessage{Stream: stream, Line: l}); err != nil {
				logger.Warn().Err(err).Msg("Failed to forward output line")
			}
		})
	}
	stdout, stderr := emit(StreamOut), emit(StreamErr)

	session, err := task.NewSession(task.SessionOptions{
		Env:      opts.Env,
		Dir:      opts.Dir,
		Stdout:   stdout,
		Stderr:   stderr,
		Registry: opts.Registry,
		Logger:   logger,
	})
	if err != nil {
		return enc.Encode(MessageTypeError, &ErrorMessage{ID: run.ID, Code: "SESSION_FAILED", Message: err.Error()})
	}

	start := time.Now()
	runErr := session.Run(ctx, &run.Task)
	stdout.Flush()
	stderr.Flush()

	if runErr != nil {
		logger.Debug().Err(runErr).Msg("Task failed")
		return enc.Encode(MessageTypeError, &ErrorMessage{ID: run.ID, Code: codeFor(runErr), Message: runErr.Error()})
	}
	return enc.Encode(MessageTypeDone, &DoneMessage{ID: run.ID, Duration: time.Since(start).Seconds()})
}

func codeFor(err error) string {
	switch {
	case drerr.IsValidation(err):
		return "INVALID_TASK"
	case drerr.IsTransfer(err):
		return "FETCH_FAILED"
	default:
		return "EXEC_FAILED"
	}
}
