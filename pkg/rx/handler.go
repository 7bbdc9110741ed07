package rx

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/flock"
	"github.com/drcloud/drcloud/pkg/protocol"
	"github.com/drcloud/drcloud/pkg/runner"
	"github.com/drcloud/drcloud/pkg/telemetry"
	"github.com/drcloud/drcloud/pkg/task"
)

// Handler runs the task of one Run envelope and reports on it. Every run
// gets a started status followed by exactly one of success or failed.
type Handler struct {
	// Envelope carries the Run being handled.
	Envelope *protocol.Envelope

	// Locks is the directory holding per-lock files.
	Locks string

	// Timeout bounds the wait for the task's lock. Zero fails at once on
	// contention.
	Timeout time.Duration

	Runner runner.Runner
	Posts  *PostQueue
	Sender string

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  zerolog.Logger
}

// Handle runs the task and returns the terminal status it posted. The task
// itself is not cancelled with ctx; once started it runs to completion.
func (h *Handler) Handle(ctx context.Context) protocol.Status {
	run := h.Envelope.Data.(*protocol.Run)
	t := &run.Task
	lock := t.LockName()
	logger := h.Logger.With().
		Str("run", run.UUID.String()).
		Str("lock", lock).
		Str("label", t.LabelName()).
		Logger()

	ctx, span := h.Tracer.StartTaskSpan(ctx, run.UUID.String(), lock, t.LabelName())
	timer := telemetry.NewTimer()
	h.Metrics.RecordTaskStarted(lock)

	h.post(&protocol.RunStatus{UUID: run.UUID, Status: protocol.StatusStarted})

	status, err := h.run(ctx, t, lock, logger)
	h.Metrics.RecordTaskCompleted(string(status), timer.Duration())
	span.SetAttributes(telemetry.AttrStatus.String(string(status)))
	telemetry.End(span, err)
	return status
}

func (h *Handler) run(ctx context.Context, t *task.Task, lock string, logger zerolog.Logger) (protocol.Status, error) {
	run := h.Envelope.Data.(*protocol.Run)

	held, err := flock.Lock(ctx, filepath.Join(h.Locks, lock), flock.Options{
		Flag:    flock.Exclusive,
		Timeout: h.Timeout,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Task lock not acquired")
		h.post(&protocol.RunStatus{UUID: run.UUID, Status: protocol.StatusFailed, Message: err.Error()})
		return protocol.StatusFailed, err
	}
	defer func() {
		if err := held.Unlock(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release task lock")
		}
	}()

	logger.Info().Int("commands", len(t.Code)).Msg("Running task")
	res, err := h.Runner.Run(context.WithoutCancel(ctx), t)
	if res == nil {
		res = &runner.Result{}
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Task failed")
		h.post(&protocol.RunStatus{
			UUID:    run.UUID,
			Status:  protocol.StatusFailed,
			Message: err.Error(),
			O:       res.Out,
			E:       res.Err,
		})
		return protocol.StatusFailed, err
	}

	logger.Info().Dur("duration", res.Duration).Msg("Task succeeded")
	h.post(&protocol.RunStatus{
		UUID:   run.UUID,
		Status: protocol.StatusSuccess,
		O:      res.Out,
		E:      res.Err,
	})
	return protocol.StatusSuccess, nil
}

func (h *Handler) post(status *protocol.RunStatus) {
	status.O = clip(status.O)
	status.E = clip(status.E)
	e := protocol.New(h.Envelope.Channel, status, h.Envelope.ID)
	if h.Sender != "" {
		e.From(h.Sender)
	}
	h.Posts.Post(e)
}

func clip(lines []task.Line) []task.Line {
	if len(lines) > task.MaxLines {
		return lines[len(lines)-task.MaxLines:]
	}
	return lines
}
