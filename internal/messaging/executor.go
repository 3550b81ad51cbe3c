package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"golang.org/x/time/rate"
)

// Executor performs the actions emitted by the flow engine against a Sender.
//
// A failed action is logged and the remaining actions still run; the
// conversation state persisted by the engine is never rolled back. wait_time
// actions delay the actions after them and end early when ctx is cancelled.
type Executor struct {
	sender  Sender
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSendRate limits outbound sends to perSecond messages with the given burst.
// A non-positive rate disables limiting.
func WithSendRate(perSecond float64, burst int) ExecutorOption {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSleeper replaces the delay function used for wait_time actions.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// NewExecutor creates an Executor sending through sender.
func NewExecutor(sender Sender, opts ...ExecutorOption) *Executor {
	e := &Executor{sender: sender, sleep: sleepContext}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the actions in order for the given chat. It returns the joined
// errors of all failed actions, or ctx.Err() joined with them when cancelled.
func (e *Executor) Execute(ctx context.Context, chatID string, actions []models.Action) error {
	var errs []error
	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			slog.Warn("Executor.Execute: cancelled, abandoning remaining actions", "chat_id", chatID, "remaining", len(actions)-i)
			return errors.Join(append(errs, err)...)
		}
		if err := e.run(ctx, chatID, action); err != nil {
			slog.Error("Executor.Execute: action failed", "error", err, "chat_id", chatID, "index", i, "type", action.Type)
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, action.Type, err))
			continue
		}
		slog.Debug("Executor.Execute: action done", "chat_id", chatID, "index", i, "type", action.Type)
	}
	return errors.Join(errs...)
}

func (e *Executor) run(ctx context.Context, chatID string, action models.Action) error {
	switch action.Type {
	case models.StepWaitTime:
		secs := models.WaitSeconds(action.Payload)
		return e.sleep(ctx, time.Duration(secs*float64(time.Second)))

	case models.StepSendText:
		if err := e.wait(ctx); err != nil {
			return err
		}
		return e.sender.SendText(ctx, chatID, action.Payload.String("text"))

	case models.StepSendImage, models.StepSendAudio, models.StepSendFile:
		media, err := models.MediaFromAction(action)
		if err != nil {
			return err
		}
		if err := e.wait(ctx); err != nil {
			return err
		}
		return e.sender.SendMedia(ctx, chatID, media)

	default:
		slog.Warn("Executor.run: ignoring action of unknown type", "type", action.Type, "chat_id", chatID)
		return nil
	}
}

func (e *Executor) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
