package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return ctx.Err()
	}
}

func TestExecutorRunsActionsInOrder(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	var sleeps []time.Duration
	exec := NewExecutor(svc, WithSleeper(noSleep(&sleeps)))

	actions := []models.Action{
		{Type: models.StepSendText, Payload: models.Payload{"text": "one"}},
		{Type: models.StepWaitTime, Payload: models.Payload{"seconds": 2.5}},
		{Type: models.StepSendImage, Payload: models.Payload{"url": "https://example.com/a.png", "caption": "pic"}},
		{Type: models.StepSendText, Payload: models.Payload{"text": "two"}},
	}
	if err := exec.Execute(context.Background(), "42", actions); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	sent := svc.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	if sent[0].Text != "one" || sent[2].Text != "two" {
		t.Errorf("unexpected text order: %+v", sent)
	}
	if sent[1].Media == nil || sent[1].Media.Kind != models.MediaImage || sent[1].Media.Caption != "pic" {
		t.Errorf("unexpected media send: %+v", sent[1])
	}
	if len(sleeps) != 1 || sleeps[0] != 2500*time.Millisecond {
		t.Errorf("expected one 2.5s sleep, got %v", sleeps)
	}
}

func TestExecutorContinuesAfterFailure(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	exec := NewExecutor(svc)

	actions := []models.Action{
		{Type: models.StepSendFile, Payload: models.Payload{}}, // no source
		{Type: models.StepSendText, Payload: models.Payload{"text": "still sent"}},
	}
	err := exec.Execute(context.Background(), "42", actions)
	if !errors.Is(err, models.ErrMissingMediaSource) {
		t.Fatalf("expected ErrMissingMediaSource, got %v", err)
	}
	sent := svc.Sent()
	if len(sent) != 1 || sent[0].Text != "still sent" {
		t.Errorf("expected the text after the failure to be sent, got %+v", sent)
	}
}

func TestExecutorJoinsSendErrors(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	boom := errors.New("network down")
	svc.SendErr = boom
	exec := NewExecutor(svc)

	err := exec.Execute(context.Background(), "42", []models.Action{
		{Type: models.StepSendText, Payload: models.Payload{"text": "a"}},
		{Type: models.StepSendText, Payload: models.Payload{"text": "b"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined send error, got %v", err)
	}
}

func TestExecutorStopsWhenCancelled(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(svc, WithSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	err := exec.Execute(ctx, "42", []models.Action{
		{Type: models.StepWaitTime, Payload: models.Payload{"seconds": 60.0}},
		{Type: models.StepSendText, Payload: models.Payload{"text": "never"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(svc.Sent()) != 0 {
		t.Errorf("no message should be sent after cancellation")
	}
}

func TestExecutorIgnoresUnknownActions(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	exec := NewExecutor(svc)
	if err := exec.Execute(context.Background(), "42", []models.Action{{Type: "poll"}}); err != nil {
		t.Errorf("unknown action should be ignored, got %v", err)
	}
}

func TestWithSendRateDisabled(t *testing.T) {
	exec := NewExecutor(NewMockService(models.TransportTelegram), WithSendRate(0, 0))
	if exec.limiter != nil {
		t.Error("non-positive rate should disable the limiter")
	}
	exec = NewExecutor(NewMockService(models.TransportTelegram), WithSendRate(5, 0))
	if exec.limiter == nil || exec.limiter.Burst() != 1 {
		t.Error("expected limiter with burst 1")
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), 0); err != nil {
		t.Errorf("zero sleep returned %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecutorCapsWaitTime(t *testing.T) {
	svc := NewMockService(models.TransportTelegram)
	var slept []time.Duration
	exec := NewExecutor(svc, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	err := exec.Execute(context.Background(), "42", []models.Action{
		{Type: models.StepWaitTime, Payload: models.Payload{"seconds": 1e300}},
		{Type: models.StepWaitTime, Payload: models.Payload{"seconds": "NaN"}},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := []time.Duration{24 * time.Hour, time.Second}
	if len(slept) != 2 || slept[0] != want[0] || slept[1] != want[1] {
		t.Errorf("slept %v, want %v", slept, want)
	}
}
