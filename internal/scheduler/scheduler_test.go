package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"feed-job-importer/internal/logging"
)

func TestStartReportsNextRun(t *testing.T) {
	h, err := Start(context.Background(), "", func(context.Context) error { return nil }, logging.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(context.Background())

	st := h.Status()
	if !st.Running || st.Schedule != DefaultSchedule {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.NextRun == nil || !st.NextRun.After(time.Now()) {
		t.Fatalf("expected a future next run, got %v", st.NextRun)
	}
	if st.NextRun.Minute() != 0 {
		t.Fatalf("hourly schedule should fire on the hour, got %s", st.NextRun)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	if _, err := Start(context.Background(), "not a schedule", func(context.Context) error { return nil }, logging.Nop()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestScheduleFiresAndStops(t *testing.T) {
	var calls atomic.Int32
	h, err := Start(context.Background(), "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("schedule never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	st := h.Status()
	if st.Running || st.NextRun != nil {
		t.Fatalf("stopped handle should report idle, got %+v", st)
	}
}
