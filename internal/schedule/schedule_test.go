package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantpool/capital-engine/internal/schedule"
)

func TestSchedulerRunsJob(t *testing.T) {
	s := schedule.New()

	var runs atomic.Int32
	err := s.Add(context.Background(), schedule.Job{
		Name: "tick",
		Spec: "* * * * * *", // every second
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := schedule.New()
	err := s.Add(context.Background(), schedule.Job{
		Name: "broken",
		Spec: "not a cron expression",
		Run:  func(context.Context) error { return nil },
	})
	if err == nil {
		t.Fatal("invalid cron spec accepted")
	}
}
