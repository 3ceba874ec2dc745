package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func countTask(name string, items int64) Task {
	return Task{Name: name, Fn: func(ctx context.Context) (int64, map[string]any, error) {
		return items, nil, nil
	}}
}

func failTask(name string, err error) Task {
	return Task{Name: name, Fn: func(ctx context.Context) (int64, map[string]any, error) {
		return 0, nil, err
	}}
}

func panicTask(name string) Task {
	return Task{Name: name, Fn: func(ctx context.Context) (int64, map[string]any, error) {
		panic("boom")
	}}
}

func TestRunCycle_ResultsInOrder(t *testing.T) {
	s := NewScheduler([]Task{
		countTask("a", 3),
		countTask("b", 0),
	}, 10)

	results := s.RunCycle(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Task != "a" || results[1].Task != "b" {
		t.Fatalf("results out of order: %+v", results)
	}
	if !results[0].Success || results[0].ItemsProcessed != 3 {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[0].RanAt.IsZero() {
		t.Fatalf("RanAt not stamped")
	}

	st := s.Status()
	if st.LastCycle == nil {
		t.Fatalf("LastCycle not stamped after RunCycle")
	}
}

func TestRunCycle_ErrorDoesNotStopCycle(t *testing.T) {
	s := NewScheduler([]Task{
		failTask("broken", errors.New("db gone")),
		countTask("after", 1),
	}, 10)

	results := s.RunCycle(context.Background())
	if results[0].Success {
		t.Fatalf("failing task reported success")
	}
	if results[0].Error != "db gone" {
		t.Fatalf("error text lost: %+v", results[0])
	}
	if !results[1].Success {
		t.Fatalf("later task did not run after a failure: %+v", results[1])
	}
}

func TestRunCycle_PanicIsIsolated(t *testing.T) {
	s := NewScheduler([]Task{
		panicTask("explosive"),
		countTask("survivor", 2),
	}, 10)

	results := s.RunCycle(context.Background())
	if results[0].Success {
		t.Fatalf("panicking task reported success")
	}
	if !strings.Contains(results[0].Error, "panic: boom") {
		t.Fatalf("panic not captured in result: %+v", results[0])
	}
	if !results[1].Success || results[1].ItemsProcessed != 2 {
		t.Fatalf("panic leaked into the next task: %+v", results[1])
	}
}

func TestRunCycle_TaskDetailsRetained(t *testing.T) {
	s := NewScheduler([]Task{
		{Name: "detailed", Fn: func(ctx context.Context) (int64, map[string]any, error) {
			return 7, map[string]any{"cutoff_days": 90}, nil
		}},
	}, 10)

	results := s.RunCycle(context.Background())
	if results[0].Details["cutoff_days"] != 90 {
		t.Fatalf("details dropped: %+v", results[0])
	}
}

func TestHistory_BoundedAndNewestFirst(t *testing.T) {
	s := NewScheduler([]Task{countTask("only", 1)}, 3)

	// Five cycles of one task against a ring of three.
	for i := 0; i < 5; i++ {
		s.RunCycle(context.Background())
	}

	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history not bounded: %d", len(h))
	}
	// Newest first: timestamps must be non-increasing.
	for i := 1; i < len(h); i++ {
		if h[i].RanAt.After(h[i-1].RanAt) {
			t.Fatalf("history not newest-first: %v then %v", h[i-1].RanAt, h[i].RanAt)
		}
	}
}

func TestHistory_EmptyBeforeAnyRun(t *testing.T) {
	s := NewScheduler([]Task{countTask("idle", 0)}, 5)
	if h := s.History(); len(h) != 0 {
		t.Fatalf("expected empty history, got %d", len(h))
	}
}

func TestStatus_TaskNamesAndRunningFlag(t *testing.T) {
	s := NewScheduler([]Task{countTask("cycle_a", 0), countTask("cycle_b", 0)}, 5)
	if err := s.ScheduleInterval("hourly_extra", func(ctx context.Context) (int64, map[string]any, error) {
		return 0, nil, nil
	}, 1); err != nil {
		t.Fatalf("ScheduleInterval: %v", err)
	}

	st := s.Status()
	if st.Running {
		t.Fatalf("scheduler reported running before Start")
	}
	want := []string{"cycle_a", "cycle_b", "hourly_extra"}
	if len(st.Tasks) != len(want) {
		t.Fatalf("unexpected task list: %v", st.Tasks)
	}
	for i, name := range want {
		if st.Tasks[i] != name {
			t.Fatalf("task %d: got %q want %q", i, st.Tasks[i], name)
		}
	}
	if st.LastCycle != nil {
		t.Fatalf("LastCycle set before any run")
	}
}

func TestScheduleValidation(t *testing.T) {
	s := NewScheduler(nil, 5)
	noop := func(ctx context.Context) (int64, map[string]any, error) { return 0, nil, nil }

	if err := s.ScheduleInterval("bad", noop, 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if err := s.ScheduleDaily("bad", noop, 24, 0); err == nil {
		t.Fatalf("expected error for hour 24")
	}
	if err := s.ScheduleDaily("bad", noop, 0, 60); err == nil {
		t.Fatalf("expected error for minute 60")
	}
	if err := s.ScheduleDaily("good", noop, 3, 30); err != nil {
		t.Fatalf("valid daily schedule rejected: %v", err)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := NewScheduler([]Task{countTask("noop", 0)}, 5)

	if err := s.Start(time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Status().Running {
		t.Fatalf("not running after Start")
	}
	// Second Start is a no-op, not an error.
	if err := s.Start(time.Hour); err != nil {
		t.Fatalf("repeat Start: %v", err)
	}

	s.Stop()
	if s.Status().Running {
		t.Fatalf("still running after Stop")
	}
	// Stop on a stopped scheduler must not block or panic.
	s.Stop()
}

func TestRunCycle_ManyTasksAllRecorded(t *testing.T) {
	var tasks []Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, countTask(fmt.Sprintf("task_%d", i), int64(i)))
	}
	s := NewScheduler(tasks, 50)

	results := s.RunCycle(context.Background())
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	if len(s.History()) != 6 {
		t.Fatalf("history missing records: %d", len(s.History()))
	}
}
