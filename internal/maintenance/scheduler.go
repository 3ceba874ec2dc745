// Package maintenance runs the background housekeeping for the credit ledger
// and the query cache: expiry sweeps, retention purges, size-bounded
// eviction, scheduled credit resets, and storage compaction.
//
// One Scheduler exists per process. Periodic triggering is delegated to a
// single cron runner (one goroutine for all entries); tasks can also be
// executed synchronously on demand via RunCycle, which is what the periodic
// default entry itself invokes. Every task run is fault-isolated — a panic
// or error is captured into the task's result and never disturbs the other
// tasks or the request-serving paths — and recorded in a bounded in-memory
// history ring for the status endpoints.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// taskRuns counts maintenance task executions by task name and outcome.
var taskRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "maintenance_task_runs_total",
		Help: "Maintenance task executions by outcome.",
	},
	[]string{"task", "outcome"}, // outcome: "ok" | "error"
)

func init() {
	prometheus.MustRegister(taskRuns)
}

// TaskFunc is one maintenance action. It reports how many items it touched
// and optional free-form details for the history record.
type TaskFunc func(ctx context.Context) (items int64, details map[string]any, err error)

// Task pairs an action with its stable name.
type Task struct {
	Name string
	Fn   TaskFunc
}

// TaskResult is the uniform outcome record of one task invocation.
type TaskResult struct {
	Task           string         `json:"task_name"`
	Success        bool           `json:"success"`
	ItemsProcessed int64          `json:"items_processed"`
	Duration       time.Duration  `json:"duration"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	RanAt          time.Time      `json:"ran_at"`
}

// Status is the scheduler summary exposed to operators.
type Status struct {
	Running   bool       `json:"running"`
	Tasks     []string   `json:"tasks"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
}

// Scheduler owns the maintenance cycle and its cron-driven execution.
// All methods are safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	cycle     []Task
	extra     []Task // interval/daily registrations outside the fixed cycle
	history   []TaskResult
	histSize  int
	running   bool
	lastCycle time.Time
}

// NewScheduler builds a Scheduler around the fixed cycle tasks.
// historySize bounds the retained result ring.
func NewScheduler(cycle []Task, historySize int) *Scheduler {
	if historySize < 1 {
		historySize = 1
	}
	return &Scheduler{
		cron:     cron.New(),
		cycle:    cycle,
		histSize: historySize,
	}
}

// ScheduleInterval registers a named task to run every everyHours hours,
// independent of the default cycle. Must be called before Start.
func (s *Scheduler) ScheduleInterval(name string, fn TaskFunc, everyHours int) error {
	if everyHours < 1 {
		return fmt.Errorf("schedule %q: interval must be >= 1h", name)
	}
	return s.addEntry(name, fn, fmt.Sprintf("@every %dh", everyHours))
}

// ScheduleDaily registers a named task to run once a day at hour:minute.
// Must be called before Start.
func (s *Scheduler) ScheduleDaily(name string, fn TaskFunc, hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule %q: invalid time %02d:%02d", name, hour, minute)
	}
	return s.addEntry(name, fn, fmt.Sprintf("%d %d * * *", minute, hour))
}

func (s *Scheduler) addEntry(name string, fn TaskFunc, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.cron.AddFunc(spec, func() {
		s.record(s.runTask(context.Background(), Task{Name: name, Fn: fn}))
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.extra = append(s.extra, Task{Name: name, Fn: fn})
	return nil
}

// Start launches the cron runner with the full cycle registered at
// defaultInterval. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(defaultInterval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	spec := fmt.Sprintf("@every %ds", int(defaultInterval.Seconds()))
	if _, err := s.cron.AddFunc(spec, func() { s.RunCycle(context.Background()) }); err != nil {
		return fmt.Errorf("schedule maintenance cycle: %w", err)
	}
	s.cron.Start()
	s.running = true
	log.Info().Dur("interval", defaultInterval).Msg("maintenance scheduler started")
	return nil
}

// Stop cancels the cron runner and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance scheduler stopped")
}

// RunCycle executes the full fixed set of maintenance actions once,
// synchronously, and returns one result per action. Used by the periodic
// entry and by the on-demand admin endpoint alike.
func (s *Scheduler) RunCycle(ctx context.Context) []TaskResult {
	results := make([]TaskResult, 0, len(s.cycle))
	for _, t := range s.cycle {
		res := s.runTask(ctx, t)
		s.record(res)
		results = append(results, res)
	}
	s.mu.Lock()
	s.lastCycle = time.Now().UTC()
	s.mu.Unlock()
	return results
}

// runTask invokes one task with panic isolation and builds its result.
func (s *Scheduler) runTask(ctx context.Context, t Task) (res TaskResult) {
	start := time.Now()
	res = TaskResult{Task: t.Name, RanAt: start.UTC()}

	defer func() {
		if rec := recover(); rec != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", rec)
		}
		res.Duration = time.Since(start)
		outcome := "ok"
		if !res.Success {
			outcome = "error"
			log.Error().Str("task", t.Name).Str("error", res.Error).Msg("maintenance task failed")
		} else {
			log.Debug().Str("task", t.Name).Int64("items", res.ItemsProcessed).
				Dur("duration", res.Duration).Msg("maintenance task done")
		}
		taskRuns.WithLabelValues(t.Name, outcome).Inc()
	}()

	items, details, err := t.Fn(ctx)
	res.ItemsProcessed = items
	res.Details = details
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

// record appends a result to the bounded history ring (oldest dropped).
func (s *Scheduler) record(res TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, res)
	if len(s.history) > s.histSize {
		s.history = s.history[len(s.history)-s.histSize:]
	}
}

// History returns the retained task results, most recent first.
func (s *Scheduler) History() []TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskResult, len(s.history))
	for i, r := range s.history {
		out[len(s.history)-1-i] = r
	}
	return out
}

// Status reports whether the runner is live and which tasks it owns.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.cycle)+len(s.extra))
	for _, t := range s.cycle {
		names = append(names, t.Name)
	}
	for _, t := range s.extra {
		names = append(names, t.Name)
	}
	st := Status{Running: s.running, Tasks: names}
	if !s.lastCycle.IsZero() {
		lc := s.lastCycle
		st.LastCycle = &lc
	}
	return st
}
