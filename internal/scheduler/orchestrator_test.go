package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"muse/internal/config"
	"muse/internal/schedule"
	"muse/internal/store"
)

// failingTemplate always errors, for failure accounting tests.
type failingTemplate struct{}

func (failingTemplate) Name() string { return "always_fails" }

func (failingTemplate) Invoke(context.Context, map[string]string) (string, error) {
	return "", errors.New("simulated template failure")
}

// slowTemplate blocks until cancelled.
type slowTemplate struct{}

func (slowTemplate) Name() string { return "slow" }

func (slowTemplate) Invoke(ctx context.Context, _ map[string]string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(30 * time.Second):
		return "done", nil
	}
}

// captureSink records memory injections.
type captureSink struct {
	mu        sync.Mutex
	exchanges [][2]string
}

func (c *captureSink) RecordExchange(_ context.Context, userText, agentText string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, [2]string{userText, agentText})
	return "ep-test", nil
}

func (c *captureSink) all() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][2]string, len(c.exchanges))
	copy(out, c.exchanges)
	return out
}

func newTestOrchestrator(t *testing.T, sink MemorySink) (*Orchestrator, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := DefaultRegistry()
	reg.Register(failingTemplate{})
	reg.Register(slowTemplate{})

	cfg := config.DefaultSchedulerConfig()
	return New(cfg, db, reg, time.UTC, sink), db
}

func TestCreateTaskComputesNextRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	task, err := o.CreateTask("morning briefing", "daily at 9am", "note",
		map[string]string{"text": "good morning"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ScheduleExpression != "0 9 * * *" {
		t.Errorf("canonical = %q, want 0 9 * * *", task.ScheduleExpression)
	}
	if !task.Enabled {
		t.Error("new task should be enabled")
	}
	if task.NextRun == nil || !task.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next_run = %v", task.NextRun)
	}
}

func TestCreateTaskRejectsGibberish(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	if _, err := o.CreateTask("bad", "gibberish", "note", nil); !errors.Is(err, schedule.ErrUnrecognized) {
		t.Errorf("err = %v, want ErrUnrecognized", err)
	}
}

func TestFailureAccounting(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	task, err := o.CreateTask("flaky", "every 1 seconds", "always_fails", nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	far := time.Now().Add(24 * time.Hour)
	var lastNext time.Time
	for i := 0; i < 3; i++ {
		if err := o.Tick(ctx, far); err != nil {
			t.Fatalf("tick %d failed: %v", i, err)
		}
		got, err := db.GetTask(task.ID)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got.NextRun == nil {
			t.Fatalf("next_run nil after tick %d", i)
		}
		if i > 0 && !got.NextRun.After(lastNext) {
			t.Errorf("next_run did not advance: %v then %v", lastNext, got.NextRun)
		}
		lastNext = *got.NextRun
	}

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.FailureCount != 3 || got.SuccessCount != 0 || got.RunCount != 3 {
		t.Errorf("counters = run %d success %d failure %d, want 3/0/3",
			got.RunCount, got.SuccessCount, got.FailureCount)
	}
	if !got.Enabled {
		t.Error("failures must not disable the task")
	}
	if got.RunCount != got.SuccessCount+got.FailureCount {
		t.Error("run_count out of balance with outcome counters")
	}

	execs, err := db.TaskExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("TaskExecutions failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("got %d executions, want 3", len(execs))
	}
	for _, e := range execs {
		if e.Success {
			t.Error("execution marked success for a failing template")
		}
		if e.CompletedAt == nil {
			t.Error("execution left open")
		}
	}
}

func TestUnknownTemplateFailsWithoutDisabling(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	task, err := o.CreateTask("ghost", "every 1 seconds", "does_not_exist", nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := o.Tick(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	execs, err := db.TaskExecutions(task.ID, 1)
	if err != nil || len(execs) != 1 {
		t.Fatalf("expected 1 execution (err=%v)", err)
	}
	if execs[0].Success || !strings.Contains(execs[0].ErrorMessage, "unknown template") {
		t.Errorf("execution = %+v", execs[0])
	}
	got, _ := db.GetTask(task.ID)
	if !got.Enabled {
		t.Error("unknown template must not disable the task")
	}
}

func TestTemplateTimeout(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := NewRegistry()
	reg.Register(slowTemplate{})
	cfg := config.DefaultSchedulerConfig()
	cfg.TemplateTimeoutSeconds = 1
	o := New(cfg, db, reg, time.UTC, nil)

	task, err := o.CreateTask("slowpoke", "every 1 seconds", "slow", nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	exec, err := o.ForceRun(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ForceRun failed: %v", err)
	}
	if exec.Success || exec.ErrorMessage != "timeout" {
		t.Errorf("execution = %+v, want timeout failure", exec)
	}
}

func TestForceRunWritesAllRecords(t *testing.T) {
	sink := &captureSink{}
	o, db := newTestOrchestrator(t, sink)

	task, err := o.CreateTask("briefing", "daily at 9am", "note",
		map[string]string{"text": "water the plants"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	exec, err := o.ForceRun(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ForceRun failed: %v", err)
	}
	if !exec.Success || exec.Output != "water the plants" {
		t.Errorf("execution = %+v", exec)
	}

	got, _ := db.GetTask(task.ID)
	if got.RunCount != 1 || got.SuccessCount != 1 {
		t.Errorf("counters = run %d success %d, want 1/1", got.RunCount, got.SuccessCount)
	}

	injected := sink.all()
	if len(injected) != 1 {
		t.Fatalf("got %d memory injections, want 1", len(injected))
	}
	if !strings.HasPrefix(injected[0][0], "[AUTONOMOUS TASK: briefing]") {
		t.Errorf("injected user text = %q", injected[0][0])
	}
	if injected[0][1] != "water the plants" {
		t.Errorf("injected agent text = %q", injected[0][1])
	}
}

func TestTickWithNoTasksIsNoOp(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if err := o.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	task, err := o.CreateTask("paused", "daily at 9am", "note", map[string]string{"text": "x"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := db.SetTaskEnabled(task.ID, false); err != nil {
		t.Fatalf("SetTaskEnabled failed: %v", err)
	}
	if err := o.Tick(ctx, time.Now().Add(48*time.Hour)); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	execs, err := db.TaskExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("TaskExecutions failed: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("disabled task executed %d time(s)", len(execs))
	}
}

func TestStartRecoversInterruptedExecutions(t *testing.T) {
	defer goleak.VerifyNone(t)

	o, db := newTestOrchestrator(t, nil)
	task, err := o.CreateTask("crashy", "daily at 9am", "note", map[string]string{"text": "x"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// an open execution row is what a kill -9 mid-template leaves behind
	if _, err := db.BeginExecution(task.ID, time.Now().UTC()); err != nil {
		t.Fatalf("BeginExecution failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	o.Stop()
	cancel()

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", got.FailureCount)
	}

	execs, err := db.TaskExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("TaskExecutions failed: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	if execs[0].Success || execs[0].ErrorMessage != "interrupted" || execs[0].CompletedAt == nil {
		t.Errorf("recovered execution = %+v", execs[0])
	}
}

func TestOneShotDisablesAfterFiring(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)
	ctx := context.Background()

	at := time.Now().Add(time.Second).Format(time.RFC3339)
	task, err := o.CreateTask("once", "@at:"+at, "note", map[string]string{"text": "ping"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.NextRun == nil {
		t.Fatal("one-shot task has no next_run")
	}

	time.Sleep(1200 * time.Millisecond)
	if err := o.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", got.SuccessCount)
	}
	if got.Enabled {
		t.Error("one-shot task still enabled after firing")
	}
	if got.NextRun != nil {
		t.Errorf("next_run = %v, want nil", got.NextRun)
	}
}

func TestDeleteCascades(t *testing.T) {
	o, db := newTestOrchestrator(t, nil)

	task, err := o.CreateTask("doomed", "daily at 9am", "note", map[string]string{"text": "x"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := o.ForceRun(context.Background(), task.ID); err != nil {
		t.Fatalf("ForceRun failed: %v", err)
	}
	if err := o.Delete(task.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := db.GetTask(task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	execs, err := db.TaskExecutions(task.ID, 10)
	if err != nil {
		t.Fatalf("TaskExecutions failed: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("executions survived deletion: %d", len(execs))
	}
}
