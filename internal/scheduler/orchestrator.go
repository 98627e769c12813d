// Package scheduler implements the autonomous task orchestrator: a
// persistent cron-like loop that loads scheduled tasks from the store,
// fires due ones against registered templates, accounts successes and
// failures, and recovers executions interrupted by a crash.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"muse/internal/config"
	"muse/internal/logging"
	"muse/internal/schedule"
	"muse/internal/store"
	"muse/internal/types"
)

// ErrUnknownTemplate marks a task whose template is not registered. The
// task stays enabled; each attempt produces a failed execution.
var ErrUnknownTemplate = errors.New("unknown template")

// MemorySink receives a memory record for every task execution so task
// results become part of normal conversational context. The hierarchical
// memory manager satisfies this.
type MemorySink interface {
	RecordExchange(ctx context.Context, userText, agentText string) (string, error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns all ScheduledTask state. Executions for one task
// are serialized; distinct tasks may run concurrently up to the
// configured worker bound.
type Orchestrator struct {
	cfg config.SchedulerConfig
	db  *store.Store
	reg *Registry
	loc *time.Location
	mem MemorySink // nil means no memory injection

	stopCh   chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New builds an orchestrator. mem may be nil.
func New(cfg config.SchedulerConfig, db *store.Store, reg *Registry, loc *time.Location, mem MemorySink) *Orchestrator {
	if loc == nil {
		loc = time.Local
	}
	return &Orchestrator{
		cfg:    cfg,
		db:     db,
		reg:    reg,
		loc:    loc,
		mem:    mem,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start recovers interrupted executions, refreshes stale next-run
// times, and launches the tick loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	now := time.Now().UTC()
	if n, err := o.db.RecoverInterrupted(now); err != nil {
		logging.Scheduler("Interrupted-execution recovery failed: %v", err)
	} else if n > 0 {
		logging.Scheduler("Recovered %d interrupted execution(s)", n)
	}
	if err := o.refreshNextRuns(now); err != nil {
		logging.Scheduler("Next-run refresh failed: %v", err)
	}

	go o.run(ctx)
	logging.Scheduler("Orchestrator started, tick %v", o.cfg.GetTick())
	return nil
}

// refreshNextRuns recomputes next_run for enabled tasks whose stored
// value is missing or already in the past.
func (o *Orchestrator) refreshNextRuns(now time.Time) error {
	tasks, err := o.db.ListTasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if task.NextRun != nil && task.NextRun.After(now) {
			continue
		}
		trig, err := schedule.Parse(task.ScheduleExpression, o.loc)
		if err != nil {
			logging.Scheduler("Task %s has an unschedulable expression %q", task.ID, task.ScheduleExpression)
			continue
		}
		if next, ok := trig.Next(now); ok {
			if err := o.db.SetNextRun(task.ID, &next); err != nil {
				logging.Scheduler("Next-run update for %s failed: %v", task.ID, err)
			}
		} else if err := o.db.SetTaskEnabled(task.ID, false); err == nil {
			logging.Scheduler("One-shot task %s already fired, disabled", task.ID)
		}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	interval := o.cfg.GetTick()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-timer.C:
			next := interval
			if err := o.Tick(ctx, time.Now()); err != nil {
				logging.Scheduler("Tick failed, backing off to %v: %v", o.cfg.GetBackoff(), err)
				next = o.cfg.GetBackoff()
			}
			timer.Reset(next)
		}
	}
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-o.done:
	case <-time.After(10 * time.Second):
		logging.Scheduler("Stop drain deadline reached")
	}
}

// =============================================================================
// TICK AND EXECUTION
// =============================================================================

// Tick executes every enabled task whose next_run has arrived. Template
// failures are accounted in execution records and never abort the tick;
// only a store failure surfaces as an error.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	tasks, err := o.db.ListTasks()
	if err != nil {
		return err
	}

	var due []types.ScheduledTask
	for _, task := range tasks {
		if task.Enabled && task.NextRun != nil && !task.NextRun.After(now) {
			due = append(due, task)
		}
	}
	if len(due) == 0 {
		return nil
	}
	logging.Scheduler("Tick: %d task(s) due", len(due))

	workers := o.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, task := range due {
		task := task
		g.Go(func() error {
			o.execute(ctx, task)
			return nil
		})
	}
	return g.Wait()
}

// execute runs one task end to end: begin the execution record, invoke
// the template under the per-task timeout, then persist the outcome and
// the recomputed next_run atomically.
func (o *Orchestrator) execute(ctx context.Context, task types.ScheduledTask) {
	startedAt := time.Now().UTC()
	execID, err := o.db.BeginExecution(task.ID, startedAt)
	if err != nil {
		logging.Scheduler("Begin execution for %s failed: %v", task.ID, err)
		return
	}

	output, errMsg := o.invoke(ctx, task)
	success := errMsg == ""
	completedAt := time.Now().UTC()

	next, oneShotDone := o.nextAfter(task, completedAt)
	if err := o.db.FinishExecution(execID, task.ID, completedAt, success, errMsg, output, next); err != nil {
		logging.Scheduler("Finish execution for %s failed: %v", task.ID, err)
	}
	if oneShotDone {
		if err := o.db.SetTaskEnabled(task.ID, false); err != nil {
			logging.Scheduler("One-shot disable for %s failed: %v", task.ID, err)
		}
	}

	if success {
		logging.Scheduler("Task %s (%s) succeeded in %v", task.DisplayName, task.ID, completedAt.Sub(startedAt))
	} else {
		logging.Scheduler("Task %s (%s) failed: %s", task.DisplayName, task.ID, errMsg)
	}

	o.injectMemory(ctx, task, output, errMsg)
}

// invoke runs the task's template under the configured timeout. Returns
// the output and an empty error message on success.
func (o *Orchestrator) invoke(ctx context.Context, task types.ScheduledTask) (output, errMsg string) {
	tmpl, ok := o.reg.Lookup(task.TemplateName)
	if !ok {
		return "", fmt.Sprintf("%v: %s", ErrUnknownTemplate, task.TemplateName)
	}

	tctx, cancel := context.WithTimeout(ctx, o.cfg.GetTemplateTimeout())
	defer cancel()

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := tmpl.Invoke(tctx, task.TemplateConfig)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.out, r.err.Error()
		}
		return r.out, ""
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return "", "timeout"
		}
		return "", tctx.Err().Error()
	}
}

// nextAfter recomputes next_run from the completion instant. A nil next
// with oneShotDone=true means the trigger never fires again.
func (o *Orchestrator) nextAfter(task types.ScheduledTask, completedAt time.Time) (*time.Time, bool) {
	trig, err := schedule.Parse(task.ScheduleExpression, o.loc)
	if err != nil {
		return nil, false
	}
	next, ok := trig.Next(completedAt)
	if !ok {
		return nil, trig.Kind == schedule.KindOnce
	}
	return &next, false
}

// injectMemory records the execution outcome as a normal conversational
// exchange so downstream context assembly picks it up.
func (o *Orchestrator) injectMemory(ctx context.Context, task types.ScheduledTask, output, errMsg string) {
	if o.mem == nil {
		return
	}
	userText := fmt.Sprintf("[AUTONOMOUS TASK: %s] %s", task.DisplayName, task.ScheduleExpression)
	agentText := output
	if errMsg != "" {
		agentText = "Task failed: " + errMsg
	}
	if _, err := o.mem.RecordExchange(ctx, userText, agentText); err != nil {
		logging.Scheduler("Memory injection for %s failed: %v", task.ID, err)
	}
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// CreateTask parses the schedule expression, computes the first fire
// time, and persists the task enabled.
func (o *Orchestrator) CreateTask(displayName, scheduleExpr, templateName string, templateConfig map[string]string) (*types.ScheduledTask, error) {
	trig, err := schedule.Parse(scheduleExpr, o.loc)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := types.ScheduledTask{
		ID:                 uuid.NewString(),
		DisplayName:        displayName,
		ScheduleExpression: trig.Canonical(),
		TemplateName:       templateName,
		TemplateConfig:     templateConfig,
		Enabled:            true,
		CreatedAt:          now,
	}
	if next, ok := trig.Next(now); ok {
		task.NextRun = &next
	}
	if err := o.db.CreateTask(task); err != nil {
		return nil, err
	}
	logging.Scheduler("Task created: %s (%s) schedule=%q template=%s",
		task.DisplayName, task.ID, task.ScheduleExpression, task.TemplateName)
	return &task, nil
}

// List returns all tasks, next_run annotated, oldest first.
func (o *Orchestrator) List() ([]types.ScheduledTask, error) {
	return o.db.ListTasks()
}

// Delete removes a task and all its executions.
func (o *Orchestrator) Delete(taskID string) error {
	return o.db.DeleteTask(taskID)
}

// ForceRun executes a task synchronously, ignoring next_run. All the
// usual records are written.
func (o *Orchestrator) ForceRun(ctx context.Context, taskID string) (*types.TaskExecution, error) {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	o.execute(ctx, *task)

	execs, err := o.db.TaskExecutions(taskID, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("no execution recorded for task %s", taskID)
	}
	return &execs[0], nil
}
