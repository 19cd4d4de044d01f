package legion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/legionhq/legion/llm"
)

// RunOption tunes a single task run.
type RunOption func(*runOptions)

type runOptions struct {
	stepBudget int
	timeBudget time.Duration
}

// WithBudget caps the number of reasoning steps for this run.
func WithBudget(steps int) RunOption {
	return func(o *runOptions) { o.stepBudget = steps }
}

// WithTimeLimit caps the wall-clock duration of this run.
func WithTimeLimit(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeBudget = d }
}

// RunTask drives a goal through the reasoning loop until a conclusion
// tool fires or a budget runs out. The loop is strictly sequential:
// one decision, one action, one observation per step. The returned
// task is always terminal; the error is non-nil only when the run was
// cut short by context cancellation or a time limit.
func (c *Control) RunTask(ctx context.Context, goal string, opts ...RunOption) (*Task, error) {
	o := runOptions{stepBudget: c.defaultBudget}
	for _, opt := range opts {
		opt(&o)
	}

	task := NewTask(goal, o.stepBudget)
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.cancels[task.ID] = func() {}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if o.timeBudget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.timeBudget)
	}
	defer cancel()
	c.mu.Lock()
	c.cancels[task.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, task.ID)
		c.mu.Unlock()
	}()

	task.Status = TaskRunning
	slog.Info("task started", "task", task.ID, "goal", goal, "budget", o.stepBudget)

	for len(task.Steps) < task.StepBudget {
		if runCtx.Err() != nil {
			err := abortErr(ctx, runCtx, o.timeBudget)
			c.conclude(task, TaskFailed, "", abortReason(err))
			return task, err
		}

		decision, err := c.decider.Decide(runCtx, llm.DecisionRequest{
			Goal:     task.Goal,
			Context:  task.BuildContext(),
			Tools:    toolDescriptors(),
			Profiles: c.registry.Describe(),
		})
		if err != nil {
			if runCtx.Err() != nil {
				aerr := abortErr(ctx, runCtx, o.timeBudget)
				c.conclude(task, TaskFailed, "", abortReason(aerr))
				return task, aerr
			}
			// A failed decision burns a step like any other; the loop
			// never spins for free.
			task.Record("", nil, fmt.Sprintf("decision failed: %v", err))
			continue
		}

		obs, out := c.execute(runCtx, task, decision.Action)
		task.Record(decision.Thought, decision.Action, obs)
		slog.Debug("step recorded",
			"task", task.ID,
			"step", len(task.Steps),
			"tool", decision.Action.Tool)

		switch out {
		case outcomeSuccess:
			c.conclude(task, TaskSucceeded, task.Result, "")
			return task, nil
		case outcomeFailure:
			c.conclude(task, TaskFailed, "", task.FailReason)
			return task, nil
		}
	}

	c.conclude(task, TaskFailed, "", fmt.Sprintf("%v: %d steps", ErrBudgetExceeded, task.StepBudget))
	return task, nil
}

// abortErr maps a run-context error to the reported failure. An
// elapsed time limit is a budget exhaustion, not a cancellation, and
// must carry ErrBudgetExceeded; anything else is the caller's own
// context error.
func abortErr(ctx, runCtx context.Context, timeBudget time.Duration) error {
	err := runCtx.Err()
	if timeBudget > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: time limit %s elapsed", ErrBudgetExceeded, timeBudget)
	}
	return err
}

func abortReason(err error) string {
	if errors.Is(err, ErrBudgetExceeded) {
		return err.Error()
	}
	return fmt.Sprintf("run aborted: %v", err)
}

// execute runs one meta-tool invocation. Every failure becomes an
// observation so the loop can react to it.
func (c *Control) execute(ctx context.Context, task *Task, action *llm.Action) (string, outcome) {
	mt, ok := metaToolByName(action.Tool)
	if !ok {
		return fmt.Sprintf("unknown tool %q; available tools: %s", action.Tool, toolNames()), outcomeNone
	}
	obs, out, err := mt.run(ctx, c, task, action.Params)
	if err != nil {
		return fmt.Sprintf("%s failed: %v", mt.Name, err), outcomeNone
	}
	return obs, out
}

func toolNames() string {
	names := ""
	for i, mt := range metaTools {
		if i > 0 {
			names += ", "
		}
		names += mt.Name
	}
	return names
}

func (c *Control) conclude(task *Task, status TaskStatus, result, failReason string) {
	task.Status = status
	task.Result = result
	task.FailReason = failReason
	task.CompletedAt = time.Now()
	slog.Info("task concluded",
		"task", task.ID,
		"status", status,
		"steps", len(task.Steps))
	c.archiveTask(task)
}

// CancelTask aborts a running task. The in-flight dispatch, if any,
// returns immediately; its worker is recovered by the late-reply and
// suspect paths rather than killed.
func (c *Control) CancelTask(id string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	cancel()
	return nil
}
