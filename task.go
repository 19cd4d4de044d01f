package legion

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/legionhq/legion/llm"
)

// TaskStatus is the terminal-or-not status of an orchestrated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Step is one completed reasoning cycle: what the decider thought, the
// action it chose, and what came back.
type Step struct {
	Seq         int         `json:"seq"`
	Thought     string      `json:"thought"`
	Action      *llm.Action `json:"action,omitempty"`
	Observation string      `json:"observation"`
	At          time.Time   `json:"at"`
}

// Task is a goal being driven through the reasoning loop. Steps are
// append-only; the run loop is the sole writer while the task is live.
type Task struct {
	ID          string     `json:"id"`
	Goal        string     `json:"goal"`
	Status      TaskStatus `json:"status"`
	Steps       []Step     `json:"steps"`
	StepBudget  int        `json:"stepBudget"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt time.Time  `json:"completedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	FailReason  string     `json:"failReason,omitempty"`
}

// NewTask creates a pending task for the goal.
func NewTask(goal string, stepBudget int) *Task {
	return &Task{
		ID:         uuid.New().String()[:8],
		Goal:       goal,
		Status:     TaskPending,
		StepBudget: stepBudget,
		CreatedAt:  time.Now(),
	}
}

// Record appends a completed step.
func (t *Task) Record(thought string, action *llm.Action, observation string) {
	t.Steps = append(t.Steps, Step{
		Seq:         len(t.Steps) + 1,
		Thought:     thought,
		Action:      action,
		Observation: observation,
		At:          time.Now(),
	})
}

// Terminal reports whether the task has concluded.
func (t *Task) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// contextCharBudget is the point past which older steps get squashed
// into one-line synopses so the decision prompt stays bounded.
const contextCharBudget = 8000

// recentStepsVerbatim is how many trailing steps always appear in full.
const recentStepsVerbatim = 5

// BuildContext renders the step history for the next decision. Recent
// steps appear verbatim; once the rendering exceeds the character
// budget, older steps collapse to synopses while order is preserved.
func (t *Task) BuildContext() string {
	if len(t.Steps) == 0 {
		return "No steps taken yet."
	}

	full := renderSteps(t.Steps, 0)
	if len(full) <= contextCharBudget || len(t.Steps) <= recentStepsVerbatim {
		return full
	}

	cut := len(t.Steps) - recentStepsVerbatim
	var b strings.Builder
	b.WriteString("Earlier steps (condensed):\n")
	for _, s := range t.Steps[:cut] {
		fmt.Fprintf(&b, "%d. %s -> %s\n", s.Seq, synopsis(s), truncate(s.Observation, 120))
	}
	b.WriteString("\nRecent steps:\n")
	b.WriteString(renderSteps(t.Steps[cut:], 0))
	return b.String()
}

func renderSteps(steps []Step, indent int) string {
	pad := strings.Repeat(" ", indent)
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%sStep %d\n", pad, s.Seq)
		fmt.Fprintf(&b, "%sThought: %s\n", pad, s.Thought)
		if s.Action != nil {
			fmt.Fprintf(&b, "%sAction: %s %s\n", pad, s.Action.Tool, compactParams(s.Action.Params))
		}
		fmt.Fprintf(&b, "%sObservation: %s\n\n", pad, s.Observation)
	}
	return b.String()
}

func synopsis(s Step) string {
	if s.Action != nil {
		return s.Action.Tool
	}
	return truncate(s.Thought, 60)
}

func compactParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, fmt.Sprintf("%s=%v", k, truncate(fmt.Sprintf("%v", v), 200)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
