// Package archive persists concluded tasks for later inspection.
package archive

import (
	"context"
	"time"
)

// TaskRecord is the archival form of a concluded task.
type TaskRecord struct {
	ID          string
	Goal        string
	Status      string
	Result      string
	FailReason  string
	Steps       []StepRecord
	CreatedAt   time.Time
	CompletedAt time.Time
}

// StepRecord is one archived reasoning step. Action is the chosen
// tool invocation serialized as JSON, empty when the step had none.
type StepRecord struct {
	Seq         int
	Thought     string
	Action      string
	Observation string
	At          time.Time
}

// Store persists concluded tasks. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveTask writes a terminal task and its steps. Saving the same
	// task id again replaces the earlier record.
	SaveTask(ctx context.Context, rec TaskRecord) error

	// Task loads one archived task with its steps.
	Task(ctx context.Context, id string) (*TaskRecord, error)

	// Tasks lists archived tasks, newest first, without steps.
	Tasks(ctx context.Context, limit int) ([]TaskRecord, error)

	Close() error
}
