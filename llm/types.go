package llm

import "context"

// Action is a tool invocation chosen by the decider.
type Action struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"parameters"`
}

// Decision is one reasoning step: the decider's thought and the action
// it picked.
type Decision struct {
	Thought string  `json:"thought"`
	Action  *Action `json:"action"`
}

// ToolDescriptor describes one invocable tool to the decider.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"parameters"`
}

// DecisionRequest carries everything the decider needs for one step.
type DecisionRequest struct {
	// Goal is the task objective, verbatim.
	Goal string

	// Context is the rendered step history.
	Context string

	// Tools is the closed set of actions available this step.
	Tools []ToolDescriptor

	// Profiles is a rendered summary of available worker profiles.
	Profiles string
}

// Decider produces the next reasoning step for a task. Implementations
// must be safe for concurrent use.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (*Decision, error)
}

// Usage is token accounting for one decision call.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}
