package legion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/legionhq/legion/llm"
)

// outcome signals whether a meta-tool concluded the task.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

// metaTool is one action the reasoning loop may take. The set is
// closed: tools are compiled in, never registered at runtime.
type metaTool struct {
	Name        string
	Description string
	Params      map[string]any
	run         func(ctx context.Context, c *Control, t *Task, args map[string]any) (string, outcome, error)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// metaTools is the closed registry, in the order shown to the decider.
var metaTools = []metaTool{
	{
		Name:        "discover_worker_profiles",
		Description: "List every worker profile available for dispatch, with capabilities and persistence.",
		Params:      objectSchema(map[string]any{}),
		run:         runDiscoverProfiles,
	},
	{
		Name: "dispatch_to_worker",
		Description: "Send one unit of work to a worker of the given profile and wait for its reply. " +
			"The input object is handed to the worker's named tool.",
		Params: objectSchema(map[string]any{
			"profile":         map[string]any{"type": "string", "description": "worker profile name"},
			"tool":            map[string]any{"type": "string", "description": "worker-side tool to execute"},
			"input":           map[string]any{"type": "object", "description": "arguments for the worker tool"},
			"timeout_seconds": map[string]any{"type": "number", "description": "reply deadline, default 120"},
		}, "profile", "tool"),
		run: runDispatch,
	},
	{
		Name: "create_worker_profile",
		Description: "Derive a new dispatchable worker profile from a role template with a " +
			"specialization focus. Roles: analyst, researcher, reviewer.",
		Params: objectSchema(map[string]any{
			"role":           map[string]any{"type": "string", "description": "role template name"},
			"specialization": map[string]any{"type": "string", "description": "what this worker focuses on"},
		}, "role", "specialization"),
		run: runCreateProfile,
	},
	{
		Name: "create_collaboration_group",
		Description: "Provision one worker per listed profile and bind them into a collaboration " +
			"group. Types: data_sharing, validation_chain, parallel_analysis, sequential_workflow.",
		Params: objectSchema(map[string]any{
			"member_profiles":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"collaboration_type": map[string]any{"type": "string"},
			"shared_data_keys":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, "member_profiles", "collaboration_type"),
		run: runCreateGroup,
	},
	{
		Name:        "list_collaboration_groups",
		Description: "List live collaboration groups with their members and expiry.",
		Params:      objectSchema(map[string]any{}),
		run:         runListGroups,
	},
	{
		Name:        "conclude_task_success",
		Description: "Conclude the task: the goal is achieved. Provide the final answer.",
		Params: objectSchema(map[string]any{
			"final_summary": map[string]any{"type": "string"},
		}, "final_summary"),
		run: runConcludeSuccess,
	},
	{
		Name:        "conclude_task_failure",
		Description: "Conclude the task: the goal cannot be achieved. Explain why.",
		Params: objectSchema(map[string]any{
			"reason": map[string]any{"type": "string"},
		}, "reason"),
		run: runConcludeFailure,
	},
}

func metaToolByName(name string) (*metaTool, bool) {
	for i := range metaTools {
		if metaTools[i].Name == name {
			return &metaTools[i], true
		}
	}
	return nil, false
}

func toolDescriptors() []llm.ToolDescriptor {
	out := make([]llm.ToolDescriptor, len(metaTools))
	for i, mt := range metaTools {
		out[i] = llm.ToolDescriptor{
			Name:        mt.Name,
			Description: mt.Description,
			Params:      mt.Params,
		}
	}
	return out
}

// Argument extraction helpers. Decider output is untyped JSON; every
// tool validates its own arguments and reports problems as
// observations rather than crashing the loop.

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func numberArg(args map[string]any, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}

func runDiscoverProfiles(_ context.Context, c *Control, _ *Task, _ map[string]any) (string, outcome, error) {
	return c.registry.Describe(), outcomeNone, nil
}

func runDispatch(ctx context.Context, c *Control, t *Task, args map[string]any) (string, outcome, error) {
	profileName, err := stringArg(args, "profile")
	if err != nil {
		return "", outcomeNone, err
	}
	toolName, err := stringArg(args, "tool")
	if err != nil {
		return "", outcomeNone, err
	}
	profile, err := c.registry.Get(profileName)
	if err != nil {
		return "", outcomeNone, err
	}

	payload := map[string]any{"tool": toolName}
	if input, ok := args["input"].(map[string]any); ok {
		for k, v := range input {
			if k != "tool" {
				payload[k] = v
			}
		}
	}

	timeout := time.Duration(numberArg(args, "timeout_seconds", 0)) * time.Second
	reply, err := c.dispatcher.Dispatch(ctx, t, profile, payload, timeout)
	if err != nil {
		return "", outcomeNone, err
	}
	if reply.Status == ReplyError {
		return fmt.Sprintf("worker reported an error: %s", reply.ErrorDetail), outcomeNone, nil
	}
	return fmt.Sprintf("worker result: %s", reply.Result), outcomeNone, nil
}

func runCreateProfile(_ context.Context, c *Control, _ *Task, args map[string]any) (string, outcome, error) {
	role, err := stringArg(args, "role")
	if err != nil {
		return "", outcomeNone, err
	}
	spec, err := stringArg(args, "specialization")
	if err != nil {
		return "", outcomeNone, err
	}
	p, err := NewDynamicProfile(role, spec, c.defaultResources)
	if err != nil {
		return "", outcomeNone, err
	}
	c.registry.Add(p)
	return fmt.Sprintf("profile %q created: %s", p.Name, p.Description), outcomeNone, nil
}

func runCreateGroup(ctx context.Context, c *Control, _ *Task, args map[string]any) (string, outcome, error) {
	profiles, err := stringSliceArg(args, "member_profiles")
	if err != nil {
		return "", outcomeNone, err
	}
	if len(profiles) < 2 {
		return "", outcomeNone, fmt.Errorf("a collaboration group needs at least two member profiles")
	}
	collabType, err := stringArg(args, "collaboration_type")
	if err != nil {
		return "", outcomeNone, err
	}
	keys, err := stringSliceArg(args, "shared_data_keys")
	if err != nil {
		return "", outcomeNone, err
	}
	policy, err := PolicyFor(collabType, keys)
	if err != nil {
		return "", outcomeNone, err
	}

	memberIDs := make([]string, 0, len(profiles))
	for _, name := range profiles {
		p, err := c.registry.Get(name)
		if err != nil {
			return "", outcomeNone, err
		}
		inst, err := c.lifecycle.Provision(ctx, p)
		if err != nil {
			return "", outcomeNone, fmt.Errorf("provision %s: %w", name, err)
		}
		memberIDs = append(memberIDs, inst.ID)
	}

	g := c.groups.Create(policy, memberIDs)
	return fmt.Sprintf("group %s created (%s) with members %s",
		g.ID, collabType, strings.Join(memberIDs, ", ")), outcomeNone, nil
}

func runListGroups(_ context.Context, c *Control, _ *Task, _ map[string]any) (string, outcome, error) {
	infos := c.groups.List()
	if len(infos) == 0 {
		return "no live collaboration groups", outcomeNone, nil
	}
	var b strings.Builder
	for _, gi := range infos {
		fmt.Fprintf(&b, "%s (%s): members [%s], expires %s\n",
			gi.ID, gi.Type, strings.Join(gi.Members, ", "), gi.ExpiresAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n"), outcomeNone, nil
}

func runConcludeSuccess(_ context.Context, _ *Control, t *Task, args map[string]any) (string, outcome, error) {
	summary, err := stringArg(args, "final_summary")
	if err != nil {
		return "", outcomeNone, err
	}
	t.Result = summary
	return "task concluded successfully", outcomeSuccess, nil
}

func runConcludeFailure(_ context.Context, _ *Control, t *Task, args map[string]any) (string, outcome, error) {
	reason, err := stringArg(args, "reason")
	if err != nil {
		return "", outcomeNone, err
	}
	t.FailReason = reason
	return "task concluded as failed", outcomeFailure, nil
}
