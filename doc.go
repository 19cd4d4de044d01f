// Package legion provides multi-agent task orchestration over containerized workers.
//
// Legion drives a goal through a sequential reasoning loop: an LLM
// decider picks one meta-tool per step, the orchestrator executes it,
// and the observation feeds the next decision. Work is delegated to
// worker instances running in containers, correlated over a message
// bus, and bounded by step and time budgets.
//
// It provides:
//
//   - Worker profiles (static YAML or dynamically derived from roles)
//   - A correlation-id dispatch protocol with exactly-once reply resolution
//   - Worker lifecycle management with capacity caps and idle eviction
//   - Rate-limited, policy-bounded collaboration groups
//   - SQLite archival of concluded tasks
//
// # Quick Start
//
//	ctrl, err := legion.NewControl(
//	    legion.WithBus(bus.NewMemory()),
//	    legion.WithRuntime(rt),
//	    legion.WithDecider(llm.NewAnthropic()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Shutdown(context.Background())
//
//	task, err := ctrl.RunTask(ctx, "Summarize the quarterly numbers")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(task.Result)
//
// Workers run the loop in package worker inside their containers,
// executing tools against dispatched payloads and replying on the
// shared result queue.
package legion
