// Package main provides the Legion CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	legion "github.com/legionhq/legion"
	"github.com/legionhq/legion/archive"
	"github.com/legionhq/legion/bus"
	"github.com/legionhq/legion/llm"
	"github.com/legionhq/legion/runtime"
	"github.com/legionhq/legion/worker"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCmd(args)
	case "worker":
		workerCmd(args)
	case "profiles":
		profilesCmd(args)
	case "history":
		historyCmd(args)
	case "version":
		fmt.Printf("legion %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Legion - Multi-Agent Task Orchestration

Usage:
  legion <command> [options]

Commands:
  run       Run a goal through the orchestrator
  worker    Run the worker loop (inside a worker container)
  profiles  List available worker profiles
  history   Show archived tasks
  version   Print version information
  help      Show this help message

Examples:
  legion run --goal "Calculate the compound interest on 1000 at 5% over 3 years"
  legion profiles --dir ./profiles
  legion history --db legion.db

Run 'legion <command> --help' for more information on a command.`)
}

func newBus(redisAddr string) (bus.Bus, error) {
	if redisAddr == "" {
		redisAddr = os.Getenv("LEGION_REDIS_ADDR")
	}
	if redisAddr == "" {
		return bus.NewMemory(), nil
	}
	return bus.NewRedis(context.Background(), bus.RedisConfig{
		Addr:     redisAddr,
		Password: os.Getenv("LEGION_REDIS_PASSWORD"),
	})
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	goal := fs.String("goal", "", "Goal to pursue")
	profileDir := fs.String("profiles", legion.DefaultProfileDir(), "Directory of profile YAML files")
	redisAddr := fs.String("redis", "", "Redis address (default in-memory bus)")
	dbPath := fs.String("db", legion.DefaultDBPath(), "SQLite archive path ('' disables archival)")
	budget := fs.Int("budget", legion.DefaultStepBudget, "Maximum reasoning steps")
	timeout := fs.Duration("timeout", 30*time.Minute, "Maximum run time")
	maxWorkers := fs.Int("max-workers", 5, "Maximum live ephemeral workers")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if *goal == "" {
		fmt.Fprintln(os.Stderr, "Error: --goal is required")
		os.Exit(1)
	}
	setupLogging(*verbose)

	if err := legion.EnsureHome(); err != nil {
		fatal("init home directory: %v", err)
	}

	b, err := newBus(*redisAddr)
	if err != nil {
		fatal("connect bus: %v", err)
	}

	rt, err := runtime.NewDocker()
	if err != nil {
		fatal("connect docker: %v", err)
	}

	opts := []legion.ControlOption{
		legion.WithBus(b),
		legion.WithRuntime(rt),
		legion.WithDecider(llm.NewAnthropic()),
		legion.WithMaxWorkers(*maxWorkers),
		legion.WithStepBudget(*budget),
	}
	if *profileDir != "" {
		opts = append(opts, legion.WithProfileDir(*profileDir))
	}
	if *dbPath != "" {
		store, err := archive.NewSQLite(*dbPath)
		if err != nil {
			fatal("open archive: %v", err)
		}
		opts = append(opts, legion.WithArchive(store))
	}

	ctrl, err := legion.NewControl(opts...)
	if err != nil {
		fatal("start orchestrator: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	task, err := ctrl.RunTask(ctx, *goal, legion.WithTimeLimit(*timeout))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	ctrl.Shutdown(shutdownCtx)

	if err != nil {
		fatal("run: %v", err)
	}

	fmt.Printf("Task %s: %s (%d steps)\n", task.ID, task.Status, len(task.Steps))
	switch task.Status {
	case legion.TaskSucceeded:
		fmt.Printf("\n%s\n", task.Result)
	case legion.TaskFailed:
		fmt.Printf("\nFailed: %s\n", task.FailReason)
		os.Exit(1)
	}
}

func workerCmd(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	instanceID := fs.String("instance", os.Getenv("LEGION_INSTANCE_ID"), "Worker instance id")
	redisAddr := fs.String("redis", "", "Redis address")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if *instanceID == "" {
		fmt.Fprintln(os.Stderr, "Error: --instance or LEGION_INSTANCE_ID is required")
		os.Exit(1)
	}
	setupLogging(*verbose)

	b, err := newBus(*redisAddr)
	if err != nil {
		fatal("connect bus: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := worker.New(*instanceID, b)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		fatal("worker: %v", err)
	}
}

func profilesCmd(args []string) {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	dir := fs.String("dir", legion.DefaultProfileDir(), "Directory of profile YAML files")
	fs.Parse(args)

	reg := legion.NewProfileRegistry()
	if err := reg.LoadDir(*dir); err != nil {
		fatal("load profiles: %v", err)
	}

	fmt.Println(reg.Describe())
	fmt.Printf("Dynamic role templates: %s\n", strings.Join(legion.RoleNames(), ", "))
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", legion.DefaultDBPath(), "SQLite archive path")
	limit := fs.Int("limit", 20, "Number of tasks to show")
	taskID := fs.String("task", "", "Show full detail for one task")
	fs.Parse(args)

	store, err := archive.NewSQLite(*dbPath)
	if err != nil {
		fatal("open archive: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if *taskID != "" {
		rec, err := store.Task(ctx, *taskID)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Task %s [%s]\nGoal: %s\n", rec.ID, rec.Status, rec.Goal)
		if rec.Result != "" {
			fmt.Printf("Result: %s\n", rec.Result)
		}
		if rec.FailReason != "" {
			fmt.Printf("Failure: %s\n", rec.FailReason)
		}
		for _, st := range rec.Steps {
			fmt.Printf("\n%d. %s\n", st.Seq, st.Thought)
			if st.Action != "" {
				fmt.Printf("   action: %s\n", st.Action)
			}
			fmt.Printf("   observation: %s\n", st.Observation)
		}
		return
	}

	recs, err := store.Tasks(ctx, *limit)
	if err != nil {
		fatal("%v", err)
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-9s  %s\n", rec.ID, rec.Status, rec.Goal)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
