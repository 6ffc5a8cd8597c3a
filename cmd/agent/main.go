// Command agent drives the execution engine, orchestrator and feedback loop
// described in spec section 6's command surface: work, work-parallel,
// iterate, watch, webhook, status and cleanup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	err := run(context.Background(), os.Args[1:])
	os.Exit(exitCode(err))
}

// exitCode maps a run error to the process exit code spec section 6
// prescribes: 0 success, 1 failure, 130 user-cancellation.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("agent", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	configPath := root.String("config", "", "path to config.yaml (default ~/.agent/config.yaml)")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	if remaining[0] == "help" || remaining[0] == "-h" || remaining[0] == "--help" {
		printRootUsage()
		return nil
	}

	app, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	switch remaining[0] {
	case "work":
		return app.cmdWork(ctx, remaining[1:])
	case "work-parallel":
		return app.cmdWorkParallel(ctx, remaining[1:])
	case "iterate":
		return app.cmdIterate(ctx, remaining[1:])
	case "watch":
		return app.cmdWatch(ctx, remaining[1:])
	case "webhook":
		return app.cmdWebhook(ctx, remaining[1:])
	case "status":
		return app.cmdStatus(ctx, remaining[1:])
	case "cleanup":
		return app.cmdCleanup(ctx, remaining[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`agent: issue-to-pull-request agent orchestrator

Usage:
  agent [--config path] <command> [flags]

Commands:
  work <issue-url> [--dry-run] [--max-budget usd] [--title t] [--body b]
        Drive one issue through the full engine pipeline.
  work-parallel <issue-url> [<issue-url> ...]
        Drive many issues concurrently under the admission orchestrator.
  iterate <proposal-url> [--feedback text]
        Re-drive an existing proposal with review feedback.
  watch [<proposal-url> ...] [--interval 60s] [--once] [--auto-iterate]
        Poll proposals for feedback, merges and closures.
  webhook [--port 8080] [--secret s] [--repos a/b,c/d] [--auto-iterate] [--delete-branch-on-merge]
        Serve the feedback-loop HTTP receiver.
  status
        Print active sessions, budget spend and worktree usage.
  cleanup
        Run every registered cleanup task immediately.`)
}
