// Command simcoord-admin is the operator CLI for the simulation lifecycle
// subsystem: submitting and cancelling simulations, inspecting records, and
// running migrations outside the service process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/phip-platform/simcoord/config"
	"github.com/phip-platform/simcoord/internal/bootstrap"
	"github.com/phip-platform/simcoord/internal/domain/model"
	"github.com/phip-platform/simcoord/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger(false)

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"submit": {
			name:        "submit",
			description: "Submit a new simulation and enqueue it for workers",
			run:         runSubmit,
		},
		"get": {
			name:        "get",
			description: "Print one simulation record as JSON",
			run:         runGet,
		},
		"cancel": {
			name:        "cancel",
			description: "Cancel a pending or running simulation",
			run:         runCancel,
		},
		"list": {
			name:        "list",
			description: "List simulations in a given lifecycle state",
			run:         runList,
		},
		"stats": {
			name:        "stats",
			description: "Show simulation counts per lifecycle state",
			run:         runStats,
		},
		"requeue-pending": {
			name:        "requeue-pending",
			description: "Push pending simulation ids back onto the worker queue",
			run:         runRequeuePending,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: simcoord-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-18s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

func runMigrate(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := connectInfra(ctx, infraOptions{WantDB: true})
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, db, nil)

	migrateCtx, cancel := context.WithTimeout(ctx.Ctx, defaultMigrationTimeout)
	defer cancel()

	return bootstrap.RunMigrations(migrateCtx, db, ctx.Logger)
}

func runSubmit(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	modelType := fs.String("model", string(model.ModelTypeSEIR), "model type (seir, agent_based, network, ml_forecast)")
	params := fs.String("params", "{}", "simulation parameters as a JSON object")
	skipQueue := fs.Bool("no-enqueue", false, "create the record without pushing its id onto the queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !json.Valid([]byte(*params)) {
		return fmt.Errorf("params is not valid JSON: %s", *params)
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true, WantRedis: !*skipQueue})
	if err != nil {
		return err
	}
	defer env.Close()

	rec, err := env.Coordinator.Submit(ctx.Ctx, model.CreateSimulationRequest{
		ModelType:  model.ModelType(*modelType),
		Parameters: json.RawMessage(*params),
	})
	if err != nil {
		return fmt.Errorf("submit simulation: %w", err)
	}

	if !*skipQueue && env.Queue != nil {
		if err := env.Queue.Enqueue(ctx.Ctx, rec.ID); err != nil {
			return fmt.Errorf("simulation %s created but enqueue failed: %w", rec.ID, err)
		}
	}

	return printRecordJSON(rec)
}

func runGet(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	id := fs.String("id", "", "simulation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	rec, err := env.Coordinator.Get(ctx.Ctx, *id)
	if err != nil {
		return err
	}
	return printRecordJSON(rec)
}

func runCancel(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	id := fs.String("id", "", "simulation id")
	reason := fs.String("reason", "", "cancellation reason recorded on the simulation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	rec, err := env.Coordinator.Cancel(ctx.Ctx, service.CancelParams{ID: *id, Reason: *reason})
	if err != nil {
		return err
	}
	return printRecordJSON(rec)
}

func runList(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", string(model.StatusPending), "lifecycle state to list")
	limit := fs.Int("limit", 50, "maximum rows to return")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	recs, err := env.Store.ListByStatus(ctx.Ctx, model.SimulationStatus(*status), *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "ID\tMODEL\tSTATUS\tVERSION\tWORKER\tCREATED\n"); err != nil {
		return err
	}
	for _, rec := range recs {
		worker := ""
		if rec.WorkerRef != nil {
			worker = *rec.WorkerRef
		}
		if err := writef(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.ModelType, rec.Status, rec.Version, worker,
			rec.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runStats(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.Coordinator.Stats(ctx.Ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"running", stats.Running},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%d\n", row.label, row.count); err != nil {
			return err
		}
	}
	return w.Flush()
}

// runRequeuePending re-enqueues pending ids whose original queue entries
// were lost, e.g. after a Redis flush. Safe to run repeatedly; claims are
// idempotent against duplicates.
func runRequeuePending(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("requeue-pending", flag.ContinueOnError)
	limit := fs.Int("limit", 500, "maximum pending simulations to requeue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := newAdminEnv(ctx, infraOptions{WantDB: true, WantRedis: true})
	if err != nil {
		return err
	}
	defer env.Close()

	if env.Queue == nil {
		return fmt.Errorf("redis is disabled; nothing to requeue onto")
	}

	recs, err := env.Coordinator.PendingCandidates(ctx.Ctx, *limit)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := env.Queue.Enqueue(ctx.Ctx, rec.ID); err != nil {
			return fmt.Errorf("enqueue %s: %w", rec.ID, err)
		}
	}

	return writef(os.Stdout, "requeued %d pending simulations\n", len(recs))
}

func printRecordJSON(rec *model.SimulationRecord) error {
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return writef(os.Stdout, "%s\n", out)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
