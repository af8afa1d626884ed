package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/machina/internal/engine"
	"github.com/rendis/machina/internal/scheduler"
	"github.com/rendis/machina/internal/store"
	"github.com/rendis/machina/pkg/mcp"
	"github.com/rendis/machina/pkg/schema"
)

func main() {
	cmd := &cli.Command{
		Name:                  "machina",
		Usage:                 "Declarative workflow state-machine engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			listCommand(),
			validateCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow to completion",
		ArgsUsage: "<workflow> [positional params...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Optional parameter as key=value (repeatable)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			args := command.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("usage: machina run <workflow> [positional params...]")
			}
			workflow := args[0]

			a, err := buildApp(ctx, loadConfig(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			// "list" is reserved for discovery, never a workflow name.
			if workflow == "list" {
				return printWorkflows(a)
			}

			def, err := a.registry.Definition(ctx, workflow)
			if err != nil {
				return err
			}
			optional, err := parseParams(command.StringSlice("param"))
			if err != nil {
				return err
			}
			params, err := engine.ResolveParameters(def, args[1:], optional)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			outcome, runErr := a.coordinator.RunSync(ctx, workflow, params)
			if outcome != nil {
				printJSON(outcome)
			}
			if runErr != nil {
				return runErr
			}
			if outcome != nil && outcome.Status != schema.RunStatusCompleted {
				return fmt.Errorf("run finished with status %s", outcome.Status)
			}
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List registered workflows or recorded runs",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "runs",
				Usage: "List recorded runs instead of workflows",
			},
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "Filter runs by workflow name",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to list",
				Value: 50,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := buildApp(ctx, loadConfig(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			if !command.Bool("runs") {
				return printWorkflows(a)
			}
			if a.store == nil {
				return fmt.Errorf("no database configured: run history is unavailable")
			}
			runs, err := a.store.ListRuns(ctx, store.RunFilter{
				Workflow: command.String("workflow"),
				Limit:    command.Int("limit"),
			})
			if err != nil {
				return err
			}
			printJSON(map[string]any{"runs": runs})
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a workflow definition file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, command *cli.Command) error {
			args := command.Args().Slice()
			if len(args) != 1 {
				return fmt.Errorf("usage: machina validate <file>")
			}
			a, err := buildApp(ctx, loadConfig(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: valid workflow %q (%d states)\n", args[0], def.Name, def.StateCount())
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP stdio interface",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := loadConfig()
			a, err := buildApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.SchedulerEnabled && a.store != nil {
				sched := scheduler.NewScheduler(a.store, a.coordinator, a.logger)
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()
			}

			srv := mcp.NewMachinaServer(mcp.MachinaServerDeps{
				Coordinator: a.coordinator,
				Registry:    a.registry,
				Loader:      a.loader,
				Store:       a.store,
				Hub:         a.hub,
				Logger:      a.logger,
			})
			return srv.Serve(ctx)
		},
	}
}

func printWorkflows(a *app) error {
	type summary struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		States      int    `json:"states"`
		Parameters  int    `json:"parameters"`
	}
	defs := a.registry.List()
	out := make([]summary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summary{
			Name:        def.Name,
			Description: def.Description,
			States:      def.StateCount(),
			Parameters:  len(def.Parameters),
		})
	}
	printJSON(map[string]any{"workflows": out})
	return nil
}

// parseParams splits repeated key=value flags into a map.
func parseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(string(data))
}
