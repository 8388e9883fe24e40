package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/upb/llm-router/app"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/routes"
	"github.com/upb/llm-router/services/quota"
	"github.com/upb/llm-router/services/router"
)

const configFlag = "config"

var taskFlag = &cli.StringFlag{
	Name:    "task",
	Aliases: []string{"t"},
	Usage:   "Task type used to pick a provider (code_generation, complex_reasoning, simple_task, general, ...)",
	Value:   "general",
}

// RootCommand builds the llm-router command tree
func RootCommand() *cli.Command {
	return &cli.Command{
		Name:            "llm-router",
		Usage:           "Route prompts across free-tier LLM providers",
		HideHelpCommand: true,
		DefaultCommand:  "serve",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configFlag,
				Usage: "Provider table file (.toml or .yaml), overrides ROUTER_CONFIG_FILE",
			},
		},
		Commands: []*cli.Command{
			ServeCommand(),
			CompleteCommand(),
			BatchCommand(),
			UsageCommand(),
		},
	}
}

// bootstrap loads configuration, resolves credentials and wires dependencies
func bootstrap(ctx context.Context, cmd *cli.Command, opts ...app.Option) (*app.Dependencies, error) {
	if path := cmd.String(configFlag); path != "" {
		if err := os.Setenv("ROUTER_CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}

	cfg, err := config.New(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveCredentials(nil); err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}

	return app.NewDependencies(ctx, cfg, logger, opts...)
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ServeCommand runs the HTTP API until SIGINT or SIGTERM
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			logger := deps.Logger
			sc := deps.Config.Server

			srv := &http.Server{
				Addr:         sc.Address(),
				Handler:      routes.SetupRoutes(deps),
				ReadTimeout:  sc.ReadTimeout,
				WriteTimeout: sc.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case serveErr = <-errCh:
				logger.Error("http server failed", zap.Error(serveErr))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", zap.Error(err))
			}
			if err := deps.Close(shutdownCtx); err != nil {
				logger.Error("dependency shutdown failed", zap.Error(err))
			}
			return serveErr
		},
	}
}

// CompleteCommand answers a single prompt
func CompleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "Answer one prompt through the router",
		ArgsUsage: "PROMPT...",
		Flags: []cli.Flag{
			taskFlag,
			&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if prompt == "" {
				return fmt.Errorf("a prompt is required")
			}

			deps, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			res, err := deps.Router.CompleteRequest(ctx, &router.CompletionRequest{
				Prompt:   prompt,
				TaskType: cmd.String(taskFlag.Name),
			})
			if err != nil {
				return err
			}

			w := output(cmd)
			if cmd.Bool("json") {
				return printJSON(w, res)
			}
			_, err = fmt.Fprintln(w, res.Text)
			return err
		},
	}
}

// BatchCommand answers several prompts of one task type, combined where the
// batch size allows
func BatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Answer several prompts, one per argument",
		ArgsUsage: "PROMPT [PROMPT...]",
		Flags:     []cli.Flag{taskFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("at least one prompt is required")
			}

			deps, err := bootstrap(ctx, cmd)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			tasks := make([]router.Task, len(args))
			for i, a := range args {
				tasks[i] = router.Task{Description: a, Type: cmd.String(taskFlag.Name)}
			}
			results, err := deps.Router.CompleteBatch(ctx, tasks)
			if err != nil {
				return err
			}

			w := output(cmd)
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(w, "[%d] error: %v\n", res.Index+1, res.Err)
					continue
				}
				fmt.Fprintf(w, "[%d] (%s) %s\n", res.Index+1, res.Provider, res.Text)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(results))
			}
			return nil
		},
	}
}

type usageOutput struct {
	Report    *router.UsageReport        `json:"report"`
	Forecasts map[string]*quota.Forecast `json:"forecasts"`
}

// UsageCommand prints the usage report and a monthly forecast per provider
func UsageCommand() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Print usage, quota state and a monthly forecast as JSON",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "days",
				Usage: "Days of history the forecast averages",
				Value: 7,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			deps, err := bootstrap(ctx, cmd, app.WithoutWorkers())
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			report, err := deps.Router.UsageReport(ctx)
			if err != nil {
				return err
			}
			out := usageOutput{
				Report:    report,
				Forecasts: make(map[string]*quota.Forecast),
			}
			for _, name := range deps.Router.Providers() {
				f, err := deps.Router.Forecast(name, int(cmd.Int("days")))
				if err != nil {
					return err
				}
				out.Forecasts[name] = f
			}
			return printJSON(output(cmd), out)
		},
	}
}
