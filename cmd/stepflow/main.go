package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/stepflow/pkg/config"
	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/stepflow/pkg/server"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/memory"
	"github.com/ravi-parthasarathy/stepflow/pkg/store/sqlite"
	"github.com/ravi-parthasarathy/stepflow/pkg/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "stepflow: sequential JSON pipeline runner",
		Long: `stepflow stores pipeline definitions and executes them step by step.

Each step is a typed handler (text_processing, data_transform, api_call,
condition, loop, custom) whose output becomes the next step's input.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is normal.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default "+config.DefaultFile+" if present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(serveCmd(&g))
	root.AddCommand(runCmd(&g))
	root.AddCommand(lintCmd())
	root.AddCommand(graphCmd())
	return root
}

// loadConfig reads the config and installs the logger. Flags override the
// config's log settings.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := initLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger installs the default slog logger writing to stderr.
func initLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// ─── serve ────────────────────────────────────────────────────────────────────

func serveCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			logger := slog.Default()
			ctx := signalContext(cmd.Context())

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
				if err != nil {
					return fmt.Errorf("init tracer: %w", err)
				}
				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.Warn("tracer shutdown failed", "error", err)
					}
				}()
			}

			store, err := openStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			if cfg.Executor.SeedSamples {
				if err := pipeline.SeedSamples(ctx, store); err != nil {
					return fmt.Errorf("seed samples: %w", err)
				}
			}

			exec, err := newExecutor(cfg.Executor, store, logger)
			if err != nil {
				return err
			}
			srv := server.New(server.Options{
				Port:           cfg.Server.Port,
				RequestTimeout: cfg.Server.RequestTimeout,
				Logger:         logger,
			}, store, exec)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func openStore(cfg config.StorageConfig) (pipeline.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

func newExecutor(cfg config.ExecutorConfig, store pipeline.Store, logger *slog.Logger) (*pipeline.Executor, error) {
	opts := handlers.Options{}
	latency := pipeline.NoLatency
	if cfg.SimulateLatency {
		opts.APICallLatency = cfg.APICallLatency
		latency = pipeline.SimulatedLatency
	}
	return pipeline.NewExecutor(store, handlers.NewBuiltinRegistry(opts),
		pipeline.WithLatency(latency),
		pipeline.WithLogger(logger),
	)
}

// ─── run ──────────────────────────────────────────────────────────────────────

func runCmd(g *globalFlags) *cobra.Command {
	var (
		input      string
		outputPath string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml|json|dot>",
		Short: "Execute a pipeline file once and print the execution record",
		Long: `Run loads a pipeline file into an in-memory store and executes it.
Local files run regardless of their declared status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			p.Status = pipeline.StatusReady
			if err := pipeline.ValidateDefinition(p); err != nil {
				return err
			}
			in, err := loadInput(input)
			if err != nil {
				return err
			}

			store := memory.New()
			created, err := store.CreatePipeline(cmd.Context(), *p)
			if err != nil {
				return err
			}
			exec, err := newExecutor(cfg.Executor, store, slog.Default())
			if err != nil {
				return err
			}
			res, err := exec.Execute(signalContext(cmd.Context()), created.ID, in)
			if err != nil {
				return err
			}

			if err := writeOutput(outputPath, res); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status != pipeline.StatusCompleted {
				return fmt.Errorf("execution %s: %s", res.Status, res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "execution input as JSON, or @path to read it from a file (default {})")
	cmd.Flags().StringVar(&outputPath, "output", "", "also write the execution record to this file")
	return cmd
}

// loadInput parses a JSON input literal or, with a leading @, a JSON file.
func loadInput(s string) (any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = b
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	return v, nil
}

// writeOutput writes v as indented JSON to path. An empty path is a no-op.
func writeOutput(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <pipeline.yaml|json|dot>",
		Short: "Validate a pipeline file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := pipeline.ValidateDefinition(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: pipeline %q is valid (%d steps)\n", p.Name, len(p.Steps))
			return nil
		},
	}
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[stepflow] interrupted, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
