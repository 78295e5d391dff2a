package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"feed-job-importer/internal/app"
	"feed-job-importer/internal/config"
	"feed-job-importer/internal/logging"
)

var (
	cfg config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "importer",
	Short: "Operate the feed job importer from the command line",
	Long: `Operate the feed job importer from the command line.

Examples:
  importer run                                  # import every configured source once
  importer trigger https://example.com/feed.xml # import a single feed
  importer queue --dead 20                      # queue counts and recent dead letters`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg = config.Load()
		var err error
		log, err = logging.New(cfg.Env, cfg.LogLevel)
		if err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch and dispatch every configured feed source once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			imp, err := app.NewImporter(ctx, cfg, deps, log)
			if err != nil {
				return err
			}
			summary, err := imp.RunAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <url>",
	Short: "Fetch one feed URL and dispatch its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			imp, err := app.NewImporter(ctx, cfg, deps, log)
			if err != nil {
				return err
			}
			res, err := imp.ImportURL(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var deadLetters int64

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue counts and the oldest dead-lettered units",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
			counts, err := deps.Queue.Counts(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"counts": counts}
			if deadLetters > 0 {
				dead, err := deps.Queue.DeadLetters(ctx, deadLetters)
				if err != nil {
					return err
				}
				out["deadLetters"] = dead
			}
			return printJSON(out)
		})
	},
}

func init() {
	queueCmd.Flags().Int64Var(&deadLetters, "dead", 10, "number of dead letters to show (0 to skip)")
	rootCmd.AddCommand(runCmd, triggerCmd, queueCmd)
}

func withDeps(ctx context.Context, fn func(context.Context, *app.Deps) error) error {
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if log != nil {
		_ = log.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}
