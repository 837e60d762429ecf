// riskctl runs the risk engine's batch operations and offline tooling
// against the configured database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/lock"
	"github.com/ksred/klear-lending/internal/risk"
)

type rootOptions struct {
	configPath string
	format     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "riskctl",
		Short: "Loan-against-securities risk engine tooling",
		Long: `riskctl previews amortization schedules, runs risk sweeps, quotes
foreclosures and issues API tokens for internal callers.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
				Level(level).With().Timestamp().Logger()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to the engine configuration file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "table", "Output format: table or json")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")

	cmd.AddCommand(
		newScheduleCmd(opts),
		newSweepCmd(opts),
		newQuoteCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// openEngine builds an engine over the configured database, using Redis
// loan locks when an address is configured so batch runs do not race the
// server
func openEngine(ctx context.Context, opts *rootOptions) (*risk.Engine, func(), error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	engine := risk.NewEngine(db, cfg)
	closer := func() {}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		engine.SetLocker(lock.NewRedisLocker(client, "klear:loan:", cfg.Redis.LockTTL))
		closer = func() { client.Close() }
	}

	return engine, closer, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
