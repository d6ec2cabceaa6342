package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Morditux/syncsession"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Inspect and edit stored sessions",
	Long: `sessionctl reads and writes session payloads through the same guarded
scopes an application uses, so it is safe to run against a live backend.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML options file")
	rootCmd.PersistentFlags().String("backend", "", "Backend override (sqlite, postgres, memcached, redis)")
	rootCmd.PersistentFlags().String("dsn", "", "DSN override for sqlite and postgres")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log warnings to stderr")
}

// loadOptions merges the options file with command line overrides.
func loadOptions(cmd *cobra.Command) (*syncsession.Options, error) {
	var (
		opts *syncsession.Options
		err  error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts, err = syncsession.LoadOptionsFile(path)
	} else {
		opts, err = syncsession.DecodeOptions(map[string]any{})
	}
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		opts.Backend = backend
	}
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		opts.DSN = dsn
	}
	return opts, nil
}

// openManager builds a manager from the command's flags. The cleanup worker
// is disabled; use the cleanup command instead. The memory backend is
// refused since nothing written to it outlives the command.
func openManager(cmd *cobra.Command) (*syncsession.Manager, error) {
	opts, err := loadOptions(cmd)
	if err != nil {
		return nil, err
	}
	if opts.Backend == "memory" {
		return nil, errors.New("sessionctl needs a persistent backend (--config or --backend)")
	}
	backend, err := opts.OpenBackend()
	if err != nil {
		return nil, err
	}

	cfg := opts.ManagerConfig(backend)
	cfg.CleanupInterval = -1
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return syncsession.NewManager(cfg), nil
}
