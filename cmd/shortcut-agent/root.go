package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/turnkeeper/internal/notify"
	"github.com/ashureev/turnkeeper/internal/store"
)

// deps are the shared resources a subcommand works on.
type deps struct {
	repo   store.Repository
	marker *notify.Marker
}

// globalFlags locate the store and the signal directory shared with the server.
type globalFlags struct {
	dbPath    string
	signalDir string
}

// newRootCmd creates the root shortcut-agent command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "shortcut-agent",
		Short:         "Append turns to the conversation log from outside the server",
		Long:          "shortcut-agent writes turns and cards to the shared store and publishes\nan update marker so a running server folds them in.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.dbPath, "db", envOr("DB_PATH", "./data/turns.db"), "path to the shared SQLite store")
	cmd.PersistentFlags().StringVar(&flags.signalDir, "signal-dir", envOr("SIGNAL_DIR", "./data/signals"), "directory holding the update marker")

	open := func() (*deps, func(), error) {
		repo, err := store.NewSQLite(flags.dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		closeFn := func() { _ = repo.Close() }
		return &deps{repo: repo, marker: notify.NewMarker(flags.signalDir)}, closeFn, nil
	}

	cmd.AddCommand(
		newAppendCmd(open),
		newPendingCmd(func() *notify.Marker { return notify.NewMarker(flags.signalDir) }),
		newResetCmd(open),
	)
	return cmd
}

type opener func() (*deps, func(), error)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
