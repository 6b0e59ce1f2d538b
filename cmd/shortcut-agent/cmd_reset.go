package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newResetCmd creates the "shortcut-agent reset" subcommand.
func newResetCmd(open opener) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every turn and card batch",
		Long:  "Delete every turn and card batch from the shared store and clear the\nupdate marker. A running server keeps its in-memory log until it reconciles.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset: refusing to delete without --yes")
			}
			d, closeFn, err := open()
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			defer closeFn()

			if err := d.repo.DeleteAllTurnsAndBatches(context.Background()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			if err := d.marker.Clear(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "conversation reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
