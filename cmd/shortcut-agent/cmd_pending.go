package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/turnkeeper/internal/notify"
)

// newPendingCmd creates the "shortcut-agent pending" subcommand.
func newPendingCmd(marker func() *notify.Marker) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show the last published update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, ok, err := marker().Read()
			if err != nil {
				return fmt.Errorf("pending: %w", err)
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no update published")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(u)
		},
	}
}
