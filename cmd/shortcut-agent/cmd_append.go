package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashureev/turnkeeper/internal/cards"
	"github.com/ashureev/turnkeeper/internal/domain"
)

type appendOpts struct {
	role      string
	text      string
	cardsPath string
	at        string
}

// newAppendCmd creates the "shortcut-agent append" subcommand.
func newAppendCmd(open opener) *cobra.Command {
	opts := &appendOpts{}
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a completed turn and publish an update",
		Long:  "Persist a completed turn, optionally with cards read from a JSON file\n(\"-\" reads stdin), then publish the update marker.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, closeFn, err := open()
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}
			defer closeFn()
			return runAppend(cmd, d, opts)
		},
	}
	cmd.Flags().StringVar(&opts.role, "role", string(domain.RoleAgent), "turn role (user or agent)")
	cmd.Flags().StringVar(&opts.text, "text", "", "turn text")
	cmd.Flags().StringVar(&opts.cardsPath, "cards", "", "JSON file with cards to attach")
	cmd.Flags().StringVar(&opts.at, "at", "", "turn timestamp in RFC 3339 (default now)")
	return cmd
}

func runAppend(cmd *cobra.Command, d *deps, opts *appendOpts) error {
	ctx := context.Background()

	role := domain.Role(opts.role)
	if !role.Valid() {
		return fmt.Errorf("append: invalid role %q", opts.role)
	}

	var attached domain.Cards
	if opts.cardsPath != "" {
		c, err := readCards(cmd.InOrStdin(), opts.cardsPath)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		attached = c
	}
	if opts.text == "" && attached.Len() == 0 {
		return fmt.Errorf("append: --text or --cards is required")
	}

	at := time.Now().Round(0)
	if opts.at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, opts.at)
		if err != nil {
			return fmt.Errorf("append: invalid --at: %w", err)
		}
		at = parsed
	}
	turn := domain.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      opts.text,
		Phase:     domain.PhaseCompleted,
		Timestamp: at,
	}
	if err := d.repo.UpsertTurn(ctx, &turn); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	if kinds := presentKinds(attached); len(kinds) > 0 {
		repo := cards.NewRepository(d.repo, nil)
		if err := repo.SaveAll(ctx, turn.Ref(), attached, kinds); err != nil {
			return fmt.Errorf("append: turn %s saved but cards failed: %w", turn.ID, err)
		}
	}

	if err := d.marker.Write(domain.ExternalUpdate{TurnID: turn.ID, WrittenAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("append: turn %s saved but not published: %w", turn.ID, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), turn.ID)
	return nil
}

func readCards(stdin io.Reader, path string) (domain.Cards, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return domain.Cards{}, fmt.Errorf("open cards: %w", err)
		}
		defer f.Close()
		r = f
	}

	var c domain.Cards
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return domain.Cards{}, fmt.Errorf("decode cards: %w", err)
	}
	assignLocalIDs(&c)
	return c, nil
}

// assignLocalIDs gives every card without a local identity a fresh one.
func assignLocalIDs(c *domain.Cards) {
	for i := range c.Schedules {
		ensureLocalID(&c.Schedules[i].CardIdentity)
	}
	for i := range c.Contacts {
		ensureLocalID(&c.Contacts[i].CardIdentity)
	}
	for i := range c.Invoices {
		ensureLocalID(&c.Invoices[i].CardIdentity)
	}
	for i := range c.Meetings {
		ensureLocalID(&c.Meetings[i].CardIdentity)
	}
}

func ensureLocalID(id *domain.CardIdentity) {
	if id.LocalID == "" {
		id.LocalID = uuid.NewString()
	}
}

func presentKinds(c domain.Cards) []domain.CardKind {
	var kinds []domain.CardKind
	for _, k := range domain.AllKinds {
		if c.Count(k) > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
