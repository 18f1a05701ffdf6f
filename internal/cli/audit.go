package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"pipeline_backend/internal/audit"
	auditrepo "pipeline_backend/internal/audit/repository"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/db"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type auditReader interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

type tailOptions struct {
	filter   audit.Filter
	follow   bool
	interval time.Duration
	asJSON   bool
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the automation audit log",
	}
	cmd.AddCommand(newAuditTailCmd())
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var (
		leadID, ruleID, branchID string
		since                    time.Duration
		opts                     tailOptions
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print recent rule firings, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.filter.LeadID, err = optionalUUID("lead", leadID); err != nil {
				return err
			}
			if opts.filter.RuleID, err = optionalUUID("rule", ruleID); err != nil {
				return err
			}
			if opts.filter.BranchID, err = optionalUUID("branch", branchID); err != nil {
				return err
			}
			if since > 0 {
				from := time.Now().Add(-since)
				opts.filter.From = &from
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			return tail(cmd.Context(), auditrepo.New(pool), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&leadID, "lead", "", "Only entries for this lead id")
	cmd.Flags().StringVar(&ruleID, "rule", "", "Only entries for this rule id")
	cmd.Flags().StringVar(&branchID, "branch", "", "Only entries for this branch id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this, e.g. 1h")
	cmd.Flags().IntVarP(&opts.filter.Limit, "limit", "n", 20, "Number of entries to print before following")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep polling for new entries")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "Polling interval with --follow")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print entries as JSON lines")
	return cmd
}

func optionalUUID(name, raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &id, nil
}

// tail prints the newest entries oldest first, then polls for entries created
// at or after the last one seen until ctx is done.
func tail(ctx context.Context, store auditReader, w io.Writer, opts tailOptions) error {
	entries, err := store.Query(ctx, opts.filter)
	if err != nil {
		return err
	}
	slices.Reverse(entries)

	var cursor time.Time
	seen := make(map[uuid.UUID]struct{})
	emit := func(batch []audit.Entry) error {
		for _, e := range batch {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			if e.CreatedAt.After(cursor) {
				cursor = e.CreatedAt
				clear(seen)
			}
			seen[e.ID] = struct{}{}
			if err := printEntry(w, e, opts.asJSON); err != nil {
				return err
			}
		}
		return nil
	}
	if err := emit(entries); err != nil {
		return err
	}
	if !opts.follow {
		return nil
	}

	interval := opts.interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		filter := opts.filter
		filter.Limit = 0
		if !cursor.IsZero() {
			from := cursor
			filter.From = &from
		}
		batch, err := store.Query(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slices.Reverse(batch)
		if err := emit(batch); err != nil {
			return err
		}
	}
}

func printEntry(w io.Writer, e audit.Entry, asJSON bool) error {
	if asJSON {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(line))
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %-7s  %-16s lead=%s rule=%q %s\n",
		e.CreatedAt.UTC().Format(time.RFC3339), e.Outcome, e.Trigger, e.LeadID, e.RuleName, e.ActionSummary)
	return err
}
