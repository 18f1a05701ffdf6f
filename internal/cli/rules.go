package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pipeline_backend/internal/automation"
	automationrepo "pipeline_backend/internal/automation/repository"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/db"
	"pipeline_backend/platform/validator"

	"github.com/spf13/cobra"
)

// errInvalidRules is returned after every problem has been printed.
var errInvalidRules = errors.New("rule file contains invalid rules")

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and import automation rule files",
	}
	cmd.AddCommand(newRulesValidateCmd())
	cmd.AddCommand(newRulesImportCmd())
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check rule files against the configured pipeline stages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			invalid := 0
			for _, path := range args {
				n, err := validateFile(cmd.OutOrStdout(), schema, path)
				if err != nil {
					return err
				}
				invalid += n
			}
			if invalid > 0 {
				return errInvalidRules
			}
			return nil
		},
	}
}

func newRulesImportCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Validate a rule file and upsert its rules into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			if n, err := validateFile(cmd.OutOrStdout(), schema, args[0]); err != nil {
				return err
			} else if n > 0 {
				return errInvalidRules
			}
			if dryRun {
				return nil
			}

			rules, err := automation.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, store automation.RuleStore) error {
				report, err := automation.ImportRules(ctx, store, schema, rules)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d created, %d updated\n", args[0], report.Created, report.Updated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate only; do not touch the database")
	return cmd
}

func loadSchema() (*automation.Schema, error) {
	cfg, err := config.LoadPartial()
	if err != nil {
		return nil, err
	}
	stages, err := domain.NewStageSet(cfg.GetPipelineStages()...)
	if err != nil {
		return nil, err
	}
	return automation.NewSchema(stages, validator.New()), nil
}

// validateFile prints one line per rule and returns how many were invalid.
func validateFile(w io.Writer, schema *automation.Schema, path string) (int, error) {
	rules, err := automation.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}

	invalid := 0
	for i, rule := range rules {
		err := schema.Validate(rule)
		if err == nil {
			_, _ = fmt.Fprintf(w, "ok      %s #%d %s\n", path, i, rule.Name)
			continue
		}
		invalid++
		_, _ = fmt.Fprintf(w, "invalid %s #%d %s\n", path, i, rule.Name)
		for _, p := range problemsOf(err) {
			if p.Field == "" {
				_, _ = fmt.Fprintf(w, "        %s\n", p.Problem)
			} else {
				_, _ = fmt.Fprintf(w, "        %s: %s\n", p.Field, p.Problem)
			}
		}
	}
	if len(rules) == 0 {
		_, _ = fmt.Fprintf(w, "empty   %s\n", path)
	}
	return invalid, nil
}

func problemsOf(err error) []validator.FieldProblem {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if problems, ok := appErr.Details.([]validator.FieldProblem); ok {
			return problems
		}
	}
	return validator.Problems(err)
}

func withPool(ctx context.Context, fn func(context.Context, automation.RuleStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, automationrepo.New(pool))
}
