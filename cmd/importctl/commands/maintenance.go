package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/admin"
	"github.com/JonMunkholm/bulkimport/internal/database"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "audit IMPORT_ID",
		Short: "Show the batch audit trail of an import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(false)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := database.NewAuditLog(pool).List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no audit entries for %s\n", args[0])
				return nil
			}
			renderAudit(cmd.OutOrStdout(), entries)
			return nil
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(g *Globals) *cobra.Command {
	var yes bool

	cobraCmd := &cobra.Command{
		Use:   "purge IMPORT_ID",
		Short: "Delete the rows last written by one import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(cmd.ErrOrStderr(), yes, "purge "+args[0]); err != nil {
				return err
			}
			cfg, err := g.setup(false)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			m := &admin.Maintenance{DB: pool}
			n, err := m.PurgeImport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("deleted %d rows of %s", n, args[0]))
			return nil
		},
	}
	cobraCmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cobraCmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(g *Globals) *cobra.Command {
	var yes, auditOnly bool

	cobraCmd := &cobra.Command{
		Use:   "reset",
		Short: "Truncate the record and audit tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := confirm(cmd.ErrOrStderr(), yes, "truncate the import tables"); err != nil {
				return err
			}
			cfg, err := g.setup(false)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			m := &admin.Maintenance{DB: pool}
			reset, what := m.ResetAll, "records and audit"
			if auditOnly {
				reset, what = m.ResetAudit, "audit"
			}
			if err := reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("%s tables truncated", what))
			return nil
		},
	}
	cobraCmd.Flags().BoolVar(&yes, "yes", false, "confirm the truncation")
	cobraCmd.Flags().BoolVar(&auditOnly, "audit-only", false, "truncate only the audit table")
	return cobraCmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.setup(false)
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("schema is up to date"))
			return nil
		},
	}
}
