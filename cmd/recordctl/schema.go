package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-patientsync/internal/config"
	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
)

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Database schema",
	}

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the DDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), postgres.Schema())
			return nil
		},
	}

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Create missing tables in DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.DatabaseURL, 2, 0)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}

	cmd.AddCommand(printCmd, applyCmd)
	return cmd
}
