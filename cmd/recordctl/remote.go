package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-patientsync/internal/config"
	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/remote"
)

func remoteDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote-diff <local.json>",
		Short: "Fetch the remote copy of a patient and list what it would change locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := readPatient(args[0])
			if err != nil {
				return err
			}
			if local.ID() == "" {
				return fmt.Errorf("%s has no patientID", args[0])
			}

			cfg, err := config.LoadPartial()
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = cfg.RemoteAPIURL
			}
			if url == "" {
				return fmt.Errorf("remote URL not set (use --url or REMOTE_API_URL)")
			}

			remoteCfg := remote.DefaultConfig(url)
			remoteCfg.Token = cfg.RemoteAPIToken
			remoteCfg.Timeout = cfg.RemoteTimeout
			client := remote.NewClient(remoteCfg, nil, nil)

			theirs, err := client.FetchPatient(cmd.Context(), local.ID())
			if err != nil {
				return err
			}
			result, err := reconcile.Diff(local, theirs)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().String("url", "", "Remote API base URL (defaults to REMOTE_API_URL)")
	return cmd
}
