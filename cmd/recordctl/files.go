package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-patientsync/internal/reconcile"
	"github.com/drfirst/go-patientsync/internal/record"
)

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <existing.json> <incoming.json>",
		Short: "List the changes incoming would make to existing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			existing, incoming, err := readPair(args[0], args[1])
			if err != nil {
				return err
			}
			result, err := reconcile.Diff(existing, incoming)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <existing.json> <incoming.json>",
		Short: "Merge incoming into existing and print the merged record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			existing, incoming, err := readPair(args[0], args[1])
			if err != nil {
				return err
			}
			result, err := reconcile.Merge(existing, incoming)
			if err != nil {
				return err
			}

			var out any = result.MergedData
			if withChanges, _ := cmd.Flags().GetBool("changes"); withChanges {
				out = result
			}

			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			defer f.Close()
			if err := writeJSON(f, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d changes, merged record written to %s\n", len(result.Changes), output)
			return nil
		},
	}
	cmd.Flags().Bool("changes", false, "Print the full result including the change list")
	cmd.Flags().StringP("output", "o", "", "Write the output to a file instead of stdout")
	return cmd
}

func readPair(existingPath, incomingPath string) (record.Patient, record.Patient, error) {
	existing, err := readPatient(existingPath)
	if err != nil {
		return record.Patient{}, record.Patient{}, err
	}
	incoming, err := readPatient(incomingPath)
	if err != nil {
		return record.Patient{}, record.Patient{}, err
	}
	return existing, incoming, nil
}

func readPatient(path string) (record.Patient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record.Patient{}, fmt.Errorf("read %s: %w", path, err)
	}
	p, err := record.ParsePatient(data)
	if err != nil {
		return record.Patient{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
