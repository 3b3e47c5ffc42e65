package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-patientsync/internal/config"
	"github.com/drfirst/go-patientsync/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}
	cmd.PersistentFlags().StringSlice("brokers", nil, "Broker addresses (defaults to KAFKA_BROKERS)")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "Request timeout")

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the patient topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if err := admin.EnsureTopics(ctx); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d partitions\n", t.Name, t.Partitions)
				}
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	}

	lagCmd := &cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag (defaults to the sync worker group)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := redpanda.DefaultConsumerConfig().GroupID
			if len(args) == 1 {
				group = args[0]
			}
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for t := range lag {
					topics = append(topics, t)
				}
				sort.Strings(topics)
				for _, t := range topics {
					partitions := make([]int32, 0, len(lag[t]))
					for p := range lag[t] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", t, p, lag[t][p])
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(ensureCmd, listCmd, lagCmd)
	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	brokers, _ := cmd.Flags().GetStringSlice("brokers")
	if len(brokers) == 0 {
		cfg, err := config.LoadPartial()
		if err != nil {
			return err
		}
		brokers = cfg.KafkaBrokers
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	admin, err := redpanda.NewAdmin(brokers, nil)
	if err != nil {
		return err
	}
	defer admin.Close()

	return fn(ctx, admin)
}
