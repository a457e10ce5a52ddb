package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/pkg/client"
)

var (
	dlqName  string
	drainMax int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := deadLetterName()
		if err != nil {
			return err
		}
		st, err := client.NewClient(serverURL).Stats(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: visible=%d in_flight=%d\n", st.Queue, st.Visible, st.InFlight)
		return nil
	},
}

var dlqDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Print and delete dead-lettered messages",
	RunE:  runDrain,
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqName, "dlq", "", "dead-letter queue name (default DLQ_NAME)")
	dlqDrainCmd.Flags().IntVar(&drainMax, "max", 0, "stop after this many messages (0 drains everything visible)")

	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqDrainCmd)
}

func deadLetterName() (string, error) {
	if dlqName != "" {
		return dlqName, nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.DeadLetterQueueName == "" {
		return "", errors.New("no dead-letter queue configured; set DLQ_NAME or --dlq")
	}
	return cfg.DeadLetterQueueName, nil
}

func runDrain(cmd *cobra.Command, args []string) error {
	name, err := deadLetterName()
	if err != nil {
		return err
	}
	c := client.NewClient(serverURL)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	drained := 0
	for drainMax == 0 || drained < drainMax {
		n := 10
		if drainMax > 0 && drainMax-drained < n {
			n = drainMax - drained
		}
		msgs, err := c.Receive(ctx, name, client.ReceiveOptions{Max: n, Visibility: time.Minute})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s\t%s\t%s\n", m.ID, m.EnqueuedAt.Format(time.RFC3339), m.Body)
			if _, err := c.Delete(ctx, name, m.ID, m.LeaseToken); err != nil {
				return err
			}
			drained++
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "drained %d message(s) from %s\n", drained, name)
	return nil
}
