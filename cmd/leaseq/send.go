package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/pkg/client"
)

var sendQueue string

var sendCmd = &cobra.Command{
	Use:   "send [body...]",
	Short: "Enqueue messages through the ingress endpoint; reads stdin when no body is given",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendQueue, "queue", "", "enqueue on this queue through the worker API instead of the ingress")
}

func runSend(cmd *cobra.Command, args []string) error {
	bodies := make([][]byte, 0, len(args))
	for _, a := range args {
		bodies = append(bodies, []byte(a))
	}
	if len(bodies) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		bodies = append(bodies, b)
	}

	c := client.NewClient(serverURL)
	for _, body := range bodies {
		var (
			id  string
			err error
		)
		if sendQueue != "" {
			id, err = c.Enqueue(cmd.Context(), sendQueue, body)
		} else {
			id, err = c.Send(cmd.Context(), body)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
