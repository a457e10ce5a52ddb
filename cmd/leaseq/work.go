package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/worker"
	"github.com/aridsondez/leaseq/pkg/client"
)

var (
	serverURL   string
	workQueue   string
	batchSize   int
	concurrency int
	visibility  time.Duration
	waitTime    time.Duration
	pollDelay   time.Duration
	heartbeat   bool
	failMatch   string
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Consume a queue from a leaseq server and log each message",
	RunE:  runWork,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "leaseq server URL")

	workCmd.Flags().StringVar(&workQueue, "queue", "", "queue to consume (default QUEUE_NAME)")
	workCmd.Flags().IntVar(&batchSize, "batch", 0, "messages per receive (default RECEIVE_MAX)")
	workCmd.Flags().IntVar(&concurrency, "concurrency", 0, "handlers running at once (default batch size)")
	workCmd.Flags().DurationVar(&visibility, "visibility", 0, "lease length per receive (default: the queue's VISIBILITY_TIMEOUT)")
	workCmd.Flags().DurationVar(&waitTime, "wait", 10*time.Second, "long poll per receive")
	workCmd.Flags().DurationVar(&pollDelay, "poll-delay", time.Second, "back-off after an empty receive")
	workCmd.Flags().BoolVar(&heartbeat, "heartbeat", false, "extend leases while handlers run")
	workCmd.Flags().StringVar(&failMatch, "fail-on", "", "fail messages whose body contains this text")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if workQueue == "" {
		workQueue = cfg.QueueName
	}
	if batchSize == 0 {
		batchSize = cfg.BatchSize
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handlerLog := logger.Named("handler")
	handler := func(ctx context.Context, msg queue.Message) error {
		if failMatch != "" && strings.Contains(string(msg.Body), failMatch) {
			return fmt.Errorf("body matches %q", failMatch)
		}
		handlerLog.Info("message", "id", msg.ID, "receive_count", msg.ReceiveCount, "body", string(msg.Body))
		return nil
	}

	src := worker.NewHTTPSource(client.NewClient(serverURL), workQueue)
	w := worker.New(src, handler, worker.Config{
		BatchSize:   batchSize,
		Visibility:  visibility,
		WaitTime:    waitTime,
		PollDelay:   pollDelay,
		Concurrency: concurrency,
		Heartbeat:   heartbeat,
	}, logger)
	return w.Run(ctx)
}
