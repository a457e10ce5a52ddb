// Package sqsstore serves queues from Amazon SQS. The receipt handle is the lease
// token and SQS's own RedrivePolicy moves messages to the dead-letter queue.
package sqsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// SQS service limits.
const (
	maxReceiveBatch   = 10
	maxWaitTime       = 20 * time.Second
	maxVisibility     = 12 * time.Hour
	maxVisibilitySecs = int32(maxVisibility / time.Second)
	minMessageSize    = 1024
)

// MaxMessageSize is the largest body, in bytes, the store provisions for.
const MaxMessageSize = 262144

// sqsAPI is the subset of *sqs.Client the store calls.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
}

var _ store.Store = (*Store)(nil)

// Store is one SQS queue.
type Store struct {
	client   sqsAPI
	settings queue.Settings
	url      string
	now      func() time.Time
	logger   hclog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l hclog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Config selects the AWS endpoint.
type Config struct {
	Region string
	// Endpoint overrides the service URL, e.g. for LocalStack.
	Endpoint string
	// Provision creates the queues with the configured attributes before use.
	Provision bool
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Endpoint != "" {
		return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}), nil
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// New resolves the queue's URL. The queue must exist; see Provision.
func New(ctx context.Context, client sqsAPI, settings queue.Settings, opts ...Option) (*Store, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(settings.Name)})
	if err != nil {
		return nil, wrap(fmt.Sprintf("resolve queue URL for %s", settings.Name), err)
	}
	s := &Store{
		client:   client,
		settings: settings,
		url:      aws.ToString(out.QueueUrl),
		now:      time.Now,
		logger:   hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("store.sqs").With("queue", settings.Name)
	return s, nil
}

// OpenPair connects to SQS, optionally provisions the queues, and serves the
// queue and its dead-letter queue.
func OpenPair(ctx context.Context, cfg Config, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPair(ctx, client, cfg.Provision, settings, opts...)
}

// NewPair serves a queue and its dead-letter queue through client.
func NewPair(ctx context.Context, client sqsAPI, provision bool, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	settings = settings.WithDefaults()
	if provision {
		if err := Provision(ctx, client, settings); err != nil {
			return nil, err
		}
	}
	q, err := New(ctx, client, settings, opts...)
	if err != nil {
		return nil, err
	}
	if !settings.HasDeadLetter() {
		return store.NewPair(q, nil, nil), nil
	}
	dl, err := New(ctx, client, settings.DeadLetterSettings(), opts...)
	if err != nil {
		return nil, err
	}
	return store.NewPair(q, dl, nil), nil
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

// Provision creates the dead-letter queue and the source queue with the
// settings' visibility timeout, redrive policy and encryption. CreateQueue is
// idempotent for matching attributes.
func Provision(ctx context.Context, client sqsAPI, settings queue.Settings) error {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return err
	}
	attrs := map[string]string{
		string(types.QueueAttributeNameVisibilityTimeout):    strconv.Itoa(int(seconds(settings.VisibilityTimeout))),
		string(types.QueueAttributeNameMaximumMessageSize):   strconv.Itoa(messageSize(settings.MaxBodyBytes)),
		string(types.QueueAttributeNameSqsManagedSseEnabled): strconv.FormatBool(settings.Encrypted),
	}

	if settings.HasDeadLetter() {
		dlURL, err := createQueue(ctx, client, settings.Redrive.DeadLetterQueue, copyAttrs(attrs))
		if err != nil {
			return err
		}
		if err := setRedrive(ctx, client, dlURL, settings, attrs); err != nil {
			return err
		}
	}

	_, err := createQueue(ctx, client, settings.Name, attrs)
	return err
}

// setRedrive adds a RedrivePolicy targeting dlURL to attrs when the settings
// enable redrive.
func setRedrive(ctx context.Context, client sqsAPI, dlURL string, settings queue.Settings, attrs map[string]string) error {
	if !settings.Redrive.Enabled() {
		return nil
	}
	out, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(dlURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return wrap("get dead-letter queue ARN", err)
	}
	policy, err := json.Marshal(redrivePolicy{
		DeadLetterTargetArn: out.Attributes[string(types.QueueAttributeNameQueueArn)],
		MaxReceiveCount:     strconv.Itoa(settings.Redrive.MaxReceiveCount),
	})
	if err != nil {
		return err
	}
	attrs[string(types.QueueAttributeNameRedrivePolicy)] = string(policy)
	return nil
}

func createQueue(ctx context.Context, client sqsAPI, name string, attrs map[string]string) (string, error) {
	out, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return "", wrap("create queue "+name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func copyAttrs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) Name() string { return s.settings.Name }

func (s *Store) Settings() queue.Settings { return s.settings }

// Enqueue sends the body as the message text.
func (s *Store) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := s.settings.CheckBody(body); err != nil {
		return "", err
	}
	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", wrap("send", err)
	}
	return aws.ToString(out.MessageId), nil
}

// DequeueBatch receives up to opts.Limit messages, at most ten per call.
// Long polls longer than SQS's 20s cap are split into consecutive receives.
func (s *Store) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	opts, err := s.settings.Normalize(opts)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit > maxReceiveBatch {
		limit = maxReceiveBatch
	}
	vis := seconds(opts.Visibility)

	deadline := s.now().Add(opts.WaitTime)
	for {
		remaining := deadline.Sub(s.now())
		last := remaining <= maxWaitTime
		if remaining > maxWaitTime {
			remaining = maxWaitTime
		}
		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.url),
			MaxNumberOfMessages: int32(limit),
			VisibilityTimeout:   vis,
			WaitTimeSeconds:     waitSeconds(remaining),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, wrap("receive", err)
		}
		if len(out.Messages) > 0 || last {
			return s.deliveries(out.Messages, time.Duration(vis)*time.Second), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (s *Store) deliveries(msgs []types.Message, vis time.Duration) []queue.Delivery {
	now := s.now()
	out := make([]queue.Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := queue.Delivery{
			Message: queue.Message{
				ID:        aws.ToString(m.MessageId),
				Queue:     s.Name(),
				Body:      []byte(aws.ToString(m.Body)),
				VisibleAt: now.Add(vis),
			},
			LeaseToken: aws.ToString(m.ReceiptHandle),
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				d.ReceiveCount = n
			}
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.EnqueuedAt = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, d)
	}
	return out
}

// Delete deletes by receipt handle; id is not needed by SQS.
func (s *Store) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	if leaseToken == "" {
		return queue.Stale, nil
	}
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.url),
		ReceiptHandle: aws.String(leaseToken),
	})
	return s.result("delete", err)
}

// ExtendLease changes the message's visibility timeout, rounded up to whole seconds.
func (s *Store) ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error) {
	if timeout < 0 {
		return queue.Stale, queue.ErrInvalidBatch
	}
	if leaseToken == "" {
		return queue.Stale, nil
	}
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.url),
		ReceiptHandle:     aws.String(leaseToken),
		VisibilityTimeout: seconds(timeout),
	})
	return s.result("extend", err)
}

func (s *Store) result(op string, err error) (queue.Result, error) {
	if err == nil {
		return queue.Success, nil
	}
	if isStale(err) {
		s.logger.Debug("stale receipt handle", "op", op, "error", err)
		return queue.Stale, nil
	}
	return queue.Stale, wrap(op, err)
}

// Stats reads SQS's approximate counters.
func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	out, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(s.url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return queue.Stats{}, wrap("stats", err)
	}
	var st queue.Stats
	if v, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]; ok {
		st.Visible, _ = strconv.Atoi(v)
	}
	if v, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]; ok {
		st.InFlight, _ = strconv.Atoi(v)
	}
	return st, nil
}

// seconds rounds d up to whole seconds within SQS's visibility range.
func seconds(d time.Duration) int32 {
	if d >= maxVisibility {
		return maxVisibilitySecs
	}
	return int32(math.Ceil(d.Seconds()))
}

func waitSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(math.Ceil(d.Seconds()))
}

// isStale reports whether SQS rejected a receipt handle as expired or unknown.
func isStale(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInflight) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.MessageNotInflight", "MessageNotInflight":
			return true
		case "InvalidParameterValue":
			// Expired handles on ChangeMessageVisibility.
			return true
		}
	}
	return false
}

// wrap marks server-side faults as queue.ErrUnavailable.
func wrap(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: sqs %s: %v", queue.ErrUnavailable, op, err)
	}
	return fmt.Errorf("sqs %s: %w", op, err)
}

// messageSize fits a body limit into the range SQS accepts for
// MaximumMessageSize. Bodies are still checked against the configured limit.
func messageSize(n int) int {
	switch {
	case n < minMessageSize:
		return minMessageSize
	case n > MaxMessageSize:
		return MaxMessageSize
	}
	return n
}
