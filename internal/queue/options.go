package queue

import (
	"fmt"
	"regexp"
	"time"
)

// Defaults applied when a queue is created without explicit settings.
const (
	DefaultVisibilityTimeout = 300 * time.Second
	DefaultMaxReceiveCount   = 3
	DefaultBatchSize         = 10
	DefaultMaxBodyBytes      = 256 * 1024
)

// Queue names follow the SQS rules so every backend can store them as-is.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)

// Settings is the immutable configuration a queue is created with.
type Settings struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxBatch          int
	MaxBodyBytes      int
	Redrive           RedrivePolicy
	// Encrypted is carried for the backends that can act on it; the core
	// queue logic does not interpret it.
	Encrypted bool
}

// WithDefaults fills zero fields.
func (s Settings) WithDefaults() Settings {
	if s.VisibilityTimeout <= 0 {
		s.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if s.MaxBatch <= 0 {
		s.MaxBatch = DefaultBatchSize
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return s
}

// HasDeadLetter reports whether a dead-letter queue is named. It may be
// named without a redrive policy, for manual parking.
func (s Settings) HasDeadLetter() bool {
	return s.Redrive.DeadLetterQueue != ""
}

// DeadLetterSettings derives the sink's settings: same shape, no redrive.
func (s Settings) DeadLetterSettings() Settings {
	dl := s
	dl.Name = s.Redrive.DeadLetterQueue
	dl.Redrive = RedrivePolicy{}
	return dl
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if !validName.MatchString(s.Name) {
		return fmt.Errorf("queue name %q: only letters, digits, '-' and '_' up to 80 characters", s.Name)
	}
	if s.Redrive.Enabled() {
		if s.Redrive.DeadLetterQueue == "" {
			return fmt.Errorf("queue %q: redrive enabled without a dead-letter queue", s.Name)
		}
		if s.Redrive.DeadLetterQueue == s.Name {
			return fmt.Errorf("queue %q: dead-letter queue must differ from the source queue", s.Name)
		}
	}
	return nil
}

// CheckBody validates an enqueue payload against the settings.
func (s Settings) CheckBody(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if s.MaxBodyBytes > 0 && len(body) > s.MaxBodyBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(body), s.MaxBodyBytes)
	}
	return nil
}

// Normalize clamps receive options to the queue's limits and fills defaults.
func (s Settings) Normalize(opts ClaimOptions) (ClaimOptions, error) {
	if opts.Limit < 0 || opts.Visibility < 0 || opts.WaitTime < 0 {
		return opts, ErrInvalidBatch
	}
	if opts.Limit == 0 {
		opts.Limit = 1
	}
	if s.MaxBatch > 0 && opts.Limit > s.MaxBatch {
		opts.Limit = s.MaxBatch
	}
	if opts.Visibility == 0 {
		opts.Visibility = s.VisibilityTimeout
	}
	return opts, nil
}
