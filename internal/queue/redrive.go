package queue

// RedrivePolicy moves a message to a dead-letter queue once it has been
// received more than MaxReceiveCount times.
type RedrivePolicy struct {
	MaxReceiveCount int
	DeadLetterQueue string
}

// Enabled reports whether the policy ever redirects.
func (p RedrivePolicy) Enabled() bool {
	return p.MaxReceiveCount > 0
}

// ShouldRedrive is evaluated with the receive count the message would carry
// after the current dequeue.
func (p RedrivePolicy) ShouldRedrive(receiveCount int) bool {
	return ShouldRedrive(receiveCount, p.MaxReceiveCount)
}

// ShouldRedrive reports whether receiveCount exceeds threshold. A threshold of
// zero or less never redirects.
func ShouldRedrive(receiveCount, threshold int) bool {
	return threshold > 0 && receiveCount > threshold
}
