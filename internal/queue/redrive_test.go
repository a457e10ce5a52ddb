package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldRedrive(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		threshold int
		want      bool
	}{
		{"below threshold", 2, 3, false},
		{"at threshold", 3, 3, false},
		{"above threshold", 4, 3, true},
		{"disabled", 100, 0, false},
		{"negative threshold", 1, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRedrive(tt.count, tt.threshold))
		})
	}
}

func TestRedrivePolicyEnabled(t *testing.T) {
	assert.False(t, RedrivePolicy{}.Enabled())
	p := RedrivePolicy{MaxReceiveCount: 3, DeadLetterQueue: "dlq"}
	assert.True(t, p.Enabled())
	assert.True(t, p.ShouldRedrive(4))
	assert.False(t, p.ShouldRedrive(3))
}
