package netdicom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcceptBackoff(t *testing.T) {
	var d time.Duration
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		d = acceptBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 5*time.Millisecond, seen[0])
	assert.Equal(t, 10*time.Millisecond, seen[1])
	assert.Equal(t, maxAcceptBackoff, seen[len(seen)-1])
}
