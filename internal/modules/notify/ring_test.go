package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
)

func TestRing_EvictsOldestBeyondCapacity(t *testing.T) {
	ring := NewRing()

	for i := 0; i < RingSize+5; i++ {
		ring.Add(domain.Event{Type: "test", Message: fmt.Sprintf("event-%d", i)})
	}

	assert.Equal(t, RingSize, ring.Len())

	recent := ring.Recent()
	require.Len(t, recent, RingSize)
	assert.Equal(t, fmt.Sprintf("event-%d", RingSize+4), recent[0].Message, "newest first")
	assert.Equal(t, "event-5", recent[len(recent)-1].Message, "oldest five evicted")
}

func TestRing_RecentOnEmptyRing(t *testing.T) {
	assert.Empty(t, NewRing().Recent())
}
