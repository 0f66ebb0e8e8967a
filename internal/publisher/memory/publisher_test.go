package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "harvests", harvest.CommittedEvent{HarvestID: 1})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "harvests", msgs[0].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "harvests", pub.Messages()[0].Topic, "Messages returns a copy")
	require.Equal(t, []harvest.CommittedEvent{{HarvestID: 1}}, pub.CommittedEvents())
}

func TestPublisherLimitDropsOldest(t *testing.T) {
	t.Parallel()

	pub := New(2)
	var last string
	for i := int64(1); i <= 3; i++ {
		id, err := pub.Publish(context.Background(), "harvests", harvest.CommittedEvent{HarvestID: i})
		require.NoError(t, err)
		last = id
	}
	events := pub.CommittedEvents()
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].HarvestID)
	require.Equal(t, "memory-3", last)
	require.Equal(t, "memory-3", pub.Messages()[1].ID)
	require.Equal(t, uint64(3), pub.Published())
}
