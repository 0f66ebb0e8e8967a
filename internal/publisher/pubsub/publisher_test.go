package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	pspub "github.com/JakeFAU/rdf-harvester/internal/publisher/pubsub"
)

func TestPublishCommittedEvent(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "harvests")
	require.NoError(t, err)

	pub := pspub.New(topic)
	t.Cleanup(pub.Stop)

	ev := harvest.CommittedEvent{
		HarvestID:     7,
		SourceURL:     "http://example.com/data.rdf",
		SourceHash:    -42,
		GenTime:       1700000000000,
		StoredTriples: 12,
		Type:          harvest.TypeScheduled,
	}
	id, err := pub.Publish(ctx, "ignored", ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, pspub.EventCommitted, msgs[0].Attributes["event"])
	require.Equal(t, "-42", msgs[0].Attributes["source_hash"])
	require.Equal(t, "1700000000000", msgs[0].Attributes["gen_time"])

	var got harvest.CommittedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, ev, got)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()
	_, err := pspub.New(nil).Publish(context.Background(), "t", map[string]string{})
	require.Error(t, err)
}
