package pubsub

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

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "nerede-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublishJobEvent(t *testing.T) {
	t.Parallel()

	srv, client := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "nerede-job-events")
	require.NoError(t, err)

	pub := New(client)
	defer func() { require.NoError(t, pub.Close()) }()

	id, err := pub.Publish(ctx, "nerede-job-events", domain.JobEvent{
		JobID:     "j1",
		Type:      domain.JobRefreshCache,
		Status:    domain.JobFailed,
		TargetKey: "cache-1",
		Attempts:  3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "refresh_cache", msgs[0].Attributes["job_type"])
	require.Equal(t, "failed", msgs[0].Attributes["status"])

	var event domain.JobEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, "cache-1", event.TargetKey)
	require.Equal(t, 3, event.Attempts)
}

func TestPublishToMissingTopicFails(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)
	pub := New(client)
	defer func() { _ = pub.Close() }()

	_, err := pub.Publish(context.Background(), "absent", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "publish message")
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")

	_, client := newTestClient(t)
	pub := New(client)
	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	require.NoError(t, pub.Close())
}
