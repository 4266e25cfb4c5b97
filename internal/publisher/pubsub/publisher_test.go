package pubsub

import (
	"context"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type notification struct {
	JobID string `json:"job_id"`
}

func (n notification) Attributes() map[string]string {
	return map[string]string{"job_id": n.JobID}
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
		Name: "projects/test-project/topics/crawl-jobs",
	})
	require.NoError(t, err)

	pub, err := New(client, "crawl-jobs")
	require.NoError(t, err)
	defer pub.Close()

	id, err := pub.Publish(ctx, "", notification{JobID: "job-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"job_id":"job-1"}`, string(msgs[0].Data))
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "topic")
	require.Error(t, err)
}
