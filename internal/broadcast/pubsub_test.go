package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"entropyguard/internal/alert"
	"entropyguard/internal/detector"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)
	return client, srv
}

func testRecord() alert.Record {
	return alert.NewRecord(detector.Verdict{
		Path:      "/var/data/ledger.db",
		Score:     7.91,
		Threshold: 7.5,
		DeviceID:  "edge-3",
		DecidedAt: time.Now(),
	}, time.Minute)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{TopicID: "alerts"})
	assert.Error(t, err)
}

func TestSubmitPublishesRecord(t *testing.T) {
	client, srv := newFakeClient(t)
	s := NewWithClient(client, Config{TopicID: "alerts", Ordered: true})
	defer s.Close()

	rec := testRecord()
	receipt, err := s.Submit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "pubsub", receipt.Sink)
	assert.NotEmpty(t, receipt.Reference)
	assert.Equal(t, rec.SubmissionID, receipt.SubmissionID)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, rec.SubmissionID, m.Attributes[AttrSubmissionID])
	assert.Equal(t, "edge-3", m.Attributes[AttrDeviceID])
	assert.Equal(t, SchemaVersion, m.Attributes[AttrSchema])
	assert.Equal(t, "edge-3", m.OrderingKey)

	var got alert.Record
	require.NoError(t, json.Unmarshal(m.Data, &got))
	assert.Equal(t, rec.SubmissionID, got.SubmissionID)
	assert.Equal(t, rec.Path, got.Path)
}

func TestSubmitMissingTopicIsPermanent(t *testing.T) {
	client, _ := newFakeClient(t)
	s := NewWithClient(client, Config{TopicID: "does-not-exist"})
	defer s.Close()

	_, err := s.Submit(context.Background(), testRecord())
	require.Error(t, err)
	assert.True(t, alert.IsPermanent(err))
}

func TestClassify(t *testing.T) {
	assert.True(t, alert.IsPermanent(classify(status.Error(codes.PermissionDenied, "no"))))
	assert.Equal(t, alert.Transient, alert.KindOf(classify(status.Error(codes.Unavailable, "later"))))
	assert.Equal(t, alert.Transient, alert.KindOf(classify(errors.New("plain"))))
}
