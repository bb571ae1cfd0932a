// Package broadcast publishes alert records to a Google Cloud Pub/Sub topic.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/goccy/go-json"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"entropyguard/internal/alert"
)

// Message attributes set on every published record.
const (
	AttrSubmissionID = "submission_id"
	AttrDeviceID     = "device_id"
	AttrSchema       = "schema"

	SchemaVersion = "alert-record-v1"
)

// Config selects the topic.
type Config struct {
	ProjectID string
	TopicID   string
	// Ordered publishes with the device ID as ordering key so a
	// subscriber sees one device's alerts in order.
	Ordered bool
}

// Sink is an alert.Sink publishing to Pub/Sub. Pub/Sub does not dedupe;
// subscribers use the submission_id attribute to do so.
type Sink struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	ordered    bool
	ownsClient bool
}

// New connects to Pub/Sub and returns a Sink for cfg.TopicID.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("broadcast: project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	s := NewWithClient(client, cfg)
	s.ownsClient = true
	return s, nil
}

// NewWithClient returns a Sink using an existing client.
func NewWithClient(client *pubsub.Client, cfg Config) *Sink {
	topic := client.Topic(cfg.TopicID)
	topic.EnableMessageOrdering = cfg.Ordered
	return &Sink{client: client, topic: topic, ordered: cfg.Ordered}
}

func (s *Sink) Name() string { return "pubsub" }

// Submit publishes rec and waits for the server ID.
func (s *Sink) Submit(ctx context.Context, rec alert.Record) (alert.Receipt, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return alert.Receipt{}, alert.NewPermanent(fmt.Errorf("encode record: %w", err))
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrSubmissionID: rec.SubmissionID,
			AttrDeviceID:     rec.DeviceID,
			AttrSchema:       SchemaVersion,
		},
	}
	if s.ordered {
		msg.OrderingKey = rec.DeviceID
	}

	serverID, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if s.ordered {
			// A failed ordered publish pauses the key until resumed.
			s.topic.ResumePublish(rec.DeviceID)
		}
		return alert.Receipt{}, classify(err)
	}

	return alert.Receipt{
		SubmissionID: rec.SubmissionID,
		Sink:         s.Name(),
		Reference:    serverID,
		SubmittedAt:  time.Now().UTC(),
	}, nil
}

// Close flushes pending publishes and releases the client if owned.
func (s *Sink) Close() error {
	s.topic.Stop()
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.Unimplemented:
		return alert.NewPermanent(fmt.Errorf("publish: %w", err))
	default:
		return alert.NewTransient(fmt.Errorf("publish: %w", err))
	}
}
