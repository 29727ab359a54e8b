package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// SyncEventMessage is what the sync server fans out to Pub/Sub after accepting writes.
type SyncEventMessage struct {
	Kind          string          `json:"kind"`
	Collection    string          `json:"collection"`
	DocumentId    string          `json:"document_id,omitempty"`
	TerminalId    string          `json:"terminal_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationId string          `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
	pubsubTopics   sync.Map
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// GetPubSubClient returns the shared Pub/Sub client, creating it on first use.
// Application Default Credentials are used unless PUBSUB_CREDENTIALS_JSON is set.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("init pubsub client (project_id=%s): %w", projectID, err)
	}
	pubsubClient = c
	logg.WithField("projectId", projectID).Info("pubsub client ready")
	return pubsubClient, nil
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func ensureTopic(ctx context.Context, c *pubsub.Client, name string) (*pubsub.Topic, error) {
	if t, ok := pubsubTopics.Load(name); ok {
		return t.(*pubsub.Topic), nil
	}
	t, err := CreateTopicIfNotExists(ctx, c, name)
	if err != nil {
		return nil, err
	}
	actual, _ := pubsubTopics.LoadOrStore(name, t)
	return actual.(*pubsub.Topic), nil
}

// PublishSyncEvent publishes msg to topicName and returns the server-assigned message id.
func PublishSyncEvent(ctx context.Context, topicName string, msg SyncEventMessage) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		return "", err
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":       msg.Kind,
			"collection": msg.Collection,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		logg.WithFields(logrus.Fields{"topic": topicName, "collection": msg.Collection}).WithError(err).Warn("pubsub publish failed")
	}
	return id, err
}
