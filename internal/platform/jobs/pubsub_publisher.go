package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/koppeltag/api/internal/services"
)

// PubSubMappingPublisher publishes mapping change events to a Pub/Sub topic.
type PubSubMappingPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.MappingEventPublisher = (*PubSubMappingPublisher)(nil)

// NewPubSubMappingPublisher constructs a Pub/Sub backed mapping event publisher.
func NewPubSubMappingPublisher(topic *pubsub.Topic) (*PubSubMappingPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub mapping publisher: topic is required")
	}
	return &PubSubMappingPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishMappingEvent sends event and waits for the server-assigned message id. Messages are
// ordered per combination when the topic has ordering enabled.
func (p *PubSubMappingPublisher) PublishMappingEvent(ctx context.Context, event services.MappingEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub mapping publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal mapping event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "eventType", string(event.Type))
	setAttr(attrs, "combinationId", event.CombinationID)
	setAttr(attrs, "implementId", event.ImplementID)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(event.CombinationID)
	}
	result := p.topic.Publish(ctx, msg)

	id, err := result.Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish mapping event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
