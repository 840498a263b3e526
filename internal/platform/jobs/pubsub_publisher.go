// Package jobs forwards domain events to asynchronous consumers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/stitchquote/api/internal/services"
)

// PubSubUsagePublisher sends advisory usage events to the cost accounting topic.
type PubSubUsagePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.UsageEventPublisher = (*PubSubUsagePublisher)(nil)

func NewPubSubUsagePublisher(topic *pubsub.Topic) (*PubSubUsagePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub usage publisher: topic is required")
	}
	return &PubSubUsagePublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishUsageEvent blocks until the server acknowledges the message and returns its id.
// The event id doubles as the ordering-free dedupe key for subscribers.
func (p *PubSubUsagePublisher) PublishUsageEvent(ctx context.Context, message services.UsageEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub usage publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal usage event: %w", err)
	}

	attrs := map[string]string{}
	setAttr(attrs, "eventId", message.EventID)
	setAttr(attrs, "provider", message.Provider)
	setAttr(attrs, "outcome", message.Outcome)
	setAttr(attrs, "model", message.Model)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish usage event: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubUsagePublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
