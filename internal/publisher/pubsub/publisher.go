// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Attributer is implemented by payloads that carry Pub/Sub message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher publishes JSON payloads, keeping one client publisher per topic.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher. defaultTopic is used when Publish receives an
// empty topic.
func New(client *pubsub.Client, defaultTopic string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		publishers:   make(map[string]*pubsub.Publisher),
	}, nil
}

// Publish marshals payload to JSON, publishes it and waits for the server ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// Close flushes pending messages and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}
