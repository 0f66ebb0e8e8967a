// Package pubsub publishes harvest notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// EventCommitted is the "event" attribute of harvest-committed notifications.
const EventCommitted = "harvest.committed"

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

var _ harvest.Publisher = (*Publisher)(nil)

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the payload to JSON and waits for the server to accept it.
// The topic argument is ignored; messages always go to the wrapped topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// attributes lets subscribers filter committed harvests without decoding the body.
func attributes(payload any) map[string]string {
	ev, ok := payload.(harvest.CommittedEvent)
	if !ok {
		return nil
	}
	return map[string]string{
		"event":       EventCommitted,
		"source_url":  ev.SourceURL,
		"source_hash": strconv.FormatInt(ev.SourceHash, 10),
		"gen_time":    strconv.FormatInt(ev.GenTime, 10),
	}
}
