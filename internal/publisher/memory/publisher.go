// Package memory contains an in-memory publisher used when no Pub/Sub topic is
// configured, and by tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// Publisher keeps the most recent notifications in a bounded log so operators
// running without Pub/Sub can still inspect what would have been sent.
type Publisher struct {
	mu       sync.RWMutex
	seq      uint64
	limit    int
	messages []PublishedMessage
}

var _ harvest.Publisher = (*Publisher)(nil)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher keeping at most limit messages, oldest
// dropped first. A non-positive limit keeps everything.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message under a process-unique ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "memory-" + strconv.FormatUint(p.seq, 10)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Published reports how many messages were published in total, including
// those already dropped from the log.
func (p *Publisher) Published() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

// CommittedEvents returns the retained harvest-committed payloads, oldest first.
func (p *Publisher) CommittedEvents() []harvest.CommittedEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []harvest.CommittedEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(harvest.CommittedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
