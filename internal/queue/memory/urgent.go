package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// UrgentQueue is an unbounded in-process FIFO of urgent harvest requests. It
// backs the "memory" queue backend and does not survive a restart.
type UrgentQueue struct {
	mu     sync.Mutex
	items  []harvest.UrgentItem
	nextID int64
	clock  harvest.Clock
}

var _ harvest.UrgentQueue = (*UrgentQueue)(nil)

// NewUrgentQueue constructs an empty queue stamping items with clock.
func NewUrgentQueue(clock harvest.Clock) *UrgentQueue {
	return &UrgentQueue{clock: clock}
}

var errEmptyURL = errors.New("url is required")

// EnqueuePull appends a pull request for url.
func (q *UrgentQueue) EnqueuePull(_ context.Context, url string) error {
	url = harvest.CanonicalURL(url)
	if url == "" {
		return errEmptyURL
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendLocked(url, nil)
	return nil
}

// EnqueuePullBatch appends one pull request per url, in order.
func (q *UrgentQueue) EnqueuePullBatch(_ context.Context, urls []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, url := range urls {
		if url = harvest.CanonicalURL(url); url != "" {
			q.appendLocked(url, nil)
		}
	}
	return nil
}

// EnqueuePush appends a push request carrying content.
func (q *UrgentQueue) EnqueuePush(_ context.Context, url string, content string) error {
	url = harvest.CanonicalURL(url)
	if url == "" {
		return errEmptyURL
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendLocked(url, &content)
	return nil
}

func (q *UrgentQueue) appendLocked(url string, content *string) {
	q.nextID++
	q.items = append(q.items, harvest.UrgentItem{
		ID:            q.nextID,
		URL:           url,
		PushedContent: content,
		Queued:        q.clock.Now(),
	})
}

// Poll removes and returns the oldest item.
func (q *UrgentQueue) Poll(_ context.Context) (harvest.UrgentItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return harvest.UrgentItem{}, false, nil
	}
	item := q.items[0]
	q.items[0] = harvest.UrgentItem{}
	q.items = q.items[1:]
	return item, true, nil
}

// Len returns the number of waiting items.
func (q *UrgentQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}
