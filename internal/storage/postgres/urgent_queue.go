package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// UrgentQueue is the Postgres-backed FIFO of one-off harvest requests.
type UrgentQueue struct {
	db    DB
	clock harvest.Clock
}

// NewUrgentQueue wires a queue over db.
func NewUrgentQueue(db DB, clock harvest.Clock) (*UrgentQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &UrgentQueue{db: db, clock: clock}, nil
}

var _ harvest.UrgentQueue = (*UrgentQueue)(nil)

// EnqueuePull appends a pull request. Duplicates are kept.
func (q *UrgentQueue) EnqueuePull(ctx context.Context, url string) error {
	url = harvest.CanonicalURL(url)
	if url == "" {
		return fmt.Errorf("url is required")
	}
	_, err := q.db.Exec(ctx, `INSERT INTO urgent_harvest_queue (url, queued) VALUES ($1, $2)`, url, q.clock.Now().UTC())
	return storeErr("enqueue pull", err)
}

// EnqueuePullBatch appends several pull requests, preserving their order.
func (q *UrgentQueue) EnqueuePullBatch(ctx context.Context, urls []string) error {
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = harvest.CanonicalURL(u); u != "" {
			clean = append(clean, u)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
INSERT INTO urgent_harvest_queue (url, queued)
SELECT u, $2 FROM unnest($1::text[]) WITH ORDINALITY AS t(u, n) ORDER BY n`,
		clean, q.clock.Now().UTC(),
	)
	return storeErr("enqueue pull batch", err)
}

// EnqueuePush appends a push request carrying its document inline.
func (q *UrgentQueue) EnqueuePush(ctx context.Context, url string, content string) error {
	url = harvest.CanonicalURL(url)
	if url == "" {
		return fmt.Errorf("url is required")
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO urgent_harvest_queue (url, pushed_content, queued) VALUES ($1, $2, $3)`,
		url, content, q.clock.Now().UTC(),
	)
	return storeErr("enqueue push", err)
}

// Poll atomically removes and returns the oldest item. Concurrent pollers
// skip rows another poller has locked instead of waiting on them.
func (q *UrgentQueue) Poll(ctx context.Context) (harvest.UrgentItem, bool, error) {
	var item harvest.UrgentItem
	err := q.db.QueryRow(ctx, `
DELETE FROM urgent_harvest_queue
WHERE id = (
	SELECT id FROM urgent_harvest_queue ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
)
RETURNING id, url, pushed_content, queued`).Scan(&item.ID, &item.URL, &item.PushedContent, &item.Queued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.UrgentItem{}, false, nil
		}
		return harvest.UrgentItem{}, false, storeErr("poll urgent queue", err)
	}
	return item, true, nil
}

// Len returns the number of queued items.
func (q *UrgentQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM urgent_harvest_queue`).Scan(&n); err != nil {
		return 0, storeErr("count urgent queue", err)
	}
	return n, nil
}
