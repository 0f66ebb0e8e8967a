package harvest

import (
	"context"
	"io"
	"time"
)

// SourceRegistry is the CRUD and query surface over harvest sources.
type SourceRegistry interface {
	AddSource(ctx context.Context, src Source) (int64, error)
	EditSource(ctx context.Context, src Source) error
	GetSourceByID(ctx context.Context, id int64) (Source, error)
	GetSourceByURL(ctx context.Context, url string) (Source, error)

	ListSources(ctx context.Context, req ListRequest) (SourcePage, error)
	PrioritySources(ctx context.Context, req ListRequest) (SourcePage, error)
	FailedSources(ctx context.Context, req ListRequest) (SourcePage, error)
	UnavailableSources(ctx context.Context, req ListRequest) (SourcePage, error)

	// NextScheduledSources returns up to limit schedulable sources ordered by
	// urgency, most overdue first. Callers skip sources that are not Due.
	NextScheduledSources(ctx context.Context, limit int) ([]Source, error)
	UrgencySourcesCount(ctx context.Context) (int64, error)
	UrgencyOfComingHarvests(ctx context.Context, limit int) ([]UrgencyScore, error)

	RecordHarvestOutcome(ctx context.Context, sourceHash int64, outcome Outcome) error
	QueueForDeletion(ctx context.Context, urls []string) error
	ScheduledForDeletion(ctx context.Context) ([]string, error)
}

// HistoryStore persists harvest attempts and their messages.
type HistoryStore interface {
	StartHarvest(ctx context.Context, sourceID int64, typ Type, username string) (int64, error)
	FinishHarvest(ctx context.Context, harvestID int64, storedTriples, distinctSubjects int64) error
	InsertMessage(ctx context.Context, msg Message) (int64, error)
	ListHarvests(ctx context.Context, sourceID int64, limit int) ([]Harvest, error)
	ListMessages(ctx context.Context, harvestID int64) ([]Message, error)
	DeleteHarvestHistory(ctx context.Context, keep int) error
}

// UrgentQueue is the explicit FIFO override queue for one-off harvests.
type UrgentQueue interface {
	EnqueuePull(ctx context.Context, url string) error
	EnqueuePullBatch(ctx context.Context, urls []string) error
	EnqueuePush(ctx context.Context, url string, content string) error
	// Poll removes and returns the oldest item. ok is false when the queue is empty.
	Poll(ctx context.Context) (item UrgentItem, ok bool, err error)
	Len(ctx context.Context) (int64, error)
}

// Persister is one batched, transactional harvest write session.
//
// The protocol is fixed: AddTriple/AddResource any number of times, EndOfFile,
// then Commit or Rollback, then Close.
type Persister interface {
	AddTriple(ctx context.Context, t Triple) error
	AddResource(ctx context.Context, uri string, uriHash int64) error
	EndOfFile(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
	// StoredTriples sums the rows the store actually accepted.
	StoredTriples() int64
	// SeenTriples counts every AddTriple call.
	SeenTriples() int64
}

// PersisterFactory opens persister sessions.
type PersisterFactory interface {
	Open(ctx context.Context, cfg PersisterConfig) (Persister, error)
}

// Recoverer rolls back harvests left unfinished by a crash.
type Recoverer interface {
	RecoverUnfinishedHarvests(ctx context.Context) (RecoveryReport, error)
}

// Reaper physically removes sources queued for deletion.
type Reaper interface {
	ReapQueued(ctx context.Context) (ReapReport, error)
}

// Fetcher retrieves a remote RDF document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// Decoder streams the statements of a document into emit.
type Decoder interface {
	Decode(ctx context.Context, doc Document, emit func(Statement) error) error
}

// BlobStore archives raw documents and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes harvest notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// GenerationSource hands out generation stamps that increase on every call.
type GenerationSource interface {
	NextGeneration() int64
}

// Queue provides enqueue/dequeue semantics for worker jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}
