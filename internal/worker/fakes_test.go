package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []harvest.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job harvest.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (harvest.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return harvest.Job{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type outcome struct {
	hash      int64
	succeeded bool
	permanent bool
	stored    int64
	subjects  int64
}

// fakeRegistry implements the registry calls the worker makes; anything else
// panics through the nil embedded interface.
type fakeRegistry struct {
	harvest.SourceRegistry

	mu       sync.Mutex
	sources  map[string]harvest.Source
	nextID   int64
	outcomes []outcome
	addErr   error
}

func newFakeRegistry(sources ...harvest.Source) *fakeRegistry {
	r := &fakeRegistry{sources: map[string]harvest.Source{}, nextID: 100}
	for _, s := range sources {
		s.URLHash = hash.URL(s.URL)
		s.State = harvest.StateActive
		r.sources[s.URL] = s
	}
	return r
}

func (r *fakeRegistry) GetSourceByURL(_ context.Context, url string) (harvest.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[harvest.CanonicalURL(url)]; ok {
		return s, nil
	}
	return harvest.Source{}, harvest.ErrNotFound
}

func (r *fakeRegistry) GetSourceByID(_ context.Context, id int64) (harvest.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.ID == id {
			return s, nil
		}
	}
	return harvest.Source{}, harvest.ErrNotFound
}

func (r *fakeRegistry) AddSource(_ context.Context, src harvest.Source) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return 0, r.addErr
	}
	r.nextID++
	src.ID = r.nextID
	src.URL = harvest.CanonicalURL(src.URL)
	src.URLHash = hash.URL(src.URL)
	src.State = harvest.StateActive
	r.sources[src.URL] = src
	return src.ID, nil
}

func (r *fakeRegistry) RecordHarvestOutcome(_ context.Context, h int64, out harvest.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{
		hash: h, succeeded: out.Succeeded, permanent: out.Permanent, stored: out.Statements, subjects: out.Subjects,
	})
	return nil
}

func (r *fakeRegistry) recorded() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.outcomes...)
}

type startedHarvest struct {
	sourceID int64
	typ      harvest.Type
	username string
	finished bool
	stored   int64
}

type fakeHistory struct {
	harvest.HistoryStore

	mu       sync.Mutex
	harvests []startedHarvest
	messages []harvest.Message
}

func (h *fakeHistory) StartHarvest(_ context.Context, sourceID int64, typ harvest.Type, username string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.harvests = append(h.harvests, startedHarvest{sourceID: sourceID, typ: typ, username: username})
	return int64(len(h.harvests)), nil
}

func (h *fakeHistory) FinishHarvest(_ context.Context, id int64, stored, _ int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.harvests[id-1].finished = true
	h.harvests[id-1].stored = stored
	return nil
}

func (h *fakeHistory) InsertMessage(_ context.Context, m harvest.Message) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
	return int64(len(h.messages)), nil
}

func (h *fakeHistory) started() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.harvests)
}

func (h *fakeHistory) severities() []harvest.Severity {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]harvest.Severity, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, m.Severity)
	}
	return out
}

type fakePersister struct {
	cfg        harvest.PersisterConfig
	triples    []harvest.Triple
	resources  map[string]int64
	commitErr  error
	committed  bool
	rolledBack bool
	closed     bool
}

func (p *fakePersister) AddTriple(_ context.Context, t harvest.Triple) error {
	p.triples = append(p.triples, t)
	return nil
}

func (p *fakePersister) AddResource(_ context.Context, uri string, uriHash int64) error {
	if _, dup := p.resources[uri]; dup {
		return errors.New("resource buffered twice")
	}
	p.resources[uri] = uriHash
	return nil
}

func (p *fakePersister) EndOfFile(context.Context) error { return nil }

func (p *fakePersister) Commit(context.Context) error {
	if p.commitErr != nil {
		return harvest.Fatal("commit", p.commitErr)
	}
	p.committed = true
	return nil
}

func (p *fakePersister) Rollback(context.Context) error {
	p.rolledBack = true
	return nil
}

func (p *fakePersister) Close(context.Context) error {
	p.closed = true
	return nil
}

func (p *fakePersister) StoredTriples() int64 { return int64(len(p.triples)) }
func (p *fakePersister) SeenTriples() int64   { return int64(len(p.triples)) }

type fakePersisterFactory struct {
	mu        sync.Mutex
	openErr   error
	commitErr error
	sessions  []*fakePersister
}

func (f *fakePersisterFactory) Open(_ context.Context, cfg harvest.PersisterConfig) (harvest.Persister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	p := &fakePersister{cfg: cfg, resources: map[string]int64{}, commitErr: f.commitErr}
	f.sessions = append(f.sessions, p)
	return p, nil
}

func (f *fakePersisterFactory) last() *fakePersister {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]harvest.Document
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (harvest.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[url]; ok {
		return harvest.Document{}, err
	}
	if doc, ok := f.docs[url]; ok {
		return doc, nil
	}
	return harvest.Document{}, &harvest.FetchError{URL: url, StatusCode: 404, Err: errors.New("Not Found")}
}

type fakeRecoverer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRecoverer) RecoverUnfinishedHarvests(context.Context) (harvest.RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return harvest.RecoveryReport{}, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type counterGens struct {
	mu   sync.Mutex
	next int64
}

func (g *counterGens) NextGeneration() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}
