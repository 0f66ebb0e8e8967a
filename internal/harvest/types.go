package harvest

import (
	"time"
)

// Type is the trigger that started a harvest.
type Type string

// Harvest types persisted in harvest.type.
const (
	TypeScheduled Type = "scheduled"
	TypePull      Type = "pull"
	TypePush      Type = "push"
)

// Status mirrors the harvest.status column.
type Status string

// Harvest statuses. A harvest is finalized exactly once.
const (
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
)

// Severity classifies a HarvestMessage.
type Severity string

// Message severities, most severe first.
const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// SourceState tags a source as live or waiting for the reaper.
type SourceState string

// Source states. Only active sources are listed or scheduled.
const (
	StateActive          SourceState = "active"
	StatePendingDeletion SourceState = "pending_deletion"
)

// DefaultOwner is recorded when a source is registered without an owner.
const DefaultOwner = "harvester"

// Source is one tracked harvest source.
type Source struct {
	ID                int64       `json:"id"`
	URL               string      `json:"url"`
	URLHash           int64       `json:"url_hash"`
	Emails            string      `json:"emails,omitempty"`
	TimeCreated       time.Time   `json:"time_created"`
	IntervalMinutes   int         `json:"interval_minutes"`
	LastHarvest       *time.Time  `json:"last_harvest,omitempty"`
	CountUnavail      int         `json:"count_unavail"`
	PermanentError    bool        `json:"permanent_error"`
	PrioritySource    bool        `json:"priority_source"`
	LastHarvestFailed bool        `json:"last_harvest_failed"`
	Owner             string      `json:"owner"`
	MediaType         string      `json:"media_type,omitempty"`
	Statements        int64       `json:"statements"`
	Resources         int64       `json:"resources"`
	State             SourceState `json:"state"`

	// Urgency is only populated by scheduling queries.
	Urgency float64 `json:"urgency,omitempty"`
}

// Due reports whether the source is overdue for its next scheduled harvest.
func (s Source) Due() bool {
	return s.Urgency >= 1.0
}

// Active reports whether the source is not queued for deletion.
func (s Source) Active() bool {
	return s.State == "" || s.State == StateActive
}

// Harvest is one execution attempt of a source.
type Harvest struct {
	ID               int64      `json:"id"`
	SourceID         int64      `json:"source_id"`
	Type             Type       `json:"type"`
	Username         string     `json:"username,omitempty"`
	Status           Status     `json:"status"`
	Started          time.Time  `json:"started"`
	Finished         *time.Time `json:"finished,omitempty"`
	StoredTriples    int64      `json:"stored_triples"`
	DistinctSubjects int64      `json:"distinct_subjects"`
}

// Message is a diagnostic recorded against a harvest.
type Message struct {
	ID         int64    `json:"id"`
	HarvestID  int64    `json:"harvest_id"`
	Severity   Severity `json:"severity"`
	Text       string   `json:"text"`
	StackTrace string   `json:"stack_trace,omitempty"`
}

// Triple is one store row before the persister stamps it with source and generation.
type Triple struct {
	Subject       int64
	AnonSubject   bool
	Predicate     int64
	Object        string
	ObjectHash    int64
	ObjectLang    string
	LiteralObject bool
	AnonObject    bool
	// ObjSourceObject is non-zero for rows derived from another object; such rows
	// carry provenance pointing at the harvest that produced them.
	ObjSourceObject int64
}

// Resource is an entry in the append-only URI discovery ledger.
type Resource struct {
	URI     string
	URIHash int64
}

// Marker is an unfinished-harvest record.
type Marker struct {
	SourceHash int64
	GenTime    int64
}

// SourceRef identifies the (source, generation) pair of one harvest.
type SourceRef struct {
	URL     string
	Hash    int64
	GenTime int64
}

// UrgentItem is one operator or push request waiting in the urgent queue.
type UrgentItem struct {
	ID            int64     `json:"id"`
	URL           string    `json:"url"`
	PushedContent *string   `json:"pushed_content,omitempty"`
	Queued        time.Time `json:"queued"`
}

// IsPush reports whether the item carries inline content.
func (i UrgentItem) IsPush() bool {
	return i.PushedContent != nil
}

// Outcome is the result of one harvest attempt as recorded on its source.
type Outcome struct {
	Succeeded bool
	// Permanent marks a failure that retrying will not fix. It takes the
	// source off the schedule until a harvest succeeds or an operator clears it.
	Permanent  bool
	Statements int64
	Subjects   int64
}

// Job is a unit of work handed to a worker.
type Job struct {
	URL           string
	SourceHash    int64
	Type          Type
	PushedContent *string
	Username      string
	Submitted     time.Time
}

// Urgent reports whether the job came from the urgent queue. Urgent jobs are
// handed to workers ahead of scheduled ones.
func (j Job) Urgent() bool {
	return j.Type != TypeScheduled
}

// Result summarizes one finished harvest.
type Result struct {
	HarvestID        int64
	Source           Source
	GenTime          int64
	StoredTriples    int64
	DistinctSubjects int64
	Failed           bool
	Messages         []Message
}

// PersisterConfig configures one batched persister session.
type PersisterConfig struct {
	SourceURL            string
	GenTime              int64
	ClearPreviousContent bool
	DeriveInferred       bool
}

// ListFilter selects one of the operator listing views.
type ListFilter string

// Listing filters.
const (
	FilterAll         ListFilter = ""
	FilterFailed      ListFilter = "failed"
	FilterUnavailable ListFilter = "unavailable"
	FilterPriority    ListFilter = "priority"
)

// ListRequest captures filtering, paging and sorting for source listings.
type ListRequest struct {
	Filter   ListFilter
	Search   string
	Offset   int
	Limit    int
	SortBy   string
	SortDesc bool
}

// SourcePage is one page of a source listing plus the unpaged total.
type SourcePage struct {
	Total   int64    `json:"total"`
	Sources []Source `json:"sources"`
}

// UrgencyScore reports how overdue one source is.
type UrgencyScore struct {
	URL             string     `json:"url"`
	LastHarvest     *time.Time `json:"last_harvest,omitempty"`
	IntervalMinutes int        `json:"interval_minutes"`
	Urgency         float64    `json:"urgency"`
}

// RecoveryReport counts what a crash-recovery pass did.
type RecoveryReport struct {
	Found     int `json:"found"`
	Recovered int `json:"recovered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ReapReport counts what a reaper pass did.
type ReapReport struct {
	Queued  int `json:"queued"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// CommittedEvent is published after a harvest commits.
type CommittedEvent struct {
	HarvestID        int64  `json:"harvest_id"`
	SourceURL        string `json:"source_url"`
	SourceHash       int64  `json:"source_hash"`
	GenTime          int64  `json:"gen_time"`
	StoredTriples    int64  `json:"stored_triples"`
	DistinctSubjects int64  `json:"distinct_subjects"`
	Type             Type   `json:"type"`
	Timestamp        string `json:"timestamp"`
}

// TermKind distinguishes the RDF term kinds produced by a Decoder.
type TermKind int

// Term kinds.
const (
	TermIRI TermKind = iota
	TermBlank
	TermLiteral
)

// Statement is one decoded RDF statement in lexical form.
type Statement struct {
	Subject     string
	SubjectKind TermKind
	Predicate   string
	Object      string
	ObjectKind  TermKind
	Lang        string
}

// Document is a fetched or pushed RDF payload.
type Document struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	// RobotsFallback is set when robots.txt could not be read and the host
	// was treated as allow-all.
	RobotsFallback bool
}
