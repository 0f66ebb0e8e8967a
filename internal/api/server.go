package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rdf-harvester/internal/config"
	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/id/uuid"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
	"github.com/JakeFAU/rdf-harvester/internal/middleware"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxPushBytes        = 64 << 20
	requestTimeout      = 60 * time.Second
)

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the stores behind the API. Ready is optional.
type Deps struct {
	Registry harvest.SourceRegistry
	History  harvest.HistoryStore
	Urgent   harvest.UrgentQueue
	Ready    Pinger
}

// Server wires HTTP handlers to the harvest stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID(uuid.New()))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(middleware.APIKey(cfg.Auth.APIKey))
		}
		r.Use(timeout(requestTimeout))
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.addSource)
			r.Delete("/", s.deleteSources)
			r.Get("/pending-deletion", s.pendingDeletion)
			r.Get("/lookup", s.lookupSource)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.editSource)
				r.Delete("/", s.deleteSource)
				r.Get("/harvests", s.listHarvests)
			})
		})
		r.Get("/harvests/{harvest_id}/messages", s.listMessages)
		r.Get("/schedule/urgency", s.urgency)
		r.Route("/urgent", func(r chi.Router) {
			r.Get("/", s.urgentLen)
			r.Post("/pull", s.enqueuePull)
			r.Post("/push", s.enqueuePush)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			middleware.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceRequest struct {
	URL             string `json:"url"`
	IntervalMinutes *int   `json:"interval_minutes"`
	PrioritySource  *bool  `json:"priority_source"`
	Emails          string `json:"emails"`
	Owner           string `json:"owner"`
	MediaType       string `json:"media_type"`
	// PermanentError is only honored on edit; clearing it reschedules a source
	// whose server once refused or lost the document.
	PermanentError *bool `json:"permanent_error"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	req, err := parseListRequest(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.deps.Registry.ListSources(r.Context(), req)
	if err != nil {
		s.storeFailure(w, "list sources", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	url := harvest.CanonicalURL(req.URL)
	if url == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	src := harvest.Source{
		URL:             url,
		IntervalMinutes: valueOrDefault(req.IntervalMinutes, 0),
		PrioritySource:  valueOrDefault(req.PrioritySource, false),
		Emails:          req.Emails,
		Owner:           req.Owner,
		MediaType:       req.MediaType,
	}
	if src.IntervalMinutes < 0 {
		middleware.WriteError(w, http.StatusBadRequest, "interval_minutes must be >= 0")
		return
	}
	id, err := s.deps.Registry.AddSource(r.Context(), src)
	if errors.Is(err, harvest.ErrSourceRemoved) {
		middleware.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.storeFailure(w, "add source", err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]any{"id": id, "url": url})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "source_id")
	if !ok {
		return
	}
	src, err := s.deps.Registry.GetSourceByID(r.Context(), id)
	if err != nil {
		s.storeFailure(w, "get source", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"source": src})
}

func (s *Server) lookupSource(w http.ResponseWriter, r *http.Request) {
	url := harvest.CanonicalURL(r.URL.Query().Get("url"))
	if url == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	src, err := s.deps.Registry.GetSourceByURL(r.Context(), url)
	if err != nil {
		s.storeFailure(w, "lookup source", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"source": src})
}

// editSource applies a partial update; omitted fields keep their value.
func (s *Server) editSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "source_id")
	if !ok {
		return
	}
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	src, err := s.deps.Registry.GetSourceByID(r.Context(), id)
	if err != nil {
		s.storeFailure(w, "get source", err)
		return
	}
	if req.URL != "" && harvest.CanonicalURL(req.URL) != src.URL {
		middleware.WriteError(w, http.StatusBadRequest, "url cannot be changed")
		return
	}
	src.IntervalMinutes = valueOrDefault(req.IntervalMinutes, src.IntervalMinutes)
	src.PrioritySource = valueOrDefault(req.PrioritySource, src.PrioritySource)
	src.PermanentError = valueOrDefault(req.PermanentError, src.PermanentError)
	if src.IntervalMinutes < 0 {
		middleware.WriteError(w, http.StatusBadRequest, "interval_minutes must be >= 0")
		return
	}
	if req.Emails != "" {
		src.Emails = req.Emails
	}
	if req.Owner != "" {
		src.Owner = req.Owner
	}
	if req.MediaType != "" {
		src.MediaType = req.MediaType
	}
	if err := s.deps.Registry.EditSource(r.Context(), src); err != nil {
		s.storeFailure(w, "edit source", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"source": src})
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "source_id")
	if !ok {
		return
	}
	src, err := s.deps.Registry.GetSourceByID(r.Context(), id)
	if err != nil {
		s.storeFailure(w, "get source", err)
		return
	}
	s.queueForDeletion(r.Context(), w, []string{src.URL})
}

func (s *Server) deleteSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := canonicalURLs(req.URLs)
	if len(urls) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "urls required")
		return
	}
	s.queueForDeletion(r.Context(), w, urls)
}

func (s *Server) queueForDeletion(ctx context.Context, w http.ResponseWriter, urls []string) {
	if err := s.deps.Registry.QueueForDeletion(ctx, urls); err != nil {
		s.storeFailure(w, "queue for deletion", err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{"queued_for_deletion": urls})
}

func (s *Server) pendingDeletion(w http.ResponseWriter, r *http.Request) {
	urls, err := s.deps.Registry.ScheduledForDeletion(r.Context())
	if err != nil {
		s.storeFailure(w, "scheduled for deletion", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

func (s *Server) listHarvests(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "source_id")
	if !ok {
		return
	}
	limit, _, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	harvests, err := s.deps.History.ListHarvests(r.Context(), id, limit)
	if err != nil {
		s.storeFailure(w, "list harvests", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"harvests": harvests})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "harvest_id")
	if !ok {
		return
	}
	msgs, err := s.deps.History.ListMessages(r.Context(), id)
	if err != nil {
		s.storeFailure(w, "list messages", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) urgency(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.deps.Registry.UrgencySourcesCount(r.Context())
	if err != nil {
		s.storeFailure(w, "urgency count", err)
		return
	}
	scores, err := s.deps.Registry.UrgencyOfComingHarvests(r.Context(), limit)
	if err != nil {
		s.storeFailure(w, "urgency of coming harvests", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"schedulable": count, "sources": scores})
}

func (s *Server) urgentLen(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Urgent.Len(r.Context())
	if err != nil {
		s.storeFailure(w, "urgent queue length", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int64{"queued": n})
}

func (s *Server) enqueuePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL  string   `json:"url"`
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := canonicalURLs(append([]string{req.URL}, req.URLs...))
	if len(urls) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.deps.Urgent.EnqueuePullBatch(r.Context(), urls); err != nil {
		s.storeFailure(w, "enqueue pull", err)
		return
	}
	for range urls {
		metrics.ObserveUrgentItem("pull", "enqueued")
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": urls})
}

// enqueuePush accepts either a JSON body {"url","content"} or a raw RDF body
// with the source given as ?url=.
func (s *Server) enqueuePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes+1))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxPushBytes {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "pushed content too large")
		return
	}
	url, content := r.URL.Query().Get("url"), string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			URL     string `json:"url"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		url, content = req.URL, req.Content
	}
	url = harvest.CanonicalURL(url)
	if url == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.deps.Urgent.EnqueuePush(r.Context(), url, content); err != nil {
		s.storeFailure(w, "enqueue push", err)
		return
	}
	metrics.ObserveUrgentItem("push", "enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": url, "bytes": len(content)})
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, harvest.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	status := http.StatusInternalServerError
	if harvest.IsRetryable(err) {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteError(w, status, op+" failed")
}

func parseListRequest(r *http.Request) (harvest.ListRequest, error) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		return harvest.ListRequest{}, err
	}
	q := r.URL.Query()
	req := harvest.ListRequest{
		Search:   strings.TrimSpace(q.Get("search")),
		Offset:   offset,
		Limit:    limit,
		SortBy:   q.Get("sort"),
		SortDesc: q.Get("order") == "desc",
	}
	switch f := harvest.ListFilter(strings.ToLower(q.Get("filter"))); f {
	case harvest.FilterAll, harvest.FilterFailed, harvest.FilterUnavailable, harvest.FilterPriority:
		req.Filter = f
	default:
		return harvest.ListRequest{}, errors.New("invalid filter")
	}
	return req, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "invalid "+strings.ReplaceAll(name, "_", " "))
		return 0, false
	}
	return id, true
}

func canonicalURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if c := harvest.CanonicalURL(u); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}
