package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

const turtleDoc = "@prefix ex: <http://example.com/> .\nex:a ex:b ex:c .\n"

func newRDFServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data.ttl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/turtle")
		w.Header().Set("X-Seen-Accept", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(turtleDoc))
	})
	mux.HandleFunc("/gone.rdf", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsDocumentAndAllowsRevisits(t *testing.T) {
	t.Parallel()
	srv := newRDFServer(t)
	f := New(Config{UserAgent: "harvester-test", RespectRobots: true, Timeout: 5 * time.Second})

	for range 2 {
		doc, err := f.Fetch(context.Background(), srv.URL+"/data.ttl")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, doc.StatusCode)
		require.Equal(t, "text/turtle", doc.ContentType)
		require.Equal(t, turtleDoc, string(doc.Body))
		require.Equal(t, srv.URL+"/data.ttl", doc.URL)
	}
}

func TestFetchReportsHTTPErrorsAsFetchError(t *testing.T) {
	t.Parallel()
	srv := newRDFServer(t)
	f := New(Config{Timeout: 5 * time.Second})

	_, err := f.Fetch(context.Background(), srv.URL+"/gone.rdf")
	var fetchErr *harvest.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusGone, fetchErr.StatusCode)
	require.Equal(t, srv.URL+"/gone.rdf", fetchErr.URL)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, srv.URL+"/slow.nt")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Accept: "text/turtle"})
	start := time.Unix(0, 0)
	var (
		doc      harvest.Document
		fetchErr error
		status   int
	)

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, start, &doc, &fetchErr, &status)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "text/turtle", collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<a> <b> <c> ."),
		Headers:    &http.Header{"Content-Type": {"application/n-triples"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/x.nt")},
	})
	require.Equal(t, "application/n-triples", doc.ContentType)
	require.Equal(t, "<a> <b> <c> .", string(doc.Body))

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.EqualError(t, fetchErr, "Not Found")
	require.Equal(t, http.StatusNotFound, status)
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: false, Timeout: time.Second})
	var status int
	collector, guard := f.buildCollector(time.Unix(0, 0), &harvest.Document{}, new(error), &status)
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
	require.Nil(t, guard)

	f = New(Config{RespectRobots: true})
	collector, guard = f.buildCollector(time.Unix(0, 0), &harvest.Document{}, new(error), &status)
	require.False(t, collector.IgnoreRobotsTxt)
	require.NotNil(t, guard)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type stubLimiter struct {
	urls []string
	err  error
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.urls = append(s.urls, url)
	return s.err
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()
	srv := newRDFServer(t)

	limiter := &stubLimiter{}
	f := New(Config{Timeout: 5 * time.Second, Limiter: limiter})
	_, err := f.Fetch(context.Background(), srv.URL+"/data.ttl")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/data.ttl"}, limiter.urls)

	limiter.err = context.DeadlineExceeded
	_, err = f.Fetch(context.Background(), srv.URL+"/data.ttl")
	var fetchErr *harvest.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
	require.True(t, harvest.IsRetryable(err))
}
