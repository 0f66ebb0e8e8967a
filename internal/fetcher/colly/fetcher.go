// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// DefaultAccept prefers RDF serializations the decoder understands.
const DefaultAccept = "application/rdf+xml, text/turtle;q=0.9, application/n-triples;q=0.9, " +
	"application/xml;q=0.5, text/plain;q=0.3, */*;q=0.1"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Accept        string
	// MaxBodySize caps the document size in bytes. Zero means unlimited.
	MaxBodySize int
	// Limiter, when set, is waited on before every fetch.
	Limiter Limiter
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	robotsBackoff []time.Duration
}

var _ harvest.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	// Sources are fetched again on every scheduled harvest.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.MaxBodySize = cfg.MaxBodySize

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		robotsBackoff: defaultRobotsBackoff,
	}
}

// Fetch downloads url. Non-2xx answers and transport failures are returned as
// *harvest.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (harvest.Document, error) {
	var (
		doc        harvest.Document
		fetchErr   error
		statusCode int
	)
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, url); err != nil {
			return harvest.Document{}, &harvest.FetchError{URL: url, Err: err}
		}
	}
	start := time.Now()
	collector, guard := f.buildCollector(start, &doc, &fetchErr, &statusCode)

	err := f.runCollector(ctx, collector, url, &fetchErr)
	metrics.ObserveFetch(max(statusCode, doc.StatusCode), time.Since(start))
	if err != nil {
		return harvest.Document{}, &harvest.FetchError{URL: url, StatusCode: statusCode, Err: err}
	}
	doc.RobotsFallback = guard != nil && guard.fellBack
	return doc, nil
}

func (f *Fetcher) buildCollector(
	start time.Time,
	doc *harvest.Document,
	fetchErr *error,
	statusCode *int,
) (*colly.Collector, *robotsGuard) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	var guard *robotsGuard
	if f.cfg.RespectRobots {
		guard = newRobotsGuard(baseTransport, f.robotsBackoff)
		collector.WithTransport(guard)
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, start, doc, fetchErr, statusCode)
	return collector, guard
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	doc *harvest.Document,
	fetchErr *error,
	statusCode *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*doc = harvest.Document{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
