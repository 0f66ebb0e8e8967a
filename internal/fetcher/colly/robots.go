package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/metrics"
)

// allowAllRobots is served in place of an unreachable robots.txt.
const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard wraps the fetch transport for one harvest. Requests for
// /robots.txt are retried on transient failures; when every attempt fails the
// source host is treated as allow-all and the guard remembers it, so the
// harvest can say so in its messages. All other requests pass through.
type robotsGuard struct {
	base    http.RoundTripper
	backoff []time.Duration

	fellBack bool
	lastErr  error
}

func newRobotsGuard(base http.RoundTripper, backoff []time.Duration) *robotsGuard {
	return &robotsGuard{base: base, backoff: backoff}
}

func (p *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := p.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("fetch transport: %w", err)
		}
		return resp, nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := p.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !transientRobotsError(err) {
			return nil, fmt.Errorf("robots guard %s: %w", req.URL.Host, err)
		}
		if attempt >= len(p.backoff) {
			p.fallBack(err)
			return allowAllResponse(req), nil
		}
		if err := pause(req.Context(), p.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots guard backoff: %w", err)
		}
	}
}

func (p *robotsGuard) fallBack(err error) {
	p.lastErr = err
	if p.fellBack {
		return
	}
	p.fellBack = true
	metrics.ObserveRobotsFallback()
}

// transientRobotsError covers timeouts and handshake stalls; a refused
// connection means the source itself is down and the fetch should fail.
func transientRobotsError(err error) bool {
	if strings.Contains(err.Error(), "tls: handshake timeout") {
		return true
	}
	if !harvest.IsRetryable(err) {
		return false
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		return timeout.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}
