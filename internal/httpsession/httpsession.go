// Package httpsession implements the shared, retrying HTTP client used by
// every layer Fetcher to reach upstream tile servers (spec.md §4.3,
// §5 "one HTTP session per process, shared across layers"). It is
// grounded on the original source's `prepare_opener` (single cookiejar,
// exponential backoff retry of transport failures only) and follows the
// teacher's pattern of passing a single *http.Client down into fetch
// functions rather than each one building its own.
package httpsession

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"
)

const userAgent = "Mozilla/5.0 (Windows NT 6.1; Win64; x64; rv:45.0) Gecko/20100101 Firefox/45.0"

// Session wraps an *http.Client with a shared cookie jar and a retry
// policy that only retries transport-level failures (connection resets,
// timeouts, DNS errors) — never HTTP responses with a status code, since
// a 404 or 403 is data, not a transient fault (spec.md §9's "dead tile"
// handling lives one layer up, in the Fetcher).
type Session struct {
	client  *http.Client
	tries   int
	delay   time.Duration
	backoff float64
}

// Option configures a Session.
type Option func(*Session)

// WithRetry overrides the default retry policy: up to tries attempts
// total, waiting delay before the first retry and multiplying the wait by
// backoff after each subsequent failure.
func WithRetry(tries int, delay time.Duration, backoff float64) Option {
	return func(s *Session) {
		s.tries = tries
		s.delay = delay
		s.backoff = backoff
	}
}

// WithTimeout overrides the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.client.Timeout = d
	}
}

// New returns a Session with the default retry policy: 3 attempts, an
// initial 3s delay, and a 2x backoff multiplier, matching the original
// source's prepare_opener defaults.
func New(opts ...Option) *Session {
	jar, _ := cookiejar.New(nil)
	s := &Session{
		client:  &http.Client{Jar: jar, Timeout: 30 * time.Second},
		tries:   3,
		delay:   3 * time.Second,
		backoff: 2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get fetches url with the configured User-Agent and any extra headers,
// retrying transport failures per the configured backoff policy. The
// caller is responsible for closing the response body and for
// interpreting non-2xx status codes; Get returns a non-nil error only
// when every attempt failed at the transport level.
func (s *Session) Get(url string, headers map[string]string) (*http.Response, error) {
	delay := s.delay
	var lastErr error
	for attempt := 1; attempt <= s.tries; attempt++ {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("httpsession: building request for %s: %w", url, err)
		}
		req.Header.Set("User-Agent", userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < s.tries {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * s.backoff)
		}
	}
	return nil, fmt.Errorf("httpsession: fetching %s after %d attempts: %w", url, s.tries, lastErr)
}

// ReadAllClose reads resp.Body to completion and closes it, the common
// pattern every Fetcher needs after Get succeeds.
func ReadAllClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
