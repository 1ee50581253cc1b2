// Package collyfetcher implements inat.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Proxy       string
	MaxBodySize int
}

// Fetcher implements inat.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Proxy accepts http(s):// and socks5(h):// URLs.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport, err := NewTransport(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	}
	// colly cuts bodies at its limit without an error, so it reads one byte
	// past ours to make overflow detectable. Zero lifts colly's own default.
	readLimit := 0
	if cfg.MaxBodySize > 0 {
		readLimit = cfg.MaxBodySize + 1
	}
	opts = append(opts, colly.MaxBodySize(readLimit))
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}, nil
}

// Fetch executes a single HTTP GET using Colly. Responses with status >= 400
// are returned alongside an *inat.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request inat.FetchRequest) (inat.FetchResponse, error) {
	var (
		result   inat.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return inat.FetchResponse{}, &inat.FetchError{
			ObservationID: request.ObservationID,
			URL:           request.URL,
			Cause:         err,
		}
	}
	if result.StatusCode >= http.StatusBadRequest {
		return result, &inat.FetchError{
			ObservationID: request.ObservationID,
			URL:           request.URL,
			StatusCode:    result.StatusCode,
			RetryAfter:    parseRetryAfter(result.Headers.Get("Retry-After"), time.Now()),
			Cause:         errors.New(http.StatusText(result.StatusCode)),
		}
	}
	if err := f.checkBody(result); err != nil {
		result.Body = nil
		return result, &inat.FetchError{
			ObservationID: request.ObservationID,
			URL:           request.URL,
			StatusCode:    result.StatusCode,
			Cause:         err,
		}
	}
	return result, nil
}

// checkBody rejects bodies over the size limit and bodies shorter than the
// Content-Length the server announced.
func (f *Fetcher) checkBody(resp inat.FetchResponse) error {
	if f.cfg.MaxBodySize > 0 && len(resp.Body) > f.cfg.MaxBodySize {
		return fmt.Errorf("%w: more than %d bytes", inat.ErrBodyTooLarge, f.cfg.MaxBodySize)
	}
	if resp.Headers.Get("Content-Encoding") != "" {
		return nil
	}
	if raw := resp.Headers.Get("Content-Length"); raw != "" {
		if want, err := strconv.Atoi(raw); err == nil && len(resp.Body) < want {
			return fmt.Errorf("%w: got %d of %d bytes", inat.ErrTruncatedBody, len(resp.Body), want)
		}
	}
	return nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request inat.FetchRequest,
	start time.Time,
	result *inat.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = inat.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
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
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request inat.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
