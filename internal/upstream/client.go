// Package upstream talks to the site's API origin. Every call goes through a
// circuit breaker so a dead origin fails fast instead of stacking timeouts.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"offline0/internal/logx"
)

// StatusError is a non-2xx answer from the origin.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying later can help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsPermanent reports an error that a later retry will not fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}

// IsCircuitOpen reports a call the breaker refused without reaching the
// origin.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

type Client struct {
	origin string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

type Option func(*config)

type config struct {
	http    *http.Client
	log     *zap.Logger
	breaker BreakerSettings
}

func WithHTTPClient(c *http.Client) Option { return func(o *config) { o.http = c } }

func WithLogger(log *zap.Logger) Option { return func(o *config) { o.log = logx.OrNop(log) } }

func WithBreaker(s BreakerSettings) Option { return func(o *config) { o.breaker = s } }

func New(origin string, opts ...Option) *Client {
	o := config{
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zap.NewNop(),
		breaker: DefaultBreakerSettings(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	c := &Client{
		origin: strings.TrimRight(origin, "/"),
		http:   o.http,
		log:    o.log,
	}
	bs := o.breaker
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bs.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		// Client errors say nothing about origin health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})
	return c
}

// URL resolves path against the origin. Absolute URLs pass through.
func (c *Client) URL(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.origin + path
}

// Do sends one request and returns the response when it is 2xx. Other
// statuses come back as *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (Response, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, method, c.URL(path), header, body)
	})
	if err != nil {
		return Response{}, err
	}
	return out.(Response), nil
}

func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, header)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Response{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	out := Response{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: b}
	out.Header.Del("Content-Length")
	return out, nil
}

// Get fetches path.
func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	return c.Do(ctx, http.MethodGet, path, http.Header{"Accept": {"application/json"}}, nil)
}

// PostJSON sends v as a JSON body. extra headers are added on top.
func (c *Client) PostJSON(ctx context.Context, path string, v any, extra http.Header) (Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request body: %w", err)
	}
	return c.PostRaw(ctx, path, body, extra)
}

// PostRaw sends already encoded JSON.
func (c *Client) PostRaw(ctx context.Context, path string, body []byte, extra http.Header) (Response, error) {
	h := http.Header{"Content-Type": {"application/json"}}
	copyHeaders(h, extra)
	return c.Do(ctx, http.MethodPost, path, h, body)
}

// Probe reports whether the origin answers at all. Any status below 500
// counts as reachable. It bypasses the breaker so it can observe recovery.
func (c *Client) Probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
