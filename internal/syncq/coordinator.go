// Package syncq turns "this failed, retry later" into a durable queue record
// plus a replay registration with the host's background agent.
//
// The coordinator never replays anything itself. The host runs the replay
// callbacks at a time of its choosing; those read the record back through
// Queue, retry, and clear it.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logx"
	"offline0/internal/stats"
	"offline0/internal/store"
)

var ErrEmptyTag = errors.New("syncq: empty tag")

// Host is the platform's background-replay capability.
type Host interface {
	// BackgroundAvailable reports page-independent background execution.
	BackgroundAvailable() bool
	// ReplayAvailable reports the replay registration API.
	ReplayAvailable() bool
	// RegisterReplay asks the host to run the replay callback for tag once
	// connectivity returns. The error covers the registration only.
	RegisterReplay(ctx context.Context, tag string) error
}

type Coordinator struct {
	host  Host
	queue *Queue
	log   *zap.Logger
	warn  *logx.RateLimited
	stats *stats.Collector
	now   func() time.Time
}

type Option func(*Coordinator)

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = logx.OrNop(log) }
}

func WithStats(s *stats.Collector) Option {
	return func(c *Coordinator) { c.stats = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(queue *Queue, host Host, opts ...Option) *Coordinator {
	c := &Coordinator{
		host:  host,
		queue: queue,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.warn = logx.NewRateLimited(c.log, time.Minute)
	return c
}

// IsSupported reports whether the host can both run code in the background
// and accept replay registrations.
func (c *Coordinator) IsSupported() bool {
	return c.host != nil && c.host.BackgroundAvailable() && c.host.ReplayAvailable()
}

// Enqueue persists payload under tag and registers tag for replay. It reports
// false when durability is unavailable or registration failed; the caller
// must then tell the user the operation was not saved. The returned error is
// reserved for programmer errors: an empty tag or a payload that cannot be
// serialized.
//
// A nil payload registers the tag without writing a record and drops any
// record still stored under it. A second Enqueue with the same tag replaces
// the first; callers that must not collide use NewTag.
func (c *Coordinator) Enqueue(ctx context.Context, tag string, payload any) (bool, error) {
	if tag == "" {
		return false, ErrEmptyTag
	}
	category := Category(tag)
	if !c.IsSupported() {
		c.warn.Warn("background sync unavailable, operation not saved", zap.String("tag", tag))
		c.stats.Enqueue(category, "unsupported")
		return false, nil
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.stats.Enqueue(category, "invalid")
			return false, &store.SerializationError{Collection: store.CollectionSyncData, Key: tag, Err: err}
		}
		op := Operation{ID: newID(), Tag: tag, Payload: raw, EnqueuedAt: c.now().UnixMilli()}
		if err := c.queue.put(ctx, op); err != nil {
			if store.IsSerialization(err) {
				return false, err
			}
			c.log.Error("failed to persist sync operation", zap.String("tag", tag), zap.Error(err))
			c.stats.Enqueue(category, "storage_error")
			return false, nil
		}
	} else if err := c.queue.Clear(ctx, tag); err != nil {
		// A stale record left under tag would be replayed in place of
		// this registration.
		c.log.Error("failed to clear sync operation", zap.String("tag", tag), zap.Error(err))
		c.stats.Enqueue(category, "storage_error")
		return false, nil
	}

	if err := c.host.RegisterReplay(ctx, tag); err != nil {
		c.log.Error("failed to register background sync", zap.String("tag", tag), zap.Error(err))
		c.stats.Enqueue(category, "register_error")
		return false, nil
	}

	c.log.Info("background sync registered", zap.String("tag", tag))
	c.stats.Enqueue(category, "queued")
	return true, nil
}

// FailedRequest is a network call to re-issue verbatim on replay.
type FailedRequest struct {
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// QueueFailedRequest enqueues req under TagFailedRequest.
func (c *Coordinator) QueueFailedRequest(ctx context.Context, req FailedRequest) (bool, error) {
	return c.QueueFailedRequestAs(ctx, TagFailedRequest, req)
}

// QueueFailedRequestAs enqueues req under tag, normally one minted with
// NewTag(TagFailedRequest) so concurrent clients keep separate records.
func (c *Coordinator) QueueFailedRequestAs(ctx context.Context, tag string, req FailedRequest) (bool, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Timestamp = c.now().UnixMilli()
	return c.Enqueue(ctx, tag, req)
}
