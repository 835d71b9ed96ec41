// Package replay holds the handlers the background agent runs for queued
// operations once the origin is reachable again.
package replay

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"offline0/internal/agent"
	"offline0/internal/logx"
	"offline0/internal/push"
	"offline0/internal/syncq"
	"offline0/internal/upstream"
)

// Notifier is told about operations that went through after being queued.
type Notifier interface {
	ShowNotification(ctx context.Context, title string, n push.Notification) error
}

type Replayer struct {
	queue  *syncq.Queue
	up     *upstream.Client
	routes map[string]string
	notify Notifier
	log    *zap.Logger
}

type Option func(*Replayer)

func WithLogger(log *zap.Logger) Option { return func(r *Replayer) { r.log = logx.OrNop(log) } }

func WithNotifier(n Notifier) Option { return func(r *Replayer) { r.notify = n } }

// New returns a replayer that posts payloads of each category in routes to
// the mapped upstream path.
func New(queue *syncq.Queue, up *upstream.Client, routes map[string]string, opts ...Option) *Replayer {
	r := &Replayer{queue: queue, up: up, routes: routes, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach installs the replay handlers on a.
func (r *Replayer) Attach(a *agent.Agent) {
	for category := range r.routes {
		a.Handle(category, r.Route)
	}
	a.Handle(syncq.TagFailedRequest, r.FailedRequest)
}

// Route posts the payload stored under tag to the path mapped for its
// category.
func (r *Replayer) Route(ctx context.Context, tag string) error {
	path, ok := r.routes[syncq.Category(tag)]
	if !ok {
		return fmt.Errorf("replay: no route for %q", tag)
	}
	op, ok, err := r.queue.Load(ctx, tag)
	if err != nil {
		return err
	}
	if !ok {
		// Already replayed by an earlier run.
		return nil
	}

	h := http.Header{"Idempotency-Key": {idempotencyKey(op)}}
	if _, err := r.up.PostRaw(ctx, path, op.Payload, h); err != nil {
		if upstream.IsPermanent(err) {
			r.log.Warn("origin rejected queued payload, discarding", zap.String("tag", tag), zap.Error(err))
			return r.discard(ctx, op)
		}
		return retryable(err)
	}
	return r.done(ctx, op)
}

// FailedRequest re-issues a request queued with QueueFailedRequest.
func (r *Replayer) FailedRequest(ctx context.Context, tag string) error {
	op, ok, err := r.queue.Load(ctx, tag)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var req syncq.FailedRequest
	if err := op.Decode(&req); err != nil {
		// Undecodable records never succeed; drop them.
		r.log.Error("bad failed-request record, discarding", zap.String("tag", tag), zap.Error(err))
		return r.discard(ctx, op)
	}

	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("Idempotency-Key") == "" {
		h.Set("Idempotency-Key", idempotencyKey(op))
	}
	if _, err := r.up.Do(ctx, req.Method, req.URL, h, req.Body); err != nil {
		if upstream.IsPermanent(err) {
			r.log.Warn("origin rejected queued request, discarding",
				zap.String("tag", tag), zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
			return r.discard(ctx, op)
		}
		return retryable(err)
	}
	return r.done(ctx, op)
}

// discard drops op unless a newer operation replaced it under the same tag.
func (r *Replayer) discard(ctx context.Context, op syncq.Operation) error {
	_, err := r.queue.ClearIf(ctx, op.Tag, op.ID)
	return err
}

func (r *Replayer) done(ctx context.Context, op syncq.Operation) error {
	if _, err := r.queue.ClearIf(ctx, op.Tag, op.ID); err != nil {
		// The operation reached the origin; a leftover record only means
		// one more idempotent replay.
		r.log.Warn("failed to clear replayed record", zap.String("tag", op.Tag), zap.Error(err))
	}
	if r.notify != nil {
		n := push.Notification{Body: "Your request was sent now that you are back online.", Tag: op.Tag}
		if err := r.notify.ShowNotification(ctx, "Sent", n); err != nil {
			r.log.Debug("notification failed", zap.Error(err))
		}
	}
	return nil
}

// retryable marks breaker refusals so the agent does not count them as
// attempts; the request never reached the origin.
func retryable(err error) error {
	if upstream.IsCircuitOpen(err) {
		return fmt.Errorf("%w: %w", agent.ErrRetryLater, err)
	}
	return err
}

func idempotencyKey(op syncq.Operation) string {
	if op.ID == "" {
		// Records written before operations carried an ID.
		return op.Tag + "-" + strconv.FormatInt(op.EnqueuedAt, 10)
	}
	return op.Tag + "-" + op.ID
}
