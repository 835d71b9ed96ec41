// Package agent stands in for the host platform's background agent.
//
// It accepts replay registrations from the sync coordinator, watches
// connectivity, and when the origin is reachable runs the replay callback
// registered for each pending tag. Callbacks may run more than once for the
// same record and must be idempotent.
package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logx"
	"offline0/internal/stats"
)

var ErrReplayUnavailable = errors.New("agent: replay registration unavailable")

// ErrRetryLater, wrapped by a ReplayFunc, means the operation was not tried
// at all. The registration stays pending without spending an attempt and the
// rest of the pass is skipped.
var ErrRetryLater = errors.New("agent: retry later")

// ReplayFunc retries the operation queued under tag. A nil error means the
// operation is done and its registration can be dropped.
type ReplayFunc func(ctx context.Context, tag string) error

// Prober checks connectivity; a nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Options struct {
	Background  bool
	Replay      bool
	Every       time.Duration
	MaxAttempts int
	// Timeout bounds a single replay callback.
	Timeout time.Duration
}

type registration struct {
	attempts int
	gen      uint64
}

type Agent struct {
	opts  Options
	probe Prober
	log   *zap.Logger
	stats *stats.Collector

	mu       sync.Mutex
	pending  map[string]*registration
	handlers map[string]ReplayFunc
	gen      uint64
	online   bool

	replayMu sync.Mutex
	wake     chan struct{}
}

type Option func(*Agent)

func WithLogger(log *zap.Logger) Option { return func(a *Agent) { a.log = logx.OrNop(log) } }

func WithStats(s *stats.Collector) Option { return func(a *Agent) { a.stats = s } }

func New(opts Options, probe Prober, options ...Option) *Agent {
	if opts.Every <= 0 {
		opts.Every = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	a := &Agent{
		opts:     opts,
		probe:    probe,
		log:      zap.NewNop(),
		pending:  map[string]*registration{},
		handlers: map[string]ReplayFunc{},
		online:   true,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *Agent) BackgroundAvailable() bool { return a.opts.Background }

func (a *Agent) ReplayAvailable() bool { return a.opts.Replay }

// RegisterReplay records tag for replay. Registering a pending tag again
// resets its attempt count.
func (a *Agent) RegisterReplay(_ context.Context, tag string) error {
	if !a.opts.Replay {
		return ErrReplayUnavailable
	}
	if tag == "" {
		return errors.New("agent: empty tag")
	}
	a.mu.Lock()
	a.gen++
	a.pending[tag] = &registration{gen: a.gen}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Handle installs fn for tags equal to pattern or starting with pattern+":".
func (a *Agent) Handle(pattern string, fn ReplayFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[pattern] = fn
}

// Restore re-registers tags that were queued before a restart.
func (a *Agent) Restore(ctx context.Context, tags []string) int {
	n := 0
	for _, tag := range tags {
		if err := a.RegisterReplay(ctx, tag); err == nil {
			n++
		}
	}
	if n > 0 {
		a.log.Info("restored pending replays", zap.Int("count", n))
	}
	return n
}

// Pending lists registered tags.
func (a *Agent) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for tag := range a.pending {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// IsOnline returns the last observed connectivity state.
func (a *Agent) IsOnline() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// CheckOnline probes connectivity now and remembers the result.
func (a *Agent) CheckOnline(ctx context.Context) bool {
	online := true
	if a.probe != nil {
		if err := a.probe.Probe(ctx); err != nil {
			online = false
			a.log.Debug("connectivity probe failed", zap.Error(err))
		}
	}
	a.mu.Lock()
	changed := a.online != online
	a.online = online
	a.mu.Unlock()
	if changed {
		a.log.Info("connectivity changed", zap.Bool("online", online))
	}
	return online
}

func (a *Agent) handlerFor(tag string) ReplayFunc {
	if fn, ok := a.handlers[tag]; ok {
		return fn
	}
	if i := strings.Index(tag, ":"); i >= 0 {
		return a.handlers[tag[:i]]
	}
	return nil
}

func category(tag string) string {
	if i := strings.Index(tag, ":"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// ReplayOnce runs one replay pass if the origin is reachable and reports how
// many registrations completed and how many failed.
func (a *Agent) ReplayOnce(ctx context.Context) (done, failed int) {
	a.replayMu.Lock()
	defer a.replayMu.Unlock()

	if len(a.Pending()) == 0 {
		return 0, 0
	}
	if !a.CheckOnline(ctx) {
		return 0, 0
	}

	for _, tag := range a.Pending() {
		if ctx.Err() != nil {
			return done, failed
		}
		a.mu.Lock()
		reg, ok := a.pending[tag]
		var gen uint64
		if ok {
			gen = reg.gen
		}
		fn := a.handlerFor(tag)
		a.mu.Unlock()
		if !ok {
			continue
		}
		if fn == nil {
			a.log.Warn("no replay handler, dropping registration", zap.String("tag", tag))
			a.drop(tag, gen)
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		err := fn(hctx, tag)
		cancel()

		if err == nil {
			a.drop(tag, gen)
			a.stats.Replay(category(tag), "ok")
			a.log.Info("replay succeeded", zap.String("tag", tag))
			done++
			continue
		}

		if errors.Is(err, ErrRetryLater) {
			a.log.Debug("replay deferred", zap.String("tag", tag), zap.Error(err))
			a.stats.Replay(category(tag), "deferred")
			return done, failed
		}

		failed++
		a.stats.Replay(category(tag), "error")
		a.mu.Lock()
		reg, ok = a.pending[tag]
		giveUp := false
		if ok && reg.gen == gen {
			reg.attempts++
			if reg.attempts >= a.opts.MaxAttempts {
				delete(a.pending, tag)
				giveUp = true
			}
		}
		a.mu.Unlock()
		if giveUp {
			// The queued record stays in the store; only a new registration
			// or a restart will replay it.
			a.log.Warn("replay failed, giving up", zap.String("tag", tag), zap.Error(err))
			a.stats.Replay(category(tag), "abandoned")
		} else {
			a.log.Warn("replay failed, will retry", zap.String("tag", tag), zap.Error(err))
		}
	}
	return done, failed
}

// drop removes tag unless it was registered again after gen.
func (a *Agent) drop(tag string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reg, ok := a.pending[tag]; ok && reg.gen == gen {
		delete(a.pending, tag)
	}
}

// Run replays on every tick and whenever a new tag is registered, until ctx
// is done.
func (a *Agent) Run(ctx context.Context) {
	t := time.NewTicker(a.opts.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if len(a.Pending()) == 0 {
				a.CheckOnline(ctx)
				continue
			}
		case <-a.wake:
		}
		a.ReplayOnce(ctx)
	}
}
