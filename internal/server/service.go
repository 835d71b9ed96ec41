// Package server wires the offline layer into an HTTP service that sits
// between browser clients and the site's API origin.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"offline0/internal/agent"
	"offline0/internal/config"
	"offline0/internal/contentcache"
	"offline0/internal/logx"
	"offline0/internal/push"
	"offline0/internal/replay"
	"offline0/internal/stats"
	"offline0/internal/store"
	"offline0/internal/syncq"
	"offline0/internal/upstream"
)

type Service struct {
	cfg config.Config
	log *zap.Logger

	store    *store.Store
	registry *prometheus.Registry
	stats    *stats.Collector
	up       *upstream.Client
	agent    *agent.Agent
	queue    *syncq.Queue
	sync     *syncq.Coordinator
	cache    *contentcache.Cache[json.RawMessage]
	push     *push.Manager
	validate *validator.Validate

	// httpClient fetches sitemaps, which may live off-origin.
	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithUpstream replaces the origin client built from config.
func WithUpstream(up *upstream.Client) Option { return func(s *Service) { s.up = up } }

// WithStore replaces the store built from config.
func WithStore(st *store.Store) Option { return func(s *Service) { s.store = st } }

// NewService builds every component from cfg. Background loops start with
// Start and stop with Close.
func NewService(cfg config.Config, log *zap.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		log:        logx.OrNop(log),
		registry:   prometheus.NewRegistry(),
		validate:   validator.New(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	st, err := stats.New(s.registry)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	s.stats = st

	if s.store == nil {
		sopts := []store.Option{store.WithLogger(s.log.Named("store"))}
		if cfg.FallbackToMemory() {
			sopts = append(sopts, store.WithFallback(store.OpenMemory()))
		}
		s.store = store.New(openerFor(&cfg), sopts...)
	}
	if s.up == nil {
		s.up = upstream.New(cfg.Server.Origin, upstream.WithLogger(s.log.Named("upstream")))
	}

	probePath := cfg.Sync.ProbePath
	s.agent = agent.New(agent.Options{
		Background:  cfg.BackgroundSync(),
		Replay:      cfg.ReplaySync(),
		Every:       cfg.ProbeEvery(),
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, agent.ProberFunc(func(ctx context.Context) error {
		return s.up.Probe(ctx, probePath)
	}), agent.WithLogger(s.log.Named("agent")), agent.WithStats(s.stats))

	s.queue = syncq.NewQueue(s.store)
	s.sync = syncq.New(s.queue, s.agent, syncq.WithLogger(s.log.Named("sync")), syncq.WithStats(s.stats))

	s.push = push.NewManager(
		push.NewLocal(cfg.Push.VAPIDPublicKey != "", push.Permission(cfg.Push.Permission), s.log.Named("notify")),
		cfg.Push.VAPIDPublicKey,
		push.WithLogger(s.log.Named("push")),
		push.WithServer(s.up, cfg.Push.SubscribePath),
	)

	replay.New(s.queue, s.up, cfg.Sync.Routes,
		replay.WithLogger(s.log.Named("replay")),
		replay.WithNotifier(s.push),
	).Attach(s.agent)

	copts := []contentcache.Option{
		contentcache.WithTTL(cfg.CacheTTL()),
		contentcache.WithLogger(s.log.Named("cache")),
		contentcache.WithStats(s.stats),
	}
	if cfg.Cache.MaxEntries > 0 {
		copts = append(copts, contentcache.WithMaxEntries(cfg.Cache.MaxEntries))
	}
	s.cache = contentcache.New[json.RawMessage](s.store, copts...)

	return s, nil
}

func openerFor(cfg *config.Config) store.Opener {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return store.OpenSQLite(cfg.Storage.Path)
	case config.BackendMemory:
		return store.OpenMemory()
	default:
		return store.OpenLevelDB(cfg.Storage.Path, store.LevelDBOptions{
			WriteBuffer: cfg.LevelDBWriteBuffer(),
			BlockCache:  cfg.LevelDBBlockCache(),
		})
	}
}

// Start restores queued replays and launches the background loops.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if tags, err := s.queue.Tags(s.ctx); err != nil {
		s.log.Warn("could not list queued operations", zap.Error(err))
	} else if s.sync.IsSupported() {
		s.agent.Restore(s.ctx, tags)
	}

	s.goLoop(s.agent.Run)
	s.goLoop(func(ctx context.Context) { s.cache.Run(ctx, s.cfg.CacheSweepEvery()) })
	if len(s.cfg.Cache.Preload.Sitemaps) > 0 {
		s.goLoop(s.preloadLoop)
	}
	if every := s.cfg.LogStatsEvery(); every > 0 {
		s.goLoop(func(ctx context.Context) { s.statsLoop(ctx, every) })
	}
}

func (s *Service) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.store.Close()
}
