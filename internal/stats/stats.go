// Package stats counts queue, replay and cache activity. A nil *Collector is
// valid and records nothing.
package stats

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	enqueues  *prometheus.CounterVec
	replays   *prometheus.CounterVec
	cacheReqs *prometheus.CounterVec
	evictions *prometheus.CounterVec

	totalBodies atomic.Uint64
	totalBytes  atomic.Uint64
	minBytes    atomic.Uint64
	maxBytes    atomic.Uint64
}

// New creates a Collector and registers its metrics with reg. A nil reg
// leaves the metrics unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	s := &Collector{
		enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "queue_enqueue_total",
			Help:      "Deferred operations handed to the sync coordinator, by category and result.",
		}, []string{"category", "result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "replay_total",
			Help:      "Replay attempts run by the background agent, by category and result.",
		}, []string{"category", "result"}),
		cacheReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "cache_requests_total",
			Help:      "Content cache reads, by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "cache_evictions_total",
			Help:      "Content cache removals, by reason.",
		}, []string{"reason"}),
	}
	s.minBytes.Store(math.MaxUint64)

	if reg != nil {
		for _, c := range []prometheus.Collector{s.enqueues, s.replays, s.cacheReqs, s.evictions} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("registering metrics: %w", err)
			}
		}
	}
	return s, nil
}

func (s *Collector) Enqueue(category, result string) {
	if s == nil {
		return
	}
	s.enqueues.WithLabelValues(category, result).Inc()
}

func (s *Collector) Replay(category, result string) {
	if s == nil {
		return
	}
	s.replays.WithLabelValues(category, result).Inc()
}

func (s *Collector) CacheRequest(result string) {
	if s == nil {
		return
	}
	s.cacheReqs.WithLabelValues(result).Inc()
}

func (s *Collector) Eviction(reason string) {
	if s == nil {
		return
	}
	s.evictions.WithLabelValues(reason).Inc()
}

// ObserveBody records the size of a content body served to a reader.
func (s *Collector) ObserveBody(n int) {
	if s == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	b := uint64(n)

	s.totalBodies.Add(1)
	s.totalBytes.Add(b)

	for {
		cur := s.minBytes.Load()
		if b >= cur {
			break
		}
		if s.minBytes.CompareAndSwap(cur, b) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if b <= cur {
			break
		}
		if s.maxBytes.CompareAndSwap(cur, b) {
			break
		}
	}
}

type Snapshot struct {
	Bodies   uint64
	Bytes    uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *Collector) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	count := s.totalBodies.Load()
	if count == 0 {
		return Snapshot{}
	}
	total := s.totalBytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return Snapshot{
		Bodies:   count,
		Bytes:    total,
		MinBytes: minv,
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: total / count,
	}
}

func FormatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
