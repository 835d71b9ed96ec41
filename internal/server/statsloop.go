package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline0/internal/stats"
)

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats(ctx)
		}
	}
}

func (s *Service) logStats(ctx context.Context) {
	ss := s.stats.Snapshot()
	cs := s.cache.Stats(ctx)
	fields := []zap.Field{
		zap.Int("cached", cs.Count),
		zap.String("cacheSize", stats.FormatBytes(uint64(cs.TotalBytes))),
		zap.Int("pendingReplays", len(s.agent.Pending())),
		zap.Bool("online", s.agent.IsOnline()),
		zap.Bool("durable", s.store.Durable()),
		zap.String("respMin", stats.FormatBytes(ss.MinBytes)),
		zap.String("respAvg", stats.FormatBytes(ss.AvgBytes)),
		zap.String("respMax", stats.FormatBytes(ss.MaxBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", stats.FormatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
