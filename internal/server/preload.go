package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline0/internal/contentcache"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) preloadLoop(ctx context.Context) {
	if d := s.cfg.PreloadDelay(); d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}

	runOnce := func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		cached, skipped, err := s.preloadOnce(rctx)
		if err != nil {
			s.log.Warn("preload failed", zap.Error(err))
			return
		}
		s.log.Info("preload finished", zap.Int("cached", cached), zap.Int("skipped", skipped))
	}

	runOnce()
	period := s.cfg.PreloadEvery()
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}

// preloadOnce walks the configured sitemaps and caches every content id
// found under the preload path prefix that is not cached yet.
func (s *Service) preloadOnce(ctx context.Context) (cached, skipped int, _ error) {
	ids, err := s.discoverIDs(ctx)
	if err != nil {
		return 0, 0, err
	}

	var items []contentcache.Item[json.RawMessage]
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.cache.Has(ctx, id) {
			skipped++
			continue
		}
		resp, err := s.up.Get(ctx, s.contentPath(id))
		if err != nil || !json.Valid(resp.Body) {
			s.log.Debug("preload fetch failed", zap.String("id", id), zap.Error(err))
			skipped++
			continue
		}
		items = append(items, contentcache.Item[json.RawMessage]{ID: id, Body: resp.Body})
	}
	return s.cache.Preload(ctx, items), skipped, ctx.Err()
}

func (s *Service) discoverIDs(ctx context.Context) ([]string, error) {
	prefix := s.cfg.Cache.Preload.PathPrefix
	seenSitemaps := map[string]struct{}{}
	seenIDs := map[string]struct{}{}
	var ids []string

	queue := make([]string, 0, len(s.cfg.Cache.Preload.Sitemaps))
	for _, sm := range s.cfg.Cache.Preload.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.up.URL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return ids, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.up.URL(nested))
			}
		}
		for _, loc := range doc.URLs {
			id := idFromLoc(loc, prefix)
			if id == "" {
				continue
			}
			if _, ok := seenIDs[id]; ok {
				continue
			}
			seenIDs[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may arrive already decompressed if the server also set
	// Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// idFromLoc returns the first path segment after prefix, or "" when loc is
// not under prefix.
func idFromLoc(loc, prefix string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	path := loc
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		path = u.Path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	return id
}
