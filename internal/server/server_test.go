package server

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/config"
	"offline0/internal/syncq"
)

type hit struct {
	method string
	path   string
	body   string
}

// fakeOrigin answers 500 for everything while down.
type fakeOrigin struct {
	*httptest.Server
	down atomic.Bool

	mu   sync.Mutex
	hits []hit
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	o := &fakeOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/blog-posts/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/blog-posts/"), "/")
		if id == "missing" {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"title":"Post %s"}`, id, id)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset><url><loc>/blog/7/</loc></url><url><loc>/blog/8</loc></url><url><loc>/about/</loc></url></urlset>`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.hits = append(o.hits, hit{r.Method, r.URL.Path, string(b)})
		o.mu.Unlock()
		if o.down.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) hitsTo(path string) []hit {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []hit
	for _, h := range o.hits {
		if h.path == path {
			out = append(out, h)
		}
	}
	return out
}

func newTestService(t *testing.T, origin *fakeOrigin, extra string) *Service {
	t.Helper()
	raw := fmt.Sprintf("server:\n  origin: %s\nstorage:\n  backend: memory\nsync:\n  probeEvery: 1h\n%s", origin.URL, extra)
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	s, err := NewService(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const kimForm = `{"name":"Kim","message":"hello"}`

func TestContact_SentWhenOnline(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/contact", kimForm)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Offline0"))

	hits := origin.hitsTo("/api/contact/")
	require.Len(t, hits, 1)
	assert.JSONEq(t, kimForm, hits[0].body)
}

func TestContact_QueuedThenReplayed(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	ctx := context.Background()
	origin.down.Store(true)

	rec := do(t, s.Handler(), http.MethodPost, "/api/contact", kimForm)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", rec.Header().Get("X-Offline0"))
	var reply queueReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Queued)
	assert.Contains(t, reply.Message, "back online")

	tag := onlyTag(t, s)
	assert.Equal(t, syncq.TagContactForm, syncq.Category(tag))
	op, ok, err := s.queue.Load(ctx, tag)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, kimForm, string(op.Payload))
	assert.Equal(t, []string{tag}, s.agent.Pending())

	// Still down: nothing is replayed.
	done, _ := s.agent.ReplayOnce(ctx)
	assert.Zero(t, done)

	origin.down.Store(false)
	done, _ = s.agent.ReplayOnce(ctx)
	assert.Equal(t, 1, done)
	_, ok, err = s.queue.Load(ctx, tag)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.agent.Pending())
}

// onlyTag returns the single queued tag.
func onlyTag(t *testing.T, s *Service) string {
	t.Helper()
	tags, err := s.queue.Tags(context.Background())
	require.NoError(t, err)
	require.Len(t, tags, 1)
	return tags[0]
}

func TestOfflineWritesKeepSeparateRecords(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()
	ctx := context.Background()
	origin.down.Store(true)

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/contact", kimForm).Code)
	require.Equal(t, http.StatusAccepted,
		do(t, h, http.MethodPost, "/api/contact", `{"name":"Lee","email":"lee@example.com","message":"hi"}`).Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPut, "/api/profile/", `{"bio":"x"}`).Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/orders/", `{"sku":"a1"}`).Code)

	tags, err := s.queue.Tags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 4)
	counts := map[string]int{}
	for _, tag := range tags {
		counts[syncq.Category(tag)]++
	}
	assert.Equal(t, map[string]int{syncq.TagContactForm: 2, syncq.TagFailedRequest: 2}, counts)
	assert.ElementsMatch(t, tags, s.agent.Pending())

	origin.down.Store(false)
	done, _ := s.agent.ReplayOnce(ctx)
	assert.Equal(t, 4, done)
	assert.Len(t, origin.hitsTo("/api/contact/"), 2)
	assert.Len(t, origin.hitsTo("/api/profile/"), 1)
	assert.Len(t, origin.hitsTo("/api/orders/"), 1)
}

func TestContact_NotQueuedWithoutReplay(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "  replay: false\n")
	origin.down.Store(true)

	rec := do(t, s.Handler(), http.MethodPost, "/api/contact", kimForm)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var reply queueReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.False(t, reply.Queued)

	tags, err := s.queue.Tags(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestContact_Validation(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")

	rec := do(t, s.Handler(), http.MethodPost, "/api/contact", `{"name":"","message":"hi","email":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")
	assert.Contains(t, rec.Body.String(), "email must be a valid email")

	rec = do(t, s.Handler(), http.MethodPost, "/api/contact", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, origin.hitsTo("/api/contact/"))
}

func TestBlog_NetworkThenCache(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/blog/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Offline0"))
	assert.JSONEq(t, `{"id":"42","title":"Post 42"}`, rec.Body.String())

	origin.down.Store(true)
	rec = do(t, h, http.MethodGet, "/api/blog/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Offline0"))
	assert.JSONEq(t, `{"id":"42","title":"Post 42"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/blog/43", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Offline0"))
}

func TestBlog_OfflineServesCacheWithoutNetwork(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()
	ctx := context.Background()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/blog/1", "").Code)
	origin.down.Store(true)
	require.False(t, s.agent.CheckOnline(ctx))
	before := len(origin.hitsTo("/api/blog-posts/1/"))

	rec := do(t, h, http.MethodGet, "/api/blog/1", "")
	assert.Equal(t, "cache", rec.Header().Get("X-Offline0"))
	assert.Len(t, origin.hitsTo("/api/blog-posts/1/"), before)
}

func TestBlog_NotFoundRelayed(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")

	rec := do(t, s.Handler(), http.MethodGet, "/api/blog/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, s.cache.Has(context.Background(), "missing"))
}

func TestBlogCacheEndpoints(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()

	for _, id := range []string{"1", "2", "3"} {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/blog/"+id, "").Code)
	}

	rec := do(t, h, http.MethodGet, "/api/blog/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st cacheStatsReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Count)
	assert.Positive(t, st.TotalBytes)
	assert.Equal(t, "3", st.MostRecentID)

	rec = do(t, h, http.MethodGet, "/api/blog/cached?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []cachedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "3", list[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/blog/cached?limit=x", "").Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/blog/cache/2", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/blog/cache/2", "").Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/blog/cache", "").Code)
	assert.Zero(t, s.cache.Stats(context.Background()).Count)
}

func TestPassThrough(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()

	rec := do(t, h, http.MethodPut, "/api/preferences/theme", `{"theme":"dark"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Offline0"))

	origin.down.Store(true)
	rec = do(t, h, http.MethodPut, "/api/preferences/theme", `{"theme":"light"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, syncq.TagFailedRequest, syncq.Category(onlyTag(t, s)))

	rec = do(t, h, http.MethodGet, "/api/anything", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	origin.down.Store(false)
	done, _ := s.agent.ReplayOnce(context.Background())
	assert.Equal(t, 1, done)
	hits := origin.hitsTo("/api/preferences/theme")
	require.Len(t, hits, 3)
	assert.Equal(t, `{"theme":"light"}`, hits[2].body)
	assert.Equal(t, http.MethodPut, hits[2].method)
}

func TestPendingSync(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	origin.down.Store(true)
	require.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/contact", kimForm).Code)

	rec := do(t, s.Handler(), http.MethodGet, "/api/sync/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reply pendingReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Supported)
	assert.True(t, reply.Durable)
	tag := onlyTag(t, s)
	assert.Equal(t, syncq.TagContactForm, syncq.Category(tag))
	assert.Equal(t, []string{tag}, reply.Pending)
	assert.Equal(t, []string{tag}, reply.Queued)
}

func TestStartRestoresQueuedReplays(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	ctx := context.Background()

	// A record left behind by an earlier process.
	origin.down.Store(true)
	require.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/contact", kimForm).Code)
	s2, err := NewService(s.cfg, nil, WithStore(s.store), WithUpstream(s.up))
	require.NoError(t, err)
	assert.Empty(t, s2.agent.Pending())

	origin.down.Store(false)
	s2.Start(ctx)
	assert.Eventually(t, func() bool {
		tags, err := s2.queue.Tags(ctx)
		return err == nil && len(tags) == 0
	}, 5*time.Second, 10*time.Millisecond)
	s2.cancel()
	s2.wg.Wait()
}

func TestPreload(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "cache:\n  preload:\n    sitemaps: [/sitemap.xml]\n")
	ctx := context.Background()

	cached, skipped, err := s.preloadOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cached)
	assert.Zero(t, skipped)
	assert.True(t, s.cache.Has(ctx, "7"))
	assert.True(t, s.cache.Has(ctx, "8"))

	cached, skipped, err = s.preloadOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, cached)
	assert.Equal(t, 2, skipped)
}

func TestIDFromLoc(t *testing.T) {
	cases := map[string]string{
		"https://example.com/blog/12/":   "12",
		"/blog/hello%20world":            "hello world",
		"blog/abc/comments":              "abc",
		"https://example.com/blog/":      "",
		"https://example.com/about/team": "",
		"":                               "",
	}
	for loc, want := range cases {
		assert.Equal(t, want, idFromLoc(loc, "/blog/"), loc)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	h := s.Handler()
	origin.down.Store(true)
	do(t, h, http.MethodPost, "/api/contact", kimForm)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `offline0_queue_enqueue_total{category="sync-contact-form",result="queued"} 1`)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.JSONEq(t, `{"online":true,"durable":true}`, rec.Body.String())
}

func TestPushSubscribe(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())

	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "push:\n  vapidPublicKey: "+key+"\n")
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/push/subscription", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	hits := origin.hitsTo("/api/notifications/subscribe")
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].body, `"endpoint":"local:`)

	rec = do(t, h, http.MethodGet, "/api/push/status", "")
	assert.JSONEq(t, `{"supported":true,"enabled":true}`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/api/push/subscription", "")
	assert.JSONEq(t, `{"unsubscribed":true}`, rec.Body.String())
}

func TestPushUnsupportedWithoutKey(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	rec := do(t, s.Handler(), http.MethodPost, "/api/push/subscription", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPushForward(t *testing.T) {
	origin := newFakeOrigin(t)
	s := newTestService(t, origin, "")
	body := `{"endpoint":"https://push.example/x","keys":{"p256dh":"AQID","auth":"BAU"}}`

	rec := do(t, s.Handler(), http.MethodPost, "/api/push/subscriptions", body)
	require.Equal(t, http.StatusOK, rec.Code)
	hits := origin.hitsTo("/api/notifications/subscribe")
	require.Len(t, hits, 1)
	assert.JSONEq(t, body, hits[0].body)

	rec = do(t, s.Handler(), http.MethodPost, "/api/push/subscriptions", `{"keys":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
