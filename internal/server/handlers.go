package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"offline0/internal/push"
	"offline0/internal/stats"
	"offline0/internal/syncq"
	"offline0/internal/upstream"
)

const (
	modeNetwork = "network"
	modeCache   = "cache"
	modeMiss    = "miss"
	modeQueued  = "queued"
	modeBypass  = "bypass"

	maxRequestBody = 1 << 20
)

const (
	msgQueued  = "Your submission was saved and will be sent when you are back online."
	msgOffline = "You appear to be offline and your submission could not be saved. Please try again when you are back online."
)

type contactForm struct {
	Name        string `json:"name" validate:"required,max=200"`
	Email       string `json:"email" validate:"omitempty,email,max=254"`
	Phone       string `json:"phone,omitempty" validate:"max=40"`
	Company     string `json:"company,omitempty" validate:"max=200"`
	InquiryType string `json:"inquiryType,omitempty" validate:"max=100"`
	Message     string `json:"message" validate:"required,max=5000"`
}

type queueReply struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

func (s *Service) submitContact(w http.ResponseWriter, r *http.Request) {
	var form contactForm
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(form); err != nil {
		writeError(w, http.StatusUnprocessableEntity, formatValidationError(err))
		return
	}

	if s.agent.IsOnline() {
		resp, err := s.up.PostJSON(r.Context(), s.cfg.Sync.Routes[syncq.TagContactForm], form, nil)
		if err == nil {
			s.relay(w, resp, modeNetwork)
			return
		}
		if writeStatusError(w, err) {
			return
		}
		s.log.Info("contact submission failed, queueing", zap.Error(err))
	}

	// Each submission gets its own tag so forms from different clients do
	// not replace each other.
	ok, err := s.sync.Enqueue(r.Context(), syncq.NewTag(syncq.TagContactForm), form)
	if err != nil {
		s.log.Error("contact submission could not be queued", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeQueued(w, ok)
}

func (s *Service) writeQueued(w http.ResponseWriter, ok bool) {
	if !ok {
		w.Header().Set(headerOffline, modeMiss)
		writeJSON(w, http.StatusServiceUnavailable, queueReply{Queued: false, Message: msgOffline})
		return
	}
	w.Header().Set(headerOffline, modeQueued)
	writeJSON(w, http.StatusAccepted, queueReply{Queued: true, Message: msgQueued})
}

func (s *Service) contentPath(id string) string {
	return strings.ReplaceAll(s.cfg.Cache.ContentPath, "{id}", url.PathEscape(id))
}

// getPost serves cache first while offline and network first otherwise,
// falling back to the cache when the origin cannot be reached.
func (s *Service) getPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if s.agent.IsOnline() {
		resp, err := s.up.Get(ctx, s.contentPath(id))
		if err == nil {
			if json.Valid(resp.Body) {
				if err := s.cache.Put(ctx, id, json.RawMessage(resp.Body)); err != nil {
					s.log.Warn("could not cache content", zap.String("id", id), zap.Error(err))
				}
			}
			s.relay(w, resp, modeNetwork)
			return
		}
		if upstream.IsPermanent(err) {
			if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusGone) {
				s.cache.Remove(ctx, id)
			}
			writeStatusError(w, err)
			return
		}
		s.log.Debug("content fetch failed, trying cache", zap.String("id", id), zap.Error(err))
	}

	if e, ok := s.cache.Get(ctx, id); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerOffline, modeCache)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(e.Body)
		return
	}
	w.Header().Set(headerOffline, modeMiss)
	writeError(w, http.StatusServiceUnavailable, "content is not available offline")
}

type cachedEntry struct {
	ID             string          `json:"id"`
	CachedAt       int64           `json:"cachedAt"`
	LastAccessedAt int64           `json:"lastAccessedAt"`
	Body           json.RawMessage `json:"body"`
}

func (s *Service) listCached(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries := s.cache.Recent(r.Context(), limit)
	out := make([]cachedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cachedEntry{ID: e.ID, CachedAt: e.CachedAt, LastAccessedAt: e.LastAccessedAt, Body: e.Body})
	}
	writeJSON(w, http.StatusOK, out)
}

type cacheStatsReply struct {
	Count            int    `json:"count"`
	OldestEntryAgeMs int64  `json:"oldestEntryAgeMs"`
	NewestEntryAgeMs int64  `json:"newestEntryAgeMs"`
	TotalBytes       int64  `json:"totalBytes"`
	TotalSize        string `json:"totalSize"`
	MostRecentID     string `json:"mostRecentId,omitempty"`
}

func (s *Service) cacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats(r.Context())
	writeJSON(w, http.StatusOK, cacheStatsReply{
		Count:            st.Count,
		OldestEntryAgeMs: st.OldestEntryAge.Milliseconds(),
		NewestEntryAgeMs: st.NewestEntryAge.Milliseconds(),
		TotalBytes:       st.TotalBytes,
		TotalSize:        stats.FormatBytes(uint64(st.TotalBytes)),
		MostRecentID:     st.MostRecentID,
	})
}

func (s *Service) removeCached(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Remove(r.Context(), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) clearCache(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Clear(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "cache storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pendingReply struct {
	Online    bool     `json:"online"`
	Supported bool     `json:"supported"`
	Durable   bool     `json:"durable"`
	Pending   []string `json:"pending"`
	Queued    []string `json:"queued"`
}

func (s *Service) pendingSync(w http.ResponseWriter, r *http.Request) {
	queued, err := s.queue.Tags(r.Context())
	if err != nil {
		s.log.Warn("could not list queued operations", zap.Error(err))
	}
	if queued == nil {
		queued = []string{}
	}
	writeJSON(w, http.StatusOK, pendingReply{
		Online:    s.agent.IsOnline(),
		Supported: s.sync.IsSupported(),
		Durable:   s.store.Durable(),
		Pending:   s.agent.Pending(),
		Queued:    queued,
	})
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"online":  s.agent.IsOnline(),
		"durable": s.store.Durable(),
	})
}

func (s *Service) pushStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"supported": s.push.IsSupported(),
		"enabled":   s.push.IsEnabled(),
	})
}

// pushSubscribe asks for permission, subscribes and registers the
// subscription with the origin.
func (s *Service) pushSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.push.IsSupported() {
		writeError(w, http.StatusNotImplemented, push.ErrUnsupported.Error())
		return
	}
	if !s.push.RequestPermission(ctx) {
		writeError(w, http.StatusForbidden, push.ErrPermissionNotGranted.Error())
		return
	}
	sub, err := s.push.Subscribe(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.push.SendToServer(ctx, sub); err != nil {
		writeError(w, http.StatusBadGateway, "failed to send subscription to server")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) pushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ok, err := s.push.Unsubscribe(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": ok})
}

// pushForward registers a browser-made subscription with the origin.
func (s *Service) pushForward(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	sub, err := push.SubscriptionFromJSON(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := s.push.SendToServer(r.Context(), sub)
	if err != nil {
		if writeStatusError(w, err) {
			return
		}
		writeError(w, http.StatusBadGateway, "failed to send subscription to server")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// passThrough forwards other API calls. Writes that fail to reach the origin
// are queued for replay.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		body = b
	}
	header := forwardHeader(r.Header)

	resp, err := s.up.Do(r.Context(), r.Method, r.URL.RequestURI(), header, body)
	if err == nil {
		s.relay(w, resp, modeBypass)
		return
	}
	if writeStatusError(w, err) {
		return
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		w.Header().Set(headerOffline, modeMiss)
		writeError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	s.log.Info("request failed, queueing for replay",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	ok, qerr := s.sync.QueueFailedRequestAs(r.Context(), syncq.NewTag(syncq.TagFailedRequest), syncq.FailedRequest{
		URL:    r.URL.RequestURI(),
		Method: r.Method,
		Header: header,
		Body:   body,
	})
	if qerr != nil {
		s.log.Error("failed request could not be queued", zap.Error(qerr))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeQueued(w, ok)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Origin":              true,
	"Accept-Encoding":     true,
}

func forwardHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// relay writes an origin response. CORS headers from the origin are dropped
// in favour of ours.
func (s *Service) relay(w http.ResponseWriter, resp upstream.Response, mode string) {
	for k, vs := range resp.Header {
		if strings.HasPrefix(strings.ToLower(k), "access-control-") || hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerOffline, mode)
	s.stats.ObserveBody(len(resp.Body))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// writeStatusError relays an origin rejection that retrying will not fix.
func writeStatusError(w http.ResponseWriter, err error) bool {
	var se *upstream.StatusError
	if !errors.As(err, &se) || se.Temporary() {
		return false
	}
	if json.Valid([]byte(se.Body)) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set(headerOffline, modeNetwork)
	w.WriteHeader(se.Code)
	_, _ = io.WriteString(w, se.Body)
	return true
}

func isStatus(err error, code int) bool {
	var se *upstream.StatusError
	return errors.As(err, &se) && se.Code == code
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, field+" must be at most "+e.Param()+" characters")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
