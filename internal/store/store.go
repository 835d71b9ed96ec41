// Package store is a namespaced key/record store that survives restarts.
//
// A Store owns one lazily opened Backend shared by every Collection handed out
// from it. Records are JSON encoded; a record that cannot be encoded yields a
// SerializationError, any backend failure a StorageError.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Well-known collections.
const (
	CollectionSyncData     = "sync-data"
	CollectionContentCache = "content-cache"
)

// Backend is the raw byte store under a Store.
type Backend interface {
	// EnsureCollection creates the collection if it does not exist yet.
	EnsureCollection(ctx context.Context, name string) error
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	Delete(ctx context.Context, collection, key string) error
	Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error
	Close() error
}

// Opener opens a Backend. It is called on first use and again after a failed
// attempt.
type Opener func() (Backend, error)

type Option func(*Store)

// WithFallback sets a best-effort backend used when the primary cannot be
// opened.
func WithFallback(open Opener) Option {
	return func(s *Store) { s.fallback = open }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

type Store struct {
	open     Opener
	fallback Opener
	log      *zap.Logger

	mu      sync.Mutex
	backend Backend
	durable bool
	closed  bool
	ensured map[string]bool
}

func New(open Opener, opts ...Option) *Store {
	s := &Store{
		open:    open,
		log:     zap.NewNop(),
		ensured: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Durable reports whether the primary backend is the one in use.
func (s *Store) Durable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend != nil && s.durable
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

func (s *Store) Collection(name string) *Collection {
	return &Collection{s: s, name: name}
}

func (s *Store) acquire(ctx context.Context, collection string) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &StorageError{Op: "open", Collection: collection, Err: ErrClosed}
	}
	if s.backend == nil {
		b, err := s.open()
		if err == nil {
			s.backend, s.durable = b, true
		} else if s.fallback != nil {
			s.log.Warn("durable store unavailable, using in-memory fallback", zap.Error(err))
			fb, ferr := s.fallback()
			if ferr != nil {
				return nil, &StorageError{Op: "open", Collection: collection, Err: errors.Join(ErrUnavailable, err, ferr)}
			}
			s.backend, s.durable = fb, false
		} else {
			return nil, &StorageError{Op: "open", Collection: collection, Err: errors.Join(ErrUnavailable, err)}
		}
	}
	if !s.ensured[collection] {
		if err := s.backend.EnsureCollection(ctx, collection); err != nil {
			return nil, &StorageError{Op: "create", Collection: collection, Err: err}
		}
		s.ensured[collection] = true
	}
	return s.backend, nil
}

// Collection is a handle on one named collection of a Store.
type Collection struct {
	s    *Store
	name string
}

func (c *Collection) Name() string { return c.name }

// Put stores record under key, replacing any previous record.
func (c *Collection) Put(ctx context.Context, key string, record any) error {
	if key == "" {
		return ErrEmptyKey
	}
	b, err := json.Marshal(record)
	if err != nil {
		return &SerializationError{Collection: c.name, Key: key, Err: err}
	}
	return c.PutRaw(ctx, key, b)
}

// PutRaw stores already encoded JSON.
func (c *Collection) PutRaw(ctx context.Context, key string, b []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	be, err := c.s.acquire(ctx, c.name)
	if err != nil {
		return err
	}
	if err := be.Put(ctx, c.name, key, b); err != nil {
		return &StorageError{Op: "put", Collection: c.name, Key: key, Err: err}
	}
	return nil
}

// Get decodes the record under key into out. A missing key is not an error.
func (c *Collection) Get(ctx context.Context, key string, out any) (bool, error) {
	b, ok, err := c.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, &StorageError{Op: "decode", Collection: c.name, Key: key, Err: err}
	}
	return true, nil
}

func (c *Collection) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	be, err := c.s.acquire(ctx, c.name)
	if err != nil {
		return nil, false, err
	}
	b, ok, err := be.Get(ctx, c.name, key)
	if err != nil {
		return nil, false, &StorageError{Op: "get", Collection: c.name, Key: key, Err: err}
	}
	return b, ok, nil
}

// Delete removes key. Deleting a missing key succeeds.
func (c *Collection) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	be, err := c.s.acquire(ctx, c.name)
	if err != nil {
		return err
	}
	if err := be.Delete(ctx, c.name, key); err != nil {
		return &StorageError{Op: "delete", Collection: c.name, Key: key, Err: err}
	}
	return nil
}

// Scan calls fn for every record in key order. Returning an error from fn
// stops the scan and is returned as is.
func (c *Collection) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	be, err := c.s.acquire(ctx, c.name)
	if err != nil {
		return err
	}
	var fnErr error
	err = be.Scan(ctx, c.name, func(k string, v []byte) error {
		if e := fn(k, v); e != nil {
			fnErr = e
			return e
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return &StorageError{Op: "scan", Collection: c.name, Err: err}
	}
	return nil
}

func (c *Collection) Keys(ctx context.Context) ([]string, error) {
	var out []string
	err := c.Scan(ctx, func(k string, _ []byte) error {
		out = append(out, k)
		return nil
	})
	return out, err
}

// Clear deletes every record in the collection.
func (c *Collection) Clear(ctx context.Context) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := c.Delete(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
