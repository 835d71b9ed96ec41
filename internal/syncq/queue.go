package syncq

import (
	"context"
	"encoding/json"
	"sync"

	"offline0/internal/store"
)

// Operation is one deferred unit of work. At most one lives per tag.
type Operation struct {
	// ID is unique per enqueue, so a replay can tell its record from a newer
	// one written under the same tag.
	ID         string          `json:"id,omitempty"`
	Tag        string          `json:"tag"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueuedAt"` // unix ms
}

// Decode unmarshals the payload into v.
func (op Operation) Decode(v any) error {
	return json.Unmarshal(op.Payload, v)
}

// Queue is the persisted side of the sync queue, shared by the coordinator
// that writes it and the replay handlers that drain it.
//
// Writes and conditional clears go through mu so a replay never deletes a
// record enqueued after it loaded its own.
type Queue struct {
	coll *store.Collection
	mu   sync.Mutex
}

func NewQueue(st *store.Store) *Queue {
	return &Queue{coll: st.Collection(store.CollectionSyncData)}
}

func (q *Queue) put(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coll.Put(ctx, op.Tag, op)
}

// Load returns the record under tag; ok is false when there is none.
func (q *Queue) Load(ctx context.Context, tag string) (op Operation, ok bool, err error) {
	ok, err = q.coll.Get(ctx, tag, &op)
	return op, ok, err
}

// Clear removes the record under tag. Clearing a missing tag succeeds.
func (q *Queue) Clear(ctx context.Context, tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coll.Delete(ctx, tag)
}

// ClearIf removes the record under tag only while it is still the operation
// with the given id. It reports whether a record was removed.
func (q *Queue) ClearIf(ctx context.Context, tag, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var cur Operation
	ok, err := q.coll.Get(ctx, tag, &cur)
	if err != nil || !ok || cur.ID != id {
		return false, err
	}
	if err := q.coll.Delete(ctx, tag); err != nil {
		return false, err
	}
	return true, nil
}

// Tags lists every tag with a live record.
func (q *Queue) Tags(ctx context.Context) ([]string, error) {
	return q.coll.Keys(ctx)
}
