package store

import (
	"bytes"
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBOptions tunes the on-disk backend. Zero values keep leveldb defaults.
type LevelDBOptions struct {
	WriteBuffer int64
	BlockCache  int64
}

// OpenLevelDB opens (creating if needed) a leveldb database at path.
func OpenLevelDB(path string, o LevelDBOptions) Opener {
	return func() (Backend, error) {
		opts := &opt.Options{}
		if o.WriteBuffer > 0 {
			opts.WriteBuffer = int(o.WriteBuffer)
		}
		if o.BlockCache > 0 {
			opts.BlockCacheCapacity = int(o.BlockCache)
		}
		db, err := leveldb.OpenFile(path, opts)
		if err != nil {
			return nil, err
		}
		return &levelBackend{db: db}, nil
	}
}

// OpenMemory opens a leveldb instance kept entirely in memory. Nothing
// survives Close.
func OpenMemory() Opener {
	return func() (Backend, error) {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, err
		}
		return &levelBackend{db: db}, nil
	}
}

// Key layout:
//
//	c:<collection>              collection marker
//	r:<collection>\x00<key>     record
type levelBackend struct {
	db *leveldb.DB
}

func collectionKey(name string) []byte { return []byte("c:" + name) }

func recordPrefix(collection string) []byte { return []byte("r:" + collection + "\x00") }

func recordKey(collection, key string) []byte {
	return append(recordPrefix(collection), key...)
}

func (b *levelBackend) EnsureCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := b.db.Has(collectionKey(name), nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return b.db.Put(collectionKey(name), nil, nil)
}

func (b *levelBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Put(recordKey(collection, key), value, nil)
}

func (b *levelBackend) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, err := b.db.Get(recordKey(collection, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *levelBackend) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// leveldb deletes of missing keys are not errors.
	return b.db.Delete(recordKey(collection, key), nil)
}

func (b *levelBackend) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	prefix := recordPrefix(collection)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		// Iterator buffers are reused between steps.
		val := append([]byte(nil), it.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return it.Error()
}

func (b *levelBackend) Close() error {
	return b.db.Close()
}
