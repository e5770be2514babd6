// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package chunkcache stores compiled chunk dumps between runs,
// keyed by a hash of their source.
package chunkcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned by [Cache.Get] for keys without an entry.
var ErrNotFound = errors.New("chunk not found in cache")

// Cache is an on-disk cache of compiled chunks.
// It is safe to use from multiple goroutines.
type Cache struct {
	pool *sqlitemigration.Pool
}

// Open opens the cache database at path, creating it if needed.
// Callers are responsible for calling [Cache.Close] on the returned cache.
func Open(path string) *Cache {
	return &Cache{
		pool: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Chunk cache migration: %v", err)
			},
		}),
	}
}

// Close releases the cache's database connections.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// A Key identifies a compiled chunk in the cache.
type Key struct {
	hash     [sha256.Size]byte
	stripped bool
}

// SourceKey returns the cache key
// for a chunk compiled from the given source.
// Stripped and unstripped dumps cache independently.
func SourceKey(source []byte, stripped bool) Key {
	return Key{hash: sha256.Sum256(source), stripped: stripped}
}

// An Entry is a cached compiled chunk.
type Entry struct {
	// Name is the chunk name the dump was compiled under.
	Name string
	// Dump is the uncompressed chunk dump.
	Dump []byte
	// CreatedAt is the time the entry was last stored.
	CreatedAt time.Time
}

// Get returns the entry stored for key.
// Get returns an error for which errors.Is(err, [ErrNotFound])
// reports true if the cache has no entry for key.
func (c *Cache) Get(ctx context.Context, key Key) (*Entry, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cached chunk: %w", err)
	}
	defer c.pool.Put(conn)

	var e *Entry
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "get_chunk.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":source_hash": key.hash[:],
			":stripped":    key.stripped,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			compressed := make([]byte, stmt.GetLen("dump"))
			stmt.GetBytes("dump", compressed)
			dump, err := decompress(compressed)
			if err != nil {
				return err
			}
			e = &Entry{
				Name:      stmt.GetText("name"),
				Dump:      dump,
				CreatedAt: time.UnixMilli(stmt.GetInt64("created_at")),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get cached chunk: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("get cached chunk: %w", ErrNotFound)
	}
	return e, nil
}

// Put stores the compiled dump for key,
// replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key Key, name string, dump []byte) error {
	compressed, err := compress(dump)
	if err != nil {
		return fmt.Errorf("store chunk in cache: %w", err)
	}
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("store chunk in cache: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "upsert_chunk.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":source_hash": key.hash[:],
			":stripped":    key.stripped,
			":name":        name,
			":dump":        compressed,
			":created_at":  time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("store chunk in cache: %w", err)
	}
	return nil
}

// Prune deletes entries last stored before cutoff
// and returns the number of entries deleted.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune chunk cache: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "prune_chunks.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cutoff": cutoff.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("prune chunk cache: %w", err)
	}
	return int64(conn.Changes()), nil
}

func compress(p []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := bzip2.NewWriter(buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(p []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(p), nil)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func prepareConn(conn *sqlite.Conn) error {
	return sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil)
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
