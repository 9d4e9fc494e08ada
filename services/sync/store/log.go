// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/dialecticlabs/boardsync/pkg/validation"
	"github.com/dialecticlabs/boardsync/services/sync/document"
)

var (
	// ErrNotFound indicates the document id has no row in the store.
	ErrNotFound = errors.New("document not found")

	// ErrBadRef indicates a reference that is neither a known slug nor a
	// well-formed document id.
	ErrBadRef = errors.New("invalid document reference")

	// ErrSlugTaken indicates the slug already maps to another document.
	ErrSlugTaken = errors.New("slug already in use")

	// ErrBadSlug indicates a slug that fails validation.
	ErrBadSlug = errors.New("invalid slug")

	// ErrCorruptUpdate indicates an update payload that does not decode.
	ErrCorruptUpdate = errors.New("corrupt update payload")
)

// DocMeta is the stored document row. LastSeq is the high-water mark of
// appended updates; SnapshotSeq is the last sequence folded into the
// snapshot row. Updates with seq <= SnapshotSeq are prunable.
type DocMeta struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug,omitempty"`
	LastSeq     uint64    `json:"last_seq"`
	SnapshotSeq uint64    `json:"snapshot_seq"`
	SnapshotAt  time.Time `json:"snapshot_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateRecord is one appended update as read back from the log.
type UpdateRecord struct {
	Seq       uint64    `json:"seq"`
	Delta     []byte    `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
}

// updRow is the stored form of an update.
type updRow struct {
	Delta     []byte    `json:"d"`
	CreatedAt time.Time `json:"t"`
}

// LoadStats reports how a document state was reconstructed.
type LoadStats struct {
	FromSnapshot bool
	Replayed     int
	Skipped      int
}

// Diff is the result of a state-vector diff. Empty is explicit so callers
// can distinguish "you are current" from a zero-length payload.
type Diff struct {
	Data  []byte
	Ops   int
	Empty bool
}

// CompactStats reports the outcome of a compaction pass.
type CompactStats struct {
	SnapshotLen int
	Pruned      int
	Skipped     int
}

// Store is the update log and snapshot compactor for board documents.
//
// Appends for the same document are serialized against compaction by a
// per-document mutex; everything else relies on Badger transactions.
type Store struct {
	db  *DB
	log *slog.Logger

	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

// New creates a Store on top of an opened database.
func New(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		log:      logger,
		docLocks: make(map[string]*sync.Mutex),
	}
}

func docKey(id string) []byte  { return []byte("doc:" + id) }
func snapKey(id string) []byte { return []byte("snap:" + id) }
func slugKey(s string) []byte  { return []byte("slug:" + s) }

func updPrefix(id string) []byte { return []byte("upd:" + id + ":") }

func updKey(id string, seq uint64) []byte {
	key := make([]byte, 0, 4+len(id)+1+8)
	key = append(key, "upd:"...)
	key = append(key, id...)
	key = append(key, ':')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func updSeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func getBytes(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getDocRow(txn *badger.Txn, id string) (DocMeta, error) {
	data, err := getBytes(txn, docKey(id))
	if err != nil {
		return DocMeta{}, err
	}
	var row DocMeta
	if err := json.Unmarshal(data, &row); err != nil {
		return DocMeta{}, fmt.Errorf("decode document row %s: %w", id, err)
	}
	return row, nil
}

func putDocRow(txn *badger.Txn, row DocMeta) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode document row %s: %w", row.ID, err)
	}
	return txn.Set(docKey(row.ID), data)
}

// lockDoc takes the per-document mutex and returns its unlock func.
func (s *Store) lockDoc(id string) func() {
	s.mu.Lock()
	l, ok := s.docLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.docLocks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Resolve maps a path reference (slug or document id) to a canonical
// document id. Slugs win over ids so a slug that happens to parse as a
// UUID still resolves to its target. Unknown but well-formed ids resolve
// to themselves; the document simply does not exist yet.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", ErrBadRef
	}
	var id string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		target, err := getBytes(txn, slugKey(ref))
		if err == nil {
			id = string(target)
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, perr := uuid.Parse(ref); perr != nil {
			return fmt.Errorf("%w: %q", ErrBadRef, ref)
		}
		id = ref
		return nil
	})
	return id, err
}

// CreateDocument allocates a new document with an optional slug.
func (s *Store) CreateDocument(ctx context.Context, slug string) (DocMeta, error) {
	if slug != "" {
		if err := validation.ValidateSlug(slug); err != nil {
			return DocMeta{}, fmt.Errorf("%w: %v", ErrBadSlug, err)
		}
	}
	now := time.Now().UTC()
	row := DocMeta{
		ID:        uuid.NewString(),
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if slug != "" {
			_, err := txn.Get(slugKey(slug))
			if err == nil {
				return fmt.Errorf("%w: %q", ErrSlugTaken, slug)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(slugKey(slug), []byte(row.ID)); err != nil {
				return err
			}
		}
		return putDocRow(txn, row)
	})
	if err != nil {
		return DocMeta{}, err
	}
	return row, nil
}

// SetSlug points slug at the document, replacing the document's previous
// slug mapping if it had one.
func (s *Store) SetSlug(ctx context.Context, id, slug string) error {
	if err := validation.ValidateSlug(slug); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSlug, err)
	}
	unlock := s.lockDoc(id)
	defer unlock()
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		row, err := getDocRow(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if target, err := getBytes(txn, slugKey(slug)); err == nil {
			if string(target) != id {
				return fmt.Errorf("%w: %q", ErrSlugTaken, slug)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if row.Slug != "" && row.Slug != slug {
			if err := txn.Delete(slugKey(row.Slug)); err != nil {
				return err
			}
		}
		row.Slug = slug
		if err := txn.Set(slugKey(slug), []byte(id)); err != nil {
			return err
		}
		return putDocRow(txn, row)
	})
}

// Meta returns the stored document row.
func (s *Store) Meta(ctx context.Context, id string) (DocMeta, error) {
	var row DocMeta
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var gerr error
		row, gerr = getDocRow(txn, id)
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return gerr
	})
	return row, err
}

// AppendUpdate durably appends one encoded delta to the document's log
// and returns its sequence number. A document row is created implicitly
// on first append. Payloads that do not decode are rejected up front so
// the log never accumulates known-bad rows.
func (s *Store) AppendUpdate(ctx context.Context, id string, delta []byte) (uint64, error) {
	if _, err := document.DecodeDelta(delta); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}

	unlock := s.lockDoc(id)
	defer unlock()

	var seq uint64
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		now := time.Now().UTC()
		row, err := getDocRow(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			row = DocMeta{ID: id, CreatedAt: now}
		} else if err != nil {
			return err
		}
		row.LastSeq++
		row.UpdatedAt = now
		seq = row.LastSeq

		rec, err := json.Marshal(updRow{Delta: delta, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("encode update row: %w", err)
		}
		if err := txn.Set(updKey(id, seq), rec); err != nil {
			return err
		}
		return putDocRow(txn, row)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Updates returns all stored updates with seq > afterSeq, in order.
func (s *Store) Updates(ctx context.Context, id string, afterSeq uint64) ([]UpdateRecord, error) {
	var out []UpdateRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = updPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(updKey(id, afterSeq+1)); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec updRow
			if err := json.Unmarshal(val, &rec); err != nil {
				s.log.Warn("skipping undecodable update row",
					slog.String("doc", id),
					slog.Uint64("seq", updSeq(item.Key())),
					slog.String("error", err.Error()))
				continue
			}
			out = append(out, UpdateRecord{
				Seq:       updSeq(item.Key()),
				Delta:     rec.Delta,
				CreatedAt: rec.CreatedAt,
			})
		}
		return nil
	})
	return out, err
}

// LoadState reconstructs the document's CRDT state: snapshot first when
// one exists, then replay of every update past the snapshot watermark.
// Corrupt rows are skipped with a warning rather than failing the load;
// the merge is idempotent so over-replay is harmless, under-replay is
// visible in the stats.
//
// Unknown ids load as an empty document.
func (s *Store) LoadState(ctx context.Context, id string) (*document.Document, LoadStats, error) {
	doc := document.New(id)
	var stats LoadStats

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		row, err := getDocRow(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		from := uint64(0)
		snap, err := getBytes(txn, snapKey(id))
		switch {
		case err == nil:
			if aerr := doc.ApplySnapshot(snap); aerr != nil {
				s.log.Warn("corrupt snapshot, falling back to full replay",
					slog.String("doc", id),
					slog.String("error", aerr.Error()))
				doc = document.New(id)
				stats.Skipped++
			} else {
				from = row.SnapshotSeq
				stats.FromSnapshot = true
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// No snapshot yet; replay from the beginning.
		default:
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = updPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(updKey(id, from+1)); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			seq := updSeq(item.Key())
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec updRow
			if err := json.Unmarshal(val, &rec); err != nil {
				stats.Skipped++
				s.log.Warn("skipping corrupt update row",
					slog.String("doc", id),
					slog.Uint64("seq", seq),
					slog.String("error", err.Error()))
				continue
			}
			if _, err := doc.ApplyDelta(rec.Delta, document.OriginRemote); err != nil {
				stats.Skipped++
				s.log.Warn("skipping unappliable update",
					slog.String("doc", id),
					slog.Uint64("seq", seq),
					slog.String("error", err.Error()))
				continue
			}
			stats.Replayed++
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return doc, stats, nil
}

// SnapshotBytes returns the encoded snapshot of the document's current
// state and the last-modified time. When the stored snapshot already
// covers every appended update it is returned as-is; otherwise the state
// is reconstructed and re-encoded.
func (s *Store) SnapshotBytes(ctx context.Context, id string) ([]byte, time.Time, error) {
	var (
		cached []byte
		mod    time.Time
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		row, err := getDocRow(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mod = row.UpdatedAt
		if row.LastSeq > 0 && row.SnapshotSeq == row.LastSeq {
			snap, err := getBytes(txn, snapKey(id))
			if err == nil {
				cached = snap
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if cached != nil {
		return cached, mod, nil
	}

	doc, _, err := s.LoadState(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := doc.EncodeSnapshot()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("encode snapshot %s: %w", id, err)
	}
	return data, mod, nil
}

// DiffAgainst computes the minimal delta that brings a replica at the
// given state vector up to the document's current state. A replica that
// is already current gets an explicit empty result, never a zero-length
// payload.
func (s *Store) DiffAgainst(ctx context.Context, id string, sv document.StateVector) (Diff, error) {
	doc, _, err := s.LoadState(ctx, id)
	if err != nil {
		return Diff{}, err
	}
	ops := doc.DiffOps(sv)
	if len(ops) == 0 {
		return Diff{Empty: true}, nil
	}
	data, err := document.EncodeDelta(ops)
	if err != nil {
		return Diff{}, fmt.Errorf("encode diff %s: %w", id, err)
	}
	return Diff{Data: data, Ops: len(ops)}, nil
}

// Compact folds every appended update into a fresh snapshot row, advances
// the snapshot watermark and prunes the update rows the snapshot now
// covers. Diffs stay computable afterwards: the snapshot state carries
// tombstones and the full state vector, so nothing a stale replica needs
// is lost with the pruned rows.
func (s *Store) Compact(ctx context.Context, id string) (CompactStats, error) {
	unlock := s.lockDoc(id)
	defer unlock()

	doc, lstats, err := s.LoadState(ctx, id)
	if err != nil {
		return CompactStats{}, err
	}
	snap, err := doc.EncodeSnapshot()
	if err != nil {
		return CompactStats{}, fmt.Errorf("encode snapshot %s: %w", id, err)
	}

	stats := CompactStats{SnapshotLen: len(snap), Skipped: lstats.Skipped}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		row, err := getDocRow(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := txn.Set(snapKey(id), snap); err != nil {
			return err
		}
		row.SnapshotSeq = row.LastSeq
		row.SnapshotAt = time.Now().UTC()
		if err := putDocRow(txn, row); err != nil {
			return err
		}

		// Prune rows the snapshot covers.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = updPrefix(id)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var pruned [][]byte
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			if updSeq(it.Item().Key()) > row.SnapshotSeq {
				break
			}
			pruned = append(pruned, it.Item().KeyCopy(nil))
		}
		for _, key := range pruned {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		stats.Pruned = len(pruned)
		return nil
	})
	if err != nil {
		return CompactStats{}, err
	}

	s.log.Info("compacted document",
		slog.String("doc", id),
		slog.Int("pruned", stats.Pruned),
		slog.Int("snapshot_bytes", stats.SnapshotLen))
	return stats, nil
}
