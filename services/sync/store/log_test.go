// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialecticlabs/boardsync/services/sync/document"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// editor drives a single client replica so successive deltas carry
// contiguous sequence numbers, the way a real session produces them.
type editor struct {
	t   *testing.T
	doc *document.Document
}

func newEditor(t *testing.T, site string) *editor {
	return &editor{t: t, doc: document.New(site)}
}

func (e *editor) commit(fn func(*document.Txn) error) []byte {
	e.t.Helper()
	cs, err := e.doc.Transact(document.OriginLocal, fn)
	require.NoError(e.t, err)
	return cs.Delta
}

func pointNode(id string, x, y float64) document.Node {
	return document.Node{
		ID:       id,
		Kind:     document.NodePoint,
		Position: document.Position{X: x, Y: y},
		Data:     document.NodeData{Point: &document.PointData{}},
	}
}

func TestAppendAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	d1 := ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	d2 := ed.commit(func(txn *document.Txn) error {
		txn.SetText("n1", "hello")
		return nil
	})

	seq, err := s.AppendUpdate(ctx, id, d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = s.AppendUpdate(ctx, id, d2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	// First append created the document row implicitly.
	meta, err := s.Meta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.LastSeq)
	assert.Equal(t, uint64(0), meta.SnapshotSeq)

	recs, err := s.Updates(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, d1, recs[0].Delta)
	assert.Equal(t, d2, recs[1].Delta)

	recs, err = s.Updates(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].Seq)
}

func TestAppendRejectsUndecodablePayload(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendUpdate(context.Background(), uuid.NewString(), []byte("not a delta"))
	require.ErrorIs(t, err, ErrCorruptUpdate)
}

func TestSnapshotBytesReflectsReplayedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	_, err := s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		if err := txn.PutNode(pointNode("n1", 1, 2)); err != nil {
			return err
		}
		txn.SetText("n1", "claim")
		return nil
	}))
	require.NoError(t, err)

	snap, _, err := s.SnapshotBytes(ctx, id)
	require.NoError(t, err)

	replica := document.New("reader")
	require.NoError(t, replica.ApplySnapshot(snap))
	node, ok := replica.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, document.Position{X: 1, Y: 2}, node.Position)
	assert.Equal(t, "claim", replica.Text("n1"))
}

func TestSnapshotBytesUnknownDocIsEmpty(t *testing.T) {
	s := newTestStore(t)
	snap, mod, err := s.SnapshotBytes(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.True(t, mod.IsZero())

	replica := document.New("reader")
	require.NoError(t, replica.ApplySnapshot(snap))
	assert.Empty(t, replica.Export().Nodes)
}

func TestDiffAgainstStaleAndCurrentVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	_, err := s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	}))
	require.NoError(t, err)

	// Stale replica synced here.
	client := document.New("site-b")
	snap, _, err := s.SnapshotBytes(ctx, id)
	require.NoError(t, err)
	require.NoError(t, client.ApplySnapshot(snap))

	_, err = s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 5, 5))
	}))
	require.NoError(t, err)

	diff, err := s.DiffAgainst(ctx, id, client.StateVector())
	require.NoError(t, err)
	require.False(t, diff.Empty)
	require.NotEmpty(t, diff.Data)

	_, err = client.ApplyDelta(diff.Data, document.OriginRemote)
	require.NoError(t, err)
	assert.Len(t, client.Export().Nodes, 2)

	// Now current: explicit empty result.
	diff, err = s.DiffAgainst(ctx, id, client.StateVector())
	require.NoError(t, err)
	assert.True(t, diff.Empty)
	assert.Empty(t, diff.Data)
}

func TestCompactPrunesButDiffsSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	_, err := s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	}))
	require.NoError(t, err)

	// Stale replica synced before the rest of the edits.
	client := document.New("site-b")
	snap, _, err := s.SnapshotBytes(ctx, id)
	require.NoError(t, err)
	require.NoError(t, client.ApplySnapshot(snap))

	_, err = s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 5, 5))
	}))
	require.NoError(t, err)
	_, err = s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		txn.DeleteNode("n1")
		return nil
	}))
	require.NoError(t, err)

	stats, err := s.Compact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pruned)
	assert.Positive(t, stats.SnapshotLen)

	recs, err := s.Updates(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, recs, "covered updates must be pruned")

	meta, err := s.Meta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, meta.LastSeq, meta.SnapshotSeq)
	assert.False(t, meta.SnapshotAt.IsZero())

	// The stale replica can still catch up from the compacted state,
	// including the delete it never saw.
	diff, err := s.DiffAgainst(ctx, id, client.StateVector())
	require.NoError(t, err)
	require.False(t, diff.Empty)
	_, err = client.ApplyDelta(diff.Data, document.OriginRemote)
	require.NoError(t, err)

	state := client.Export()
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "n2", state.Nodes[0].ID)
}

func TestCompactUnknownDoc(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Compact(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAfterCompactReplaysOnTopOfSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	_, err := s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		if err := txn.PutNode(pointNode("n1", 0, 0)); err != nil {
			return err
		}
		txn.SetText("n1", "alpha")
		return nil
	}))
	require.NoError(t, err)
	_, err = s.Compact(ctx, id)
	require.NoError(t, err)

	_, err = s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		txn.SetText("n1", "alpha beta")
		return nil
	}))
	require.NoError(t, err)

	doc, stats, err := s.LoadState(ctx, id)
	require.NoError(t, err)
	assert.True(t, stats.FromSnapshot)
	assert.Equal(t, 1, stats.Replayed)
	assert.Equal(t, "alpha beta", doc.Text("n1"))
}

func TestLoadStateSkipsCorruptRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	ed := newEditor(t, "site-a")

	_, err := s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	}))
	require.NoError(t, err)

	// Smash a row in the middle of the log.
	require.NoError(t, s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		row, err := getDocRow(txn, id)
		if err != nil {
			return err
		}
		row.LastSeq++
		if err := txn.Set(updKey(id, row.LastSeq), []byte("garbage")); err != nil {
			return err
		}
		return putDocRow(txn, row)
	}))

	_, err = s.AppendUpdate(ctx, id, ed.commit(func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 5, 5))
	}))
	require.NoError(t, err)

	doc, stats, err := s.LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Replayed)
	assert.Len(t, doc.Export().Nodes, 2, "good rows around the bad one still apply")
}

func TestResolveSlugAndID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateDocument(ctx, "weekly-debate")
	require.NoError(t, err)

	id, err := s.Resolve(ctx, "weekly-debate")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, id)

	id, err = s.Resolve(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, id)

	// Well-formed but unknown id resolves to itself.
	fresh := uuid.NewString()
	id, err = s.Resolve(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, id)

	_, err = s.Resolve(ctx, "no-such-slug")
	require.ErrorIs(t, err, ErrBadRef)
	_, err = s.Resolve(ctx, "")
	require.ErrorIs(t, err, ErrBadRef)
}

func TestCreateDocumentSlugCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, "taken")
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "taken")
	require.ErrorIs(t, err, ErrSlugTaken)
}

func TestCreateDocumentRejectsBadSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"Upper", "has space", "pipe|char", uuid.NewString()} {
		_, err := s.CreateDocument(ctx, slug)
		assert.ErrorIs(t, err, ErrBadSlug, "slug %q", slug)
	}

	meta, err := s.CreateDocument(ctx, "fine")
	require.NoError(t, err)
	err = s.SetSlug(ctx, meta.ID, "")
	assert.ErrorIs(t, err, ErrBadSlug)
}

func TestSetSlugRemapsOldSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateDocument(ctx, "draft")
	require.NoError(t, err)
	require.NoError(t, s.SetSlug(ctx, meta.ID, "final"))

	id, err := s.Resolve(ctx, "final")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, id)

	_, err = s.Resolve(ctx, "draft")
	assert.ErrorIs(t, err, ErrBadRef, "old slug must be released")

	other, err := s.CreateDocument(ctx, "other")
	require.NoError(t, err)
	err = s.SetSlug(ctx, other.ID, "final")
	require.ErrorIs(t, err, ErrSlugTaken)
}
