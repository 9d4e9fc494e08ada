// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialecticlabs/boardsync/services/sync/document"
)

func pointNode(id string, x, y float64) document.Node {
	return document.Node{
		ID:       id,
		Kind:     document.NodePoint,
		Position: document.Position{X: x, Y: y},
		Data:     document.NodeData{Point: &document.PointData{}},
	}
}

func commit(t *testing.T, doc *document.Document, fn func(*document.Txn) error) {
	t.Helper()
	_, err := doc.Transact(document.OriginLocal, fn)
	require.NoError(t, err)
}

func TestUndoRedoSymmetry(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{})

	var states []document.State
	states = append(states, doc.Export())

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	states = append(states, doc.Export())

	commit(t, doc, func(txn *document.Txn) error {
		txn.SetText("n1", "claim")
		return nil
	})
	states = append(states, doc.Export())

	commit(t, doc, func(txn *document.Txn) error {
		node, _ := txn.Node("n1")
		node.Position = document.Position{X: 40, Y: 40}
		return txn.PutNode(node)
	})
	states = append(states, doc.Export())

	// Undo all the way back, checking each intermediate state.
	for i := len(states) - 2; i >= 0; i-- {
		ok, err := m.Undo()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, states[i], doc.Export(), "undo to state %d", i)
	}
	ok, err := m.Undo()
	require.NoError(t, err)
	assert.False(t, ok, "empty undo stack")

	// Redo all the way forward.
	for i := 1; i < len(states); i++ {
		ok, err := m.Redo()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, states[i], doc.Export(), "redo to state %d", i)
	}
	ok, err = m.Redo()
	require.NoError(t, err)
	assert.False(t, ok, "empty redo stack")
}

func TestNewLocalEditClearsRedo(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{})

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.CanRedo())

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 5, 5))
	})
	assert.False(t, m.CanRedo(), "new local edit must clear redo")
}

func TestRemoteTransactionsNotRecorded(t *testing.T) {
	local := document.New("site-a")
	remote := document.New("site-b")
	m := New(local, Config{})

	cs, err := remote.Transact(document.OriginLocal, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("r1", 0, 0))
	})
	require.NoError(t, err)
	_, err = local.ApplyDelta(cs.Delta, document.OriginRemote)
	require.NoError(t, err)

	assert.False(t, m.CanUndo(), "remote work must not be undoable")
}

func TestUndoSkipsRemoteWork(t *testing.T) {
	local := document.New("site-a")
	remote := document.New("site-b")
	m := New(local, Config{})

	commit(t, local, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("mine", 0, 0))
	})

	cs, err := remote.Transact(document.OriginLocal, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("theirs", 9, 9))
	})
	require.NoError(t, err)
	_, err = local.ApplyDelta(cs.Delta, document.OriginRemote)
	require.NoError(t, err)

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)

	_, mineLeft := local.GetNode("mine")
	_, theirsLeft := local.GetNode("theirs")
	assert.False(t, mineLeft, "own edit undone")
	assert.True(t, theirsLeft, "collaborator's node must survive the undo")
}

func TestGroupCoalescesIntoOneStep(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{})

	before := doc.Export()

	m.BeginGroup()
	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	commit(t, doc, func(txn *document.Txn) error {
		txn.SetText("n1", "grouped")
		return nil
	})
	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 10, 10))
	})
	m.EndGroup()

	undoDepth, _ := m.Depths()
	require.Equal(t, 1, undoDepth)

	grouped := doc.Export()
	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, doc.Export())

	ok, err = m.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grouped, doc.Export())
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{Debounce: time.Minute})

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	for _, s := range []string{"a", "ab", "abc"} {
		text := s
		commit(t, doc, func(txn *document.Txn) error {
			txn.SetText("n1", text)
			return nil
		})
	}

	undoDepth, _ := m.Depths()
	assert.Equal(t, 1, undoDepth, "rapid edits coalesce into one step")

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, doc.Export().Nodes, "single undo reverses the whole burst")
}

func TestSealSplitsDebounceWindow(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{Debounce: time.Minute})

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	m.Seal()
	commit(t, doc, func(txn *document.Txn) error {
		txn.SetText("n1", "second step")
		return nil
	})

	undoDepth, _ := m.Depths()
	assert.Equal(t, 2, undoDepth)

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", doc.Text("n1"))
	_, nodeLeft := doc.GetNode("n1")
	assert.True(t, nodeLeft, "first step untouched by one undo")
}

func TestUndoDepthLimit(t *testing.T) {
	doc := document.New("site-a")
	m := New(doc, Config{Limit: 3})

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		commit(t, doc, func(txn *document.Txn) error {
			return txn.PutNode(pointNode(id, 0, 0))
		})
	}

	undoDepth, _ := m.Depths()
	assert.Equal(t, 3, undoDepth, "oldest records dropped past the limit")
}

// TestDepthChangeCallback follows the availability signal a client uses
// to enable its undo/redo controls: it fires on record, undo and redo,
// and reflects redo being cleared by a fresh edit.
func TestDepthChangeCallback(t *testing.T) {
	doc := document.New("site-a")

	type depths struct{ undo, redo int }
	var seen []depths
	m := New(doc, Config{
		OnDepthChange: func(undo, redo int) {
			seen = append(seen, depths{undo, redo})
		},
	})

	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n1", 0, 0))
	})
	require.Equal(t, []depths{{1, 0}}, seen)

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, depths{0, 1}, seen[len(seen)-1])

	ok, err = m.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, depths{1, 0}, seen[len(seen)-1])

	// A fresh edit clears redo; the callback reports it gone.
	ok, err = m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	commit(t, doc, func(txn *document.Txn) error {
		return txn.PutNode(pointNode("n2", 5, 5))
	})
	assert.Equal(t, depths{1, 0}, seen[len(seen)-1])
	assert.False(t, m.CanRedo())
}
