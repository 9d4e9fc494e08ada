// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// textOps commits a single-step edit on a replica and returns its delta.
func textOps(t *testing.T, replica *Document, fn func(*Txn) error) []byte {
	t.Helper()
	cs, err := replica.Transact(OriginLocal, fn)
	require.NoError(t, err)
	return cs.Delta
}

// TestTextBasicEditing covers insert, positional insert and delete.
func TestTextBasicEditing(t *testing.T) {
	doc := New("site-a")
	_, err := doc.Transact(OriginLocal, func(txn *Txn) error {
		txn.InsertText("n1", 0, "hello world")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Text("n1"))

	_, err = doc.Transact(OriginLocal, func(txn *Txn) error {
		txn.InsertText("n1", 5, ",")
		txn.DeleteText("n1", 6, 1) // the space
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello,world", doc.Text("n1"))
}

// TestTextConcurrentInsertsConverge verifies two replicas typing at the same
// position produce the same merged text in either merge order.
func TestTextConcurrentInsertsConverge(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	seed := textOps(t, a, func(txn *Txn) error {
		txn.InsertText("n1", 0, "base")
		return nil
	})
	_, err := b.ApplyDelta(seed, OriginRemote)
	require.NoError(t, err)

	editA := textOps(t, a, func(txn *Txn) error {
		txn.InsertText("n1", 4, " from-a")
		return nil
	})
	editB := textOps(t, b, func(txn *Txn) error {
		txn.InsertText("n1", 4, " from-b")
		return nil
	})

	_, err = a.ApplyDelta(editB, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyDelta(editA, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, a.Text("n1"), b.Text("n1"))
	snapA, err := a.EncodeSnapshot()
	require.NoError(t, err)
	snapB, err := b.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snapA, snapB)
}

// TestTextConcurrentDeleteConverges verifies a delete racing an insert
// inside the deleted range converges.
func TestTextConcurrentDeleteConverges(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	seed := textOps(t, a, func(txn *Txn) error {
		txn.InsertText("n1", 0, "abcdef")
		return nil
	})
	_, err := b.ApplyDelta(seed, OriginRemote)
	require.NoError(t, err)

	delA := textOps(t, a, func(txn *Txn) error {
		txn.DeleteText("n1", 1, 4) // bcde
		return nil
	})
	insB := textOps(t, b, func(txn *Txn) error {
		txn.InsertText("n1", 3, "XY") // between c and d
		return nil
	})

	_, err = a.ApplyDelta(insB, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyDelta(delA, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, a.Text("n1"), b.Text("n1"))
	assert.Contains(t, a.Text("n1"), "XY", "survivor insert must not be lost")
}

// TestTextIndependentPerNode verifies per-node text values do not interact.
func TestTextIndependentPerNode(t *testing.T) {
	doc := New("site-a")
	_, err := doc.Transact(OriginLocal, func(txn *Txn) error {
		txn.SetText("n1", "one")
		txn.SetText("n2", "two")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "one", doc.Text("n1"))
	assert.Equal(t, "two", doc.Text("n2"))
}

// TestTextConcurrentContentAndPositionEdit verifies the decoupling invariant:
// a text edit and a node position edit on the same node never conflict.
func TestTextConcurrentContentAndPositionEdit(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	seed := textOps(t, a, func(txn *Txn) error {
		if err := txn.PutNode(pointNode("n1", 0, 0)); err != nil {
			return err
		}
		txn.SetText("n1", "claim")
		return nil
	})
	_, err := b.ApplyDelta(seed, OriginRemote)
	require.NoError(t, err)

	moveA := textOps(t, a, func(txn *Txn) error {
		node, _ := txn.Node("n1")
		node.Position = Position{X: 500, Y: 500}
		return txn.PutNode(node)
	})
	editB := textOps(t, b, func(txn *Txn) error {
		txn.SetText("n1", "claim, revised")
		return nil
	})

	_, err = a.ApplyDelta(editB, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyDelta(moveA, OriginRemote)
	require.NoError(t, err)

	for _, replica := range []*Document{a, b} {
		node, ok := replica.GetNode("n1")
		require.True(t, ok)
		assert.Equal(t, Position{X: 500, Y: 500}, node.Position)
		assert.Equal(t, "claim, revised", replica.Text("n1"))
	}
}

// TestTextUnicode verifies rune-based positions handle multibyte input.
func TestTextUnicode(t *testing.T) {
	doc := New("site-a")
	_, err := doc.Transact(OriginLocal, func(txn *Txn) error {
		txn.InsertText("n1", 0, "héllo")
		return nil
	})
	require.NoError(t, err)
	_, err = doc.Transact(OriginLocal, func(txn *Txn) error {
		txn.DeleteText("n1", 1, 1)
		txn.InsertText("n1", 1, "e")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text("n1"))
}
