// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mutate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialecticlabs/boardsync/services/sync/document"
	"github.com/dialecticlabs/boardsync/services/sync/history"
)

// fakeLocks is a minimal LockChecker for tests.
type fakeLocks struct {
	held map[string]string // node -> owner
}

func (f *fakeLocks) LockedByOther(nodeID, self string) bool {
	owner, ok := f.held[nodeID]
	return ok && owner != self
}

func (f *fakeLocks) Owner(nodeID string) (string, bool) {
	owner, ok := f.held[nodeID]
	return owner, ok
}

func newService(t *testing.T) (*Service, *document.Document) {
	t.Helper()
	doc := document.New("site-a")
	return New(doc, Options{Session: "me"}), doc
}

func mustCreate(t *testing.T, s *Service, req CreateNodeRequest) string {
	t.Helper()
	res, err := s.CreateNode(req)
	require.NoError(t, err)
	require.False(t, res.Aborted())
	return res.NodeID
}

func mustConnect(t *testing.T, doc *document.Document, id, kind, src, tgt string) {
	t.Helper()
	_, err := doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		return txn.PutEdge(document.Edge{
			ID: id, Kind: document.EdgeKind(kind), Source: src, Target: tgt,
		})
	})
	require.NoError(t, err)
}

func TestCreateNodeWithContentAndHook(t *testing.T) {
	doc := document.New("site-a")
	var added []document.Node
	s := New(doc, Options{
		Hooks: Hooks{NodeAdded: func(n document.Node) { added = append(added, n) }},
	})

	res, err := s.CreateNode(CreateNodeRequest{
		Kind:     document.NodePoint,
		Position: document.Position{X: 10, Y: 20},
		Content:  "first point",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.NodeID)

	node, ok := doc.GetNode(res.NodeID)
	require.True(t, ok)
	assert.Equal(t, document.Position{X: 10, Y: 20}, node.Position)
	assert.Equal(t, "first point", doc.Text(res.NodeID))

	require.Len(t, added, 1)
	assert.Equal(t, res.NodeID, added[0].ID)
}

func TestCreateNodeRejectsAnchorKind(t *testing.T) {
	s, _ := newService(t)
	_, err := s.CreateNode(CreateNodeRequest{Kind: document.NodeAnchor})
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestPermissionDenialIsReadOnlyResult(t *testing.T) {
	doc := document.New("site-a")
	s := New(doc, Options{CanEdit: func() bool { return false }})

	res, err := s.CreateNode(CreateNodeRequest{Kind: document.NodePoint})
	require.NoError(t, err, "denial is a result, not an error")
	assert.True(t, res.ReadOnly)
	assert.True(t, res.Aborted())
	assert.Empty(t, doc.Export().Nodes)
}

func TestLockWarnsAndAbortsUnlessForced(t *testing.T) {
	doc := document.New("site-a")
	locks := &fakeLocks{held: map[string]string{}}
	s := New(doc, Options{Session: "me", Locks: locks})

	id := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	locks.held[id] = "someone-else"

	res, err := s.UpdateNodePosition(id, document.Position{X: 99, Y: 99})
	require.NoError(t, err)
	assert.Equal(t, "someone-else", res.LockedBy)
	assert.Equal(t, id, res.LockedNode)
	node, _ := doc.GetNode(id)
	assert.Equal(t, document.Position{}, node.Position, "aborted mutation must not apply")

	// A lock held by this session does not abort.
	locks.held[id] = "me"
	res, err = s.UpdateNodePosition(id, document.Position{X: 5, Y: 5})
	require.NoError(t, err)
	assert.False(t, res.Aborted())

	// Forced mutations ignore the advisory lock.
	locks.held[id] = "someone-else"
	res, err = s.Force().UpdateNodePosition(id, document.Position{X: 7, Y: 7})
	require.NoError(t, err)
	assert.False(t, res.Aborted())
	node, _ = doc.GetNode(id)
	assert.Equal(t, document.Position{X: 7, Y: 7}, node.Position)
}

func TestDeleteNodeCascades(t *testing.T) {
	s, doc := newService(t)

	parent := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	child := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	bystander := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	mustConnect(t, doc, "e1", "support", child, parent)
	mustConnect(t, doc, "e2", "support", bystander, child)

	// An objection hangs off e1 via an anchor.
	obj, err := s.AddObjectionForEdge("e1", "I object")
	require.NoError(t, err)

	res, err := s.DeleteNode(parent)
	require.NoError(t, err)

	state := doc.Export()
	ids := map[string]bool{}
	for _, n := range state.Nodes {
		ids[n.ID] = true
	}
	assert.False(t, ids[parent])
	assert.True(t, ids[child])
	assert.True(t, ids[bystander])
	assert.False(t, ids[obj.AnchorID], "anchor on a cascaded edge dies with it")
	assert.True(t, ids[obj.NodeID], "objecting point survives as a free node")

	for _, e := range state.Edges {
		assert.NotEqual(t, "e1", e.ID)
		assert.NotEqual(t, obj.EdgeID, e.ID, "objection edge dies with its anchor")
	}
	assert.Contains(t, res.Deleted, "e1")
	assert.Contains(t, res.Deleted, obj.AnchorID)
}

func TestDeleteNodeUnparentsChildren(t *testing.T) {
	s, doc := newService(t)
	group := mustCreate(t, s, CreateNodeRequest{Kind: document.NodeGroup})
	member := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, ParentID: group})

	_, err := s.DeleteNode(group)
	require.NoError(t, err)

	node, ok := doc.GetNode(member)
	require.True(t, ok)
	assert.Empty(t, node.ParentID)
}

func TestDeleteCascadeUndoneAsOneStep(t *testing.T) {
	s, doc := newService(t)
	h := history.New(doc, history.Config{})

	parent := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Content: "claim"})
	child := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Content: "reason"})
	mustConnect(t, doc, "e1", "support", child, parent)

	before := doc.Export()
	_, err := s.DeleteNode(parent)
	require.NoError(t, err)
	require.NotEqual(t, before, doc.Export())

	ok, err := h.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, doc.Export(), "one undo restores node, edge and text")

	ok, err = h.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	_, exists := doc.GetNode(parent)
	assert.False(t, exists)
}

func TestCreateUndoRedo(t *testing.T) {
	s, doc := newService(t)
	h := history.New(doc, history.Config{})

	id := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Content: "hello"})

	ok, err := h.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	_, exists := doc.GetNode(id)
	assert.False(t, exists)
	assert.Equal(t, "", doc.Text(id))

	ok, err = h.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	_, exists = doc.GetNode(id)
	assert.True(t, exists)
	assert.Equal(t, "hello", doc.Text(id))
}

func TestUpdateNodeTypeAndHidden(t *testing.T) {
	s, doc := newService(t)
	id := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})

	_, err := s.UpdateNodeType(id, document.NodeStatement)
	require.NoError(t, err)
	node, _ := doc.GetNode(id)
	assert.Equal(t, document.NodeStatement, node.Kind)
	assert.NotNil(t, node.Data.Statement)
	assert.Nil(t, node.Data.Point)

	_, err = s.UpdateNodeType(id, document.NodeAnchor)
	require.ErrorIs(t, err, ErrInvalidKind)

	_, err = s.SetNodeHidden(id, true)
	require.NoError(t, err)
	node, _ = doc.GetNode(id)
	assert.True(t, node.Hidden)
}

func TestUpdateContentMissingNode(t *testing.T) {
	s, _ := newService(t)
	_, err := s.UpdateNodeContent("ghost", "text")
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestDuplicateNodeWithConnections(t *testing.T) {
	s, doc := newService(t)
	a := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Content: "origin"})
	b := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	c := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	mustConnect(t, doc, "ab", "support", a, b)
	mustConnect(t, doc, "ca", "negation", c, a)

	res, err := s.DuplicateNodeWithConnections(a, document.Position{X: 30, Y: 30})
	require.NoError(t, err)
	dup := res.NodeID
	require.NotEqual(t, a, dup)

	assert.Equal(t, "origin", doc.Text(dup))

	var outbound, inbound int
	for _, e := range doc.Export().Edges {
		if e.Source == dup && e.Target == b && e.Kind == document.EdgeSupport {
			outbound++
		}
		if e.Source == c && e.Target == dup && e.Kind == document.EdgeNegation {
			inbound++
		}
	}
	assert.Equal(t, 1, outbound, "outgoing connection duplicated")
	assert.Equal(t, 1, inbound, "incoming connection duplicated")
}

func TestMergeNodesReroutesAndDedupes(t *testing.T) {
	s, doc := newService(t)
	winner := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	loser := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Content: "loser text"})
	other := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})

	// Parallel after reroute: other->winner exists, other->loser reroutes onto it.
	mustConnect(t, doc, "ow", "support", other, winner)
	mustConnect(t, doc, "ol", "support", other, loser)
	// Becomes a self-loop after reroute.
	mustConnect(t, doc, "lw", "negation", loser, winner)
	// Unique edge that genuinely moves.
	mustConnect(t, doc, "lo", "negation", loser, other)

	var merged [][2]string
	s.hooks.NodesMerged = func(w, l string) { merged = append(merged, [2]string{w, l}) }

	res, err := s.MergeNodes(winner, loser)
	require.NoError(t, err)
	assert.Equal(t, winner, res.NodeID)

	_, loserLeft := doc.GetNode(loser)
	assert.False(t, loserLeft)

	edges := doc.Export().Edges
	byID := map[string]document.Edge{}
	for _, e := range edges {
		byID[e.ID] = e
	}
	require.Len(t, edges, 2, "dupe and self-loop dropped")
	assert.Equal(t, winner, byID["ow"].Target)
	assert.Equal(t, winner, byID["lo"].Source, "unique edge rerouted")
	assert.Equal(t, other, byID["lo"].Target)

	assert.Equal(t, "loser text", doc.Text(winner), "empty winner adopts loser text")
	assert.Equal(t, [][2]string{{winner, loser}}, merged)
}

func TestMergeNodesReparentsChildren(t *testing.T) {
	s, doc := newService(t)
	winner := mustCreate(t, s, CreateNodeRequest{Kind: document.NodeGroup})
	loser := mustCreate(t, s, CreateNodeRequest{Kind: document.NodeGroup})
	member := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, ParentID: loser})

	_, err := s.MergeNodes(winner, loser)
	require.NoError(t, err)

	node, ok := doc.GetNode(member)
	require.True(t, ok)
	assert.Equal(t, winner, node.ParentID)
}

func TestEnsureEdgeAnchorIdempotent(t *testing.T) {
	s, doc := newService(t)
	a := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Position: document.Position{X: 0, Y: 0}})
	b := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint, Position: document.Position{X: 100, Y: 100}})
	mustConnect(t, doc, "e1", "support", a, b)

	res1, err := s.EnsureEdgeAnchor("e1")
	require.NoError(t, err)
	require.NotEmpty(t, res1.AnchorID)

	anchor, ok := doc.GetNode(res1.AnchorID)
	require.True(t, ok)
	assert.Equal(t, document.NodeAnchor, anchor.Kind)
	assert.Equal(t, "e1", anchor.Data.Anchor.EdgeID)
	assert.Equal(t, document.Position{X: 50, Y: 50}, anchor.Position)

	res2, err := s.EnsureEdgeAnchor("e1")
	require.NoError(t, err)
	assert.Equal(t, res1.AnchorID, res2.AnchorID, "second call returns the same anchor")

	_, err = s.EnsureEdgeAnchor("ghost")
	require.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestAddObjectionForEdge(t *testing.T) {
	s, doc := newService(t)
	a := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	b := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	mustConnect(t, doc, "e1", "support", a, b)

	res, err := s.AddObjectionForEdge("e1", "that does not follow")
	require.NoError(t, err)

	point, ok := doc.GetNode(res.NodeID)
	require.True(t, ok)
	assert.Equal(t, res.AnchorID, point.Data.Point.ObjectionFor)
	assert.Equal(t, "that does not follow", doc.Text(res.NodeID))

	edge, ok := doc.GetEdge(res.EdgeID)
	require.True(t, ok)
	assert.Equal(t, document.EdgeObjection, edge.Kind)
	assert.Equal(t, res.NodeID, edge.Source)
	assert.Equal(t, res.AnchorID, edge.Target)
	assert.Equal(t, res.AnchorID, edge.Data.Objection.AnchorID)
}

func TestAddPointBelow(t *testing.T) {
	s, doc := newService(t)
	parent := mustCreate(t, s, CreateNodeRequest{
		Kind: document.NodePoint, Position: document.Position{X: 10, Y: 10},
	})

	res, err := s.AddPointBelow(parent, document.EdgeNegation, "counterpoint")
	require.NoError(t, err)

	point, ok := doc.GetNode(res.NodeID)
	require.True(t, ok)
	assert.Equal(t, document.Position{X: 10, Y: 160}, point.Position)
	assert.Equal(t, "counterpoint", doc.Text(res.NodeID))

	edge, ok := doc.GetEdge(res.EdgeID)
	require.True(t, ok)
	assert.Equal(t, document.EdgeNegation, edge.Kind)
	assert.Equal(t, res.NodeID, edge.Source)
	assert.Equal(t, parent, edge.Target)

	_, err = s.AddPointBelow(parent, document.EdgeObjection, "nope")
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestAddPointBelowUndoRedo(t *testing.T) {
	s, doc := newService(t)
	h := history.New(doc, history.Config{})
	parent := mustCreate(t, s, CreateNodeRequest{Kind: document.NodePoint})
	h.Seal()

	res, err := s.AddPointBelow(parent, document.EdgeSupport, "because")
	require.NoError(t, err)

	ok, err := h.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	_, exists := doc.GetNode(res.NodeID)
	assert.False(t, exists, "undo removes the point")
	_, exists = doc.GetEdge(res.EdgeID)
	assert.False(t, exists, "undo removes the connecting edge")

	ok, err = h.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	_, exists = doc.GetNode(res.NodeID)
	assert.True(t, exists)
	_, exists = doc.GetEdge(res.EdgeID)
	assert.True(t, exists)
	assert.Equal(t, "because", doc.Text(res.NodeID))
}
