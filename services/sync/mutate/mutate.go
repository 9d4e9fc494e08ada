// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mutate is the high-level mutation library for argument boards.
//
// Every operation follows one template: permission check (denial is a
// read-only result, not an error), advisory lock check (another
// session's lock warns and aborts, unless forced), then exactly one
// document transaction so the whole mutation lands or none of it does,
// then synchronous hooks after commit.
package mutate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/dialecticlabs/boardsync/services/sync/document"
)

var (
	// ErrNodeNotFound indicates the referenced node is not live.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound indicates the referenced edge is not live.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrInvalidKind indicates a kind an operation cannot produce.
	ErrInvalidKind = errors.New("invalid kind for operation")
)

// LockChecker is the advisory lock view a mutation consults before
// touching a node. Locks are soft: they abort the local mutation as a
// courtesy, never the merge.
type LockChecker interface {
	LockedByOther(nodeID, self string) bool
	Owner(nodeID string) (string, bool)
}

// Hooks are invoked synchronously after a successful commit.
type Hooks struct {
	NodeAdded   func(document.Node)
	EdgeCreated func(document.Edge)
	NodesMerged func(winnerID, loserID string)
}

// Result reports how a mutation ended. A mutation that could not run is
// not an error: ReadOnly and LockedBy describe expected outcomes the
// client UI must surface.
type Result struct {
	// ReadOnly is set when the session lacks edit permission.
	ReadOnly bool

	// LockedBy names the session whose advisory lock aborted the
	// mutation, and LockedNode the node it holds.
	LockedBy   string
	LockedNode string

	NodeID   string
	EdgeID   string
	AnchorID string

	// Deleted lists ids removed by a cascade, nodes and edges both.
	Deleted []string
}

// Aborted reports whether the mutation was stopped before transacting.
func (r Result) Aborted() bool {
	return r.ReadOnly || r.LockedBy != ""
}

// Options configures a Service.
type Options struct {
	// Session identifies the editing session for lock self-checks.
	Session string

	// Locks is consulted before mutating a node. Nil disables checks.
	Locks LockChecker

	// CanEdit gates every mutation. Nil means always editable.
	CanEdit func() bool

	Hooks  Hooks
	Logger *slog.Logger
}

// Service runs mutations against one board document.
type Service struct {
	doc     *document.Document
	session string
	locks   LockChecker
	canEdit func() bool
	hooks   Hooks
	logger  *slog.Logger
	forced  bool
}

// New creates a mutation service for the document.
func New(doc *document.Document, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		doc:     doc,
		session: opts.Session,
		locks:   opts.Locks,
		canEdit: opts.CanEdit,
		hooks:   opts.Hooks,
		logger:  logger,
	}
}

// Force returns a view of the service that skips advisory lock checks.
// Permission checks still apply.
func (s *Service) Force() *Service {
	forced := *s
	forced.forced = true
	return &forced
}

// guard applies the permission and lock template. The returned Result is
// meaningful only when ok is false.
func (s *Service) guard(nodeIDs ...string) (Result, bool) {
	if s.canEdit != nil && !s.canEdit() {
		return Result{ReadOnly: true}, false
	}
	if s.locks == nil || s.forced {
		return Result{}, true
	}
	for _, id := range nodeIDs {
		if s.locks.LockedByOther(id, s.session) {
			owner, _ := s.locks.Owner(id)
			s.logger.Warn("mutation aborted: node locked",
				slog.String("node", id),
				slog.String("holder", owner))
			return Result{LockedBy: owner, LockedNode: id}, false
		}
	}
	return Result{}, true
}

// payloadFor returns the empty data payload matching kind. Anchor nodes
// are excluded; they are only created via EnsureEdgeAnchor.
func payloadFor(kind document.NodeKind) (document.NodeData, error) {
	switch kind {
	case document.NodePoint:
		return document.NodeData{Point: &document.PointData{}}, nil
	case document.NodeStatement:
		return document.NodeData{Statement: &document.StatementData{}}, nil
	case document.NodeGroup:
		return document.NodeData{Group: &document.GroupData{}}, nil
	case document.NodeComment:
		return document.NodeData{Comment: &document.CommentData{}}, nil
	default:
		return document.NodeData{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// CreateNodeRequest describes a new node.
type CreateNodeRequest struct {
	Kind     document.NodeKind
	Position document.Position
	Content  string
	ParentID string
}

// CreateNode adds one node, with optional initial content.
func (s *Service) CreateNode(req CreateNodeRequest) (Result, error) {
	res, ok := s.guard()
	if !ok {
		return res, nil
	}
	data, err := payloadFor(req.Kind)
	if err != nil {
		return Result{}, err
	}
	node := document.Node{
		ID:       uuid.NewString(),
		Kind:     req.Kind,
		Position: req.Position,
		ParentID: req.ParentID,
		Data:     data,
	}
	_, err = s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		if err := txn.PutNode(node); err != nil {
			return err
		}
		if req.Content != "" {
			txn.SetText(node.ID, req.Content)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if s.hooks.NodeAdded != nil {
		s.hooks.NodeAdded(node)
	}
	return Result{NodeID: node.ID}, nil
}

// DeleteNode removes a node and cascades: every edge touching it, every
// anchor sitting on a removed edge, and so on until the graph is
// consistent. Children parented under the node are kept and unparented.
// The whole cascade is one transaction, so one undo restores all of it.
func (s *Service) DeleteNode(id string) (Result, error) {
	if _, ok := s.doc.GetNode(id); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	res, ok := s.guard(id)
	if !ok {
		return res, nil
	}

	var deleted []string
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		removedNodes, removedEdges := cascade(txn, id)

		for edgeID := range removedEdges {
			txn.DeleteEdge(edgeID)
			deleted = append(deleted, edgeID)
		}
		for nodeID := range removedNodes {
			txn.DeleteNode(nodeID)
			deleted = append(deleted, nodeID)
		}
		for _, n := range txn.Nodes() {
			if n.ParentID != "" && removedNodes[n.ParentID] {
				n.ParentID = ""
				if err := txn.PutNode(n); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	sort.Strings(deleted)
	return Result{NodeID: id, Deleted: deleted}, nil
}

// cascade computes the closure of a node removal: edges touching removed
// nodes, anchors on removed edges, repeated to a fixpoint.
func cascade(txn *document.Txn, rootID string) (map[string]bool, map[string]bool) {
	removedNodes := map[string]bool{rootID: true}
	removedEdges := map[string]bool{}

	for changed := true; changed; {
		changed = false
		for _, e := range txn.Edges() {
			if removedEdges[e.ID] {
				continue
			}
			if removedNodes[e.Source] || removedNodes[e.Target] {
				removedEdges[e.ID] = true
				changed = true
			}
		}
		for _, n := range txn.Nodes() {
			if removedNodes[n.ID] || n.Kind != document.NodeAnchor {
				continue
			}
			if n.Data.Anchor != nil && removedEdges[n.Data.Anchor.EdgeID] {
				removedNodes[n.ID] = true
				changed = true
			}
		}
	}
	return removedNodes, removedEdges
}

// UpdateNodeContent replaces the node's text body.
func (s *Service) UpdateNodeContent(id, content string) (Result, error) {
	if _, ok := s.doc.GetNode(id); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	res, ok := s.guard(id)
	if !ok {
		return res, nil
	}
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		txn.SetText(id, content)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{NodeID: id}, nil
}

// UpdateNodePosition moves a node.
func (s *Service) UpdateNodePosition(id string, pos document.Position) (Result, error) {
	return s.updateNode(id, func(n *document.Node) error {
		n.Position = pos
		return nil
	})
}

// UpdateNodeType changes a node's kind, resetting its variant payload.
// Anchors cannot be produced or consumed by retyping.
func (s *Service) UpdateNodeType(id string, kind document.NodeKind) (Result, error) {
	data, err := payloadFor(kind)
	if err != nil {
		return Result{}, err
	}
	return s.updateNode(id, func(n *document.Node) error {
		if n.Kind == document.NodeAnchor {
			return fmt.Errorf("%w: cannot retype an anchor", ErrInvalidKind)
		}
		n.Kind = kind
		n.Data = data
		return nil
	})
}

// SetNodeHidden toggles a node's visibility flag.
func (s *Service) SetNodeHidden(id string, hidden bool) (Result, error) {
	return s.updateNode(id, func(n *document.Node) error {
		n.Hidden = hidden
		return nil
	})
}

// updateNode is the shared guard + single-transaction body for register
// level node edits.
func (s *Service) updateNode(id string, mutate func(*document.Node) error) (Result, error) {
	if _, ok := s.doc.GetNode(id); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	res, ok := s.guard(id)
	if !ok {
		return res, nil
	}
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		node, ok := txn.Node(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		if err := mutate(&node); err != nil {
			return err
		}
		return txn.PutNode(node)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{NodeID: id}, nil
}

// DuplicateNodeWithConnections copies a node, its text, and every
// non-objection edge incident to it, offset on the canvas.
func (s *Service) DuplicateNodeWithConnections(id string, offset document.Position) (Result, error) {
	src, ok := s.doc.GetNode(id)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if src.Kind == document.NodeAnchor {
		return Result{}, fmt.Errorf("%w: cannot duplicate an anchor", ErrInvalidKind)
	}
	res, ok := s.guard()
	if !ok {
		return res, nil
	}

	dup := src
	dup.ID = uuid.NewString()
	dup.Position = document.Position{X: src.Position.X + offset.X, Y: src.Position.Y + offset.Y}

	var created []document.Edge
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		if err := txn.PutNode(dup); err != nil {
			return err
		}
		if text := txn.Text(id); text != "" {
			txn.SetText(dup.ID, text)
		}
		for _, e := range txn.Edges() {
			if e.Kind == document.EdgeObjection {
				continue
			}
			if e.Source != id && e.Target != id {
				continue
			}
			copied := e
			copied.ID = uuid.NewString()
			if copied.Source == id {
				copied.Source = dup.ID
			}
			if copied.Target == id {
				copied.Target = dup.ID
			}
			if err := txn.PutEdge(copied); err != nil {
				return err
			}
			created = append(created, copied)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if s.hooks.NodeAdded != nil {
		s.hooks.NodeAdded(dup)
	}
	if s.hooks.EdgeCreated != nil {
		for _, e := range created {
			s.hooks.EdgeCreated(e)
		}
	}
	return Result{NodeID: dup.ID}, nil
}

// MergeNodes folds loser into winner: the loser's edges are rerouted to
// the winner (dropping self-loops and parallel duplicates), its children
// are reparented, its text fills the winner's if the winner had none,
// and the loser is removed. One transaction, one undo step.
func (s *Service) MergeNodes(winnerID, loserID string) (Result, error) {
	if winnerID == loserID {
		return Result{}, errors.New("cannot merge a node with itself")
	}
	if _, ok := s.doc.GetNode(winnerID); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, winnerID)
	}
	if _, ok := s.doc.GetNode(loserID); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, loserID)
	}
	res, ok := s.guard(winnerID, loserID)
	if !ok {
		return res, nil
	}

	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		// Parallel-edge identity among the surviving edges.
		taken := map[string]bool{}
		key := func(e document.Edge) string {
			return string(e.Kind) + "|" + e.Source + "|" + e.Target
		}
		for _, e := range txn.Edges() {
			if e.Source != loserID && e.Target != loserID {
				taken[key(e)] = true
			}
		}

		for _, e := range txn.Edges() {
			if e.Source != loserID && e.Target != loserID {
				continue
			}
			rerouted := e
			if rerouted.Source == loserID {
				rerouted.Source = winnerID
			}
			if rerouted.Target == loserID {
				rerouted.Target = winnerID
			}
			if rerouted.Source == rerouted.Target || taken[key(rerouted)] {
				txn.DeleteEdge(e.ID)
				continue
			}
			taken[key(rerouted)] = true
			if err := txn.PutEdge(rerouted); err != nil {
				return err
			}
		}

		for _, n := range txn.Nodes() {
			if n.ParentID == loserID {
				n.ParentID = winnerID
				if err := txn.PutNode(n); err != nil {
					return err
				}
			}
		}

		if txn.Text(winnerID) == "" {
			if loserText := txn.Text(loserID); loserText != "" {
				txn.SetText(winnerID, loserText)
			}
		}

		txn.DeleteNode(loserID)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if s.hooks.NodesMerged != nil {
		s.hooks.NodesMerged(winnerID, loserID)
	}
	return Result{NodeID: winnerID}, nil
}

// EnsureEdgeAnchor returns the anchor node sitting on the edge, creating
// it at the edge's midpoint when missing. Anchors let objections target
// a relation instead of a node.
func (s *Service) EnsureEdgeAnchor(edgeID string) (Result, error) {
	edge, ok := s.doc.GetEdge(edgeID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	if edge.Data.Objection != nil {
		if _, live := s.doc.GetNode(edge.Data.Objection.AnchorID); live {
			return Result{EdgeID: edgeID, AnchorID: edge.Data.Objection.AnchorID}, nil
		}
	}
	res, ok := s.guard()
	if !ok {
		return res, nil
	}

	var anchorID string
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		id, err := ensureAnchor(txn, edgeID)
		anchorID = id
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{EdgeID: edgeID, AnchorID: anchorID}, nil
}

// ensureAnchor is the in-transaction body shared by EnsureEdgeAnchor and
// AddObjectionForEdge.
func ensureAnchor(txn *document.Txn, edgeID string) (string, error) {
	edge, ok := txn.Edge(edgeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	if edge.Data.Objection != nil {
		if _, live := txn.Node(edge.Data.Objection.AnchorID); live {
			return edge.Data.Objection.AnchorID, nil
		}
	}

	var pos document.Position
	if src, ok := txn.Node(edge.Source); ok {
		if tgt, ok := txn.Node(edge.Target); ok {
			pos = document.Position{
				X: (src.Position.X + tgt.Position.X) / 2,
				Y: (src.Position.Y + tgt.Position.Y) / 2,
			}
		}
	}

	anchor := document.Node{
		ID:       uuid.NewString(),
		Kind:     document.NodeAnchor,
		Position: pos,
		Data:     document.NodeData{Anchor: &document.AnchorData{EdgeID: edgeID}},
	}
	if err := txn.PutNode(anchor); err != nil {
		return "", err
	}
	edge.Data.Objection = &document.ObjectionEdgeData{AnchorID: anchor.ID}
	if err := txn.PutEdge(edge); err != nil {
		return "", err
	}
	return anchor.ID, nil
}

// AddObjectionForEdge raises an objection against a relation: it ensures
// the edge's anchor, creates the objecting point with the given content,
// and connects it to the anchor with an objection edge. All in one
// transaction.
func (s *Service) AddObjectionForEdge(edgeID, content string) (Result, error) {
	if _, ok := s.doc.GetEdge(edgeID); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	res, ok := s.guard()
	if !ok {
		return res, nil
	}

	var (
		point     document.Node
		objection document.Edge
		anchorID  string
	)
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		id, err := ensureAnchor(txn, edgeID)
		if err != nil {
			return err
		}
		anchorID = id

		anchor, _ := txn.Node(anchorID)
		point = document.Node{
			ID:       uuid.NewString(),
			Kind:     document.NodePoint,
			Position: document.Position{X: anchor.Position.X, Y: anchor.Position.Y + 150},
			Data:     document.NodeData{Point: &document.PointData{ObjectionFor: anchorID}},
		}
		if err := txn.PutNode(point); err != nil {
			return err
		}
		if content != "" {
			txn.SetText(point.ID, content)
		}

		objection = document.Edge{
			ID:     uuid.NewString(),
			Kind:   document.EdgeObjection,
			Source: point.ID,
			Target: anchorID,
			Data:   document.EdgeData{Objection: &document.ObjectionEdgeData{AnchorID: anchorID}},
		}
		return txn.PutEdge(objection)
	})
	if err != nil {
		return Result{}, err
	}
	if s.hooks.NodeAdded != nil {
		s.hooks.NodeAdded(point)
	}
	if s.hooks.EdgeCreated != nil {
		s.hooks.EdgeCreated(objection)
	}
	return Result{NodeID: point.ID, EdgeID: objection.ID, AnchorID: anchorID}, nil
}

// AddPointBelow creates a new point under a parent node and connects it
// with an edge of the given kind. Objection edges cannot be created this
// way; they require an anchor.
func (s *Service) AddPointBelow(parentID string, kind document.EdgeKind, content string) (Result, error) {
	if kind == document.EdgeObjection {
		return Result{}, fmt.Errorf("%w: objections target edges, use AddObjectionForEdge", ErrInvalidKind)
	}
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	parent, ok := s.doc.GetNode(parentID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	res, ok := s.guard()
	if !ok {
		return res, nil
	}

	point := document.Node{
		ID:       uuid.NewString(),
		Kind:     document.NodePoint,
		Position: document.Position{X: parent.Position.X, Y: parent.Position.Y + 150},
		Data:     document.NodeData{Point: &document.PointData{}},
	}
	edge := document.Edge{
		ID:     uuid.NewString(),
		Kind:   kind,
		Source: point.ID,
		Target: parentID,
	}
	_, err := s.doc.Transact(document.OriginLocal, func(txn *document.Txn) error {
		if err := txn.PutNode(point); err != nil {
			return err
		}
		if content != "" {
			txn.SetText(point.ID, content)
		}
		return txn.PutEdge(edge)
	})
	if err != nil {
		return Result{}, err
	}
	if s.hooks.NodeAdded != nil {
		s.hooks.NodeAdded(point)
	}
	if s.hooks.EdgeCreated != nil {
		s.hooks.EdgeCreated(edge)
	}
	return Result{NodeID: point.ID, EdgeID: edge.ID}, nil
}
