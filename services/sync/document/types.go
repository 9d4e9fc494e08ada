// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import "fmt"

// =============================================================================
// Node
// =============================================================================

// NodeKind tags the variant of a node.
type NodeKind string

const (
	NodePoint     NodeKind = "point"
	NodeStatement NodeKind = "statement"
	NodeGroup     NodeKind = "group"
	NodeAnchor    NodeKind = "anchor"
	NodeComment   NodeKind = "comment"
)

// Valid reports whether the kind is one of the known variants.
func (k NodeKind) Valid() bool {
	switch k {
	case NodePoint, NodeStatement, NodeGroup, NodeAnchor, NodeComment:
		return true
	}
	return false
}

// Position is a node's placement on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is the measured extent of a rendered node, reported by the client.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is one vertex of the shared argument graph.
//
// The node's rich text body is NOT stored here; it lives in an independent
// text CRDT keyed by the node id, so a concurrent content edit and a
// concurrent position/type edit never conflict.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Position Position `json:"position"`
	ParentID string   `json:"parentId,omitempty"`
	Size     *Size    `json:"size,omitempty"`
	Hidden   bool     `json:"hidden,omitempty"`
	Data     NodeData `json:"data"`
}

// NodeData is a tagged union of the variant-specific payloads. Exactly the
// field matching Node.Kind may be set; everything else must be nil. The
// transport boundary decodes into this shape and Validate enforces it before
// anything reaches the store.
type NodeData struct {
	Point     *PointData     `json:"point,omitempty"`
	Statement *StatementData `json:"statement,omitempty"`
	Group     *GroupData     `json:"group,omitempty"`
	Anchor    *AnchorData    `json:"anchor,omitempty"`
	Comment   *CommentData   `json:"comment,omitempty"`
}

// PointData is the payload of an argument point node.
type PointData struct {
	// ObjectionFor is set when the point objects to a relation rather than
	// to a node. It names the anchor node sitting on the objected edge.
	ObjectionFor string `json:"objectionFor,omitempty"`
}

// StatementData is the payload of a statement (topic/question) node.
type StatementData struct{}

// GroupData is the payload of a grouping container node.
type GroupData struct {
	Label     string `json:"label,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

// AnchorData is the payload of an edge-anchor node. Anchors are invisible
// midpoint nodes that allow objections to target a relation.
type AnchorData struct {
	EdgeID string `json:"edgeId"`
}

// CommentData is the payload of a free-floating comment node.
type CommentData struct{}

// Validate checks that the node is internally consistent: the kind is known
// and the data union carries exactly the matching payload.
func (n Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node has empty id")
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
	set := 0
	if n.Data.Point != nil {
		set++
	}
	if n.Data.Statement != nil {
		set++
	}
	if n.Data.Group != nil {
		set++
	}
	if n.Data.Anchor != nil {
		set++
	}
	if n.Data.Comment != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("node %s: multiple data payloads set", n.ID)
	}
	switch n.Kind {
	case NodePoint:
		if set == 1 && n.Data.Point == nil {
			return fmt.Errorf("node %s: payload does not match kind %q", n.ID, n.Kind)
		}
	case NodeStatement:
		if set == 1 && n.Data.Statement == nil {
			return fmt.Errorf("node %s: payload does not match kind %q", n.ID, n.Kind)
		}
	case NodeGroup:
		if set == 1 && n.Data.Group == nil {
			return fmt.Errorf("node %s: payload does not match kind %q", n.ID, n.Kind)
		}
	case NodeAnchor:
		if n.Data.Anchor == nil || n.Data.Anchor.EdgeID == "" {
			return fmt.Errorf("node %s: anchor requires an edge id", n.ID)
		}
	case NodeComment:
		if set == 1 && n.Data.Comment == nil {
			return fmt.Errorf("node %s: payload does not match kind %q", n.ID, n.Kind)
		}
	}
	return nil
}

// =============================================================================
// Edge
// =============================================================================

// EdgeKind tags the variant of an edge.
type EdgeKind string

const (
	EdgeSupport   EdgeKind = "support"
	EdgeNegation  EdgeKind = "negation"
	EdgeStatement EdgeKind = "statement"
	EdgeObjection EdgeKind = "objection"
)

// Valid reports whether the kind is one of the known variants.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeSupport, EdgeNegation, EdgeStatement, EdgeObjection:
		return true
	}
	return false
}

// Edge is one directed relation of the shared argument graph.
//
// Source and target SHOULD reference live nodes. Transient dangling edges are
// tolerated during concurrent delete-vs-connect races; the export layer hides
// an edge until both endpoints are live, which reconciles the race
// deterministically regardless of arrival order.
type Edge struct {
	ID     string   `json:"id"`
	Kind   EdgeKind `json:"kind"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Data   EdgeData `json:"data"`
}

// EdgeData is the variant payload of an edge.
type EdgeData struct {
	Objection *ObjectionEdgeData `json:"objection,omitempty"`
}

// ObjectionEdgeData names the anchor node an objection edge hangs off.
type ObjectionEdgeData struct {
	AnchorID string `json:"anchorId"`
}

// Validate checks edge shape before it reaches the store.
func (e Edge) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("edge has empty id")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("edge %s: unknown kind %q", e.ID, e.Kind)
	}
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge %s: source and target are required", e.ID)
	}
	if e.Kind == EdgeObjection && (e.Data.Objection == nil || e.Data.Objection.AnchorID == "") {
		return fmt.Errorf("edge %s: objection requires an anchor id", e.ID)
	}
	return nil
}

// =============================================================================
// Exported state
// =============================================================================

// State is the logical, merge-metadata-free view of a document: live nodes,
// visible edges, the text of every live node and the live metadata entries.
// Two replicas that converged report equal States.
type State struct {
	Nodes []Node            `json:"nodes"`
	Edges []Edge            `json:"edges"`
	Texts map[string]string `json:"texts"`
	Meta  map[string]string `json:"meta"`
}
