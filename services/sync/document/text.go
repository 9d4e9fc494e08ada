// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"sort"
	"strings"
)

// textElem is one rune of a node's text body, laced with the history needed
// to merge concurrent edits: the element id, the id of the element it was
// inserted after, and a tombstone recording the operation that deleted it.
//
// The structure is a causal tree: every element is a child of its origin,
// siblings are ordered newest-stamp-first, and the rendered text is the
// pre-order walk of the tree with tombstones skipped.
type textElem struct {
	ID        OpID   `json:"id"`
	Origin    OpID   `json:"or"`
	Stamp     Stamp  `json:"ts"`
	Ch        string `json:"ch"`
	DeletedBy OpID   `json:"db,omitempty"`
	DelStamp  Stamp  `json:"dt,omitempty"`
}

func (e *textElem) deleted() bool {
	return !e.DeletedBy.IsZero()
}

// textSequence is the per-node rich text CRDT value. One instance exists per
// node id, fully decoupled from the node's map entry.
type textSequence struct {
	elems    map[OpID]*textElem
	children map[OpID][]OpID
}

func newTextSequence() *textSequence {
	return &textSequence{
		elems:    make(map[OpID]*textElem),
		children: make(map[OpID][]OpID),
	}
}

func (t *textSequence) clone() *textSequence {
	out := &textSequence{
		elems:    make(map[OpID]*textElem, len(t.elems)),
		children: make(map[OpID][]OpID, len(t.children)),
	}
	for id, e := range t.elems {
		cp := *e
		out.elems[id] = &cp
	}
	for id, kids := range t.children {
		out.children[id] = append([]OpID(nil), kids...)
	}
	return out
}

// insertChild links id under origin, keeping siblings ordered by descending
// stamp. Newer concurrent inserts land closer to their shared origin, which
// is the standard RGA ordering rule.
func (t *textSequence) insertChild(origin, id OpID, stamp Stamp) {
	kids := t.children[origin]
	pos := sort.Search(len(kids), func(i int) bool {
		return stamp.After(t.elems[kids[i]].Stamp)
	})
	kids = append(kids, OpID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = id
	t.children[origin] = kids
}

// integrateInsert applies a txt_ins op, expanding its run of runes into one
// element each with sequential ids chained left-to-right. Returns false when
// the origin element has not arrived yet; the caller parks the op and
// retries after the next integration. Re-applying an already-integrated op
// is a no-op.
func (t *textSequence) integrateInsert(op Op) bool {
	if _, dup := t.elems[op.ID]; dup {
		return true
	}
	if !op.Ref.IsZero() {
		if _, ok := t.elems[op.Ref]; !ok {
			return false
		}
	}
	origin := op.Ref
	seq := op.ID.Seq
	for _, r := range op.Value {
		id := OpID{Site: op.ID.Site, Seq: seq}
		elem := &textElem{
			ID:     id,
			Origin: origin,
			Stamp:  op.Stamp,
			Ch:     string(r),
		}
		t.elems[id] = elem
		t.insertChild(origin, id, op.Stamp)
		origin = id
		seq++
	}
	return true
}

// integrateDelete applies a txt_del op tombstoning the element range
// Ref..Ref+N-1. Returns false when any target is missing so the caller can
// park the op. Concurrent deletes of the same element converge on the
// lowest-stamped deleter.
func (t *textSequence) integrateDelete(op Op) bool {
	n := op.N
	if n <= 0 {
		n = 1
	}
	targets := make([]*textElem, 0, n)
	for i := 0; i < n; i++ {
		id := OpID{Site: op.Ref.Site, Seq: op.Ref.Seq + uint64(i)}
		elem, ok := t.elems[id]
		if !ok {
			return false
		}
		targets = append(targets, elem)
	}
	for _, elem := range targets {
		if elem.DeletedBy.IsZero() || op.Stamp.Compare(elem.DelStamp) < 0 {
			elem.DeletedBy = op.ID
			elem.DelStamp = op.Stamp
		}
	}
	return true
}

// walk visits every element in document order, tombstones included.
func (t *textSequence) walk(visit func(*textElem)) {
	var rec func(OpID)
	rec = func(id OpID) {
		for _, kid := range t.children[id] {
			visit(t.elems[kid])
			rec(kid)
		}
	}
	rec(OpID{})
}

// String renders the visible text.
func (t *textSequence) String() string {
	var b strings.Builder
	t.walk(func(e *textElem) {
		if !e.deleted() {
			b.WriteString(e.Ch)
		}
	})
	return b.String()
}

// visible returns the live elements in document order.
func (t *textSequence) visible() []*textElem {
	var out []*textElem
	t.walk(func(e *textElem) {
		if !e.deleted() {
			out = append(out, e)
		}
	})
	return out
}

// ordered returns every element, tombstones included, in canonical document
// order. Snapshot encoding relies on this order being identical on every
// converged replica.
func (t *textSequence) ordered() []*textElem {
	out := make([]*textElem, 0, len(t.elems))
	t.walk(func(e *textElem) {
		out = append(out, e)
	})
	return out
}

// integrateElem merges one snapshot element. Unlike integrateInsert this
// works element-by-element and unions tombstones, which keeps snapshot
// application commutative and idempotent.
func (t *textSequence) integrateElem(e textElem) bool {
	if existing, ok := t.elems[e.ID]; ok {
		if !e.DeletedBy.IsZero() &&
			(existing.DeletedBy.IsZero() || e.DelStamp.Compare(existing.DelStamp) < 0) {
			existing.DeletedBy = e.DeletedBy
			existing.DelStamp = e.DelStamp
		}
		return true
	}
	if !e.Origin.IsZero() {
		if _, ok := t.elems[e.Origin]; !ok {
			return false
		}
	}
	cp := e
	t.elems[e.ID] = &cp
	t.insertChild(e.Origin, e.ID, e.Stamp)
	return true
}

// diffOps reconstructs the minimal op set a replica described by sv is
// missing for this text: insert ops for uncovered elements (re-grouped into
// runs where the original run structure allows) and delete ops for
// uncovered tombstones.
func (t *textSequence) diffOps(nodeID string, sv StateVector) []Op {
	var ops []Op

	// Uncovered inserts, grouped back into contiguous runs.
	byID := make([]*textElem, 0, len(t.elems))
	for _, e := range t.elems {
		if !sv.Covers(e.ID) {
			byID = append(byID, e)
		}
	}
	sort.Slice(byID, func(i, j int) bool {
		if byID[i].ID.Site != byID[j].ID.Site {
			return byID[i].ID.Site < byID[j].ID.Site
		}
		return byID[i].ID.Seq < byID[j].ID.Seq
	})
	for i := 0; i < len(byID); {
		first := byID[i]
		run := []*textElem{first}
		j := i + 1
		for j < len(byID) {
			prev, cur := byID[j-1], byID[j]
			if cur.ID.Site != prev.ID.Site ||
				cur.ID.Seq != prev.ID.Seq+1 ||
				cur.Stamp != prev.Stamp ||
				cur.Origin != prev.ID {
				break
			}
			run = append(run, cur)
			j++
		}
		var val strings.Builder
		for _, e := range run {
			val.WriteString(e.Ch)
		}
		ops = append(ops, Op{
			ID:    first.ID,
			Stamp: first.Stamp,
			Kind:  OpTextInsert,
			Key:   nodeID,
			Value: val.String(),
			Ref:   first.Origin,
		})
		i = j
	}

	// Uncovered deletes, grouped by the deleting op.
	type delGroup struct {
		stamp Stamp
		ids   []OpID
	}
	groups := make(map[OpID]*delGroup)
	for _, e := range t.elems {
		if e.deleted() && !sv.Covers(e.DeletedBy) {
			g, ok := groups[e.DeletedBy]
			if !ok {
				g = &delGroup{stamp: e.DelStamp}
				groups[e.DeletedBy] = g
			}
			g.ids = append(g.ids, e.ID)
		}
	}
	for by, g := range groups {
		sort.Slice(g.ids, func(i, j int) bool { return g.ids[i].Seq < g.ids[j].Seq })
		ops = append(ops, Op{
			ID:    by,
			Stamp: g.stamp,
			Kind:  OpTextDelete,
			Key:   nodeID,
			Ref:   g.ids[0],
			N:     len(g.ids),
		})
	}
	return ops
}

// maxSeqBySite folds every element id and tombstone id into sv. Used when
// loading a snapshot to rebuild the vector.
func (t *textSequence) maxSeqBySite(sv StateVector) {
	for _, e := range t.elems {
		sv.Observe(e.ID)
		if e.deleted() {
			sv.Observe(e.DeletedBy)
		}
	}
}
