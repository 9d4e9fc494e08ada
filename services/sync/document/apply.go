// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// Remote delta application
// =============================================================================

// ApplyDelta integrates an encoded delta from another replica (or from the
// update log during replay). Application is idempotent and commutative:
// duplicates are skipped, LWW losers are dropped, and text ops whose origin
// has not arrived yet are parked until it does. The committed change set is
// delivered to listeners with the given origin tag.
func (d *Document) ApplyDelta(data []byte, origin Origin) (ChangeSet, error) {
	delta, err := DecodeDelta(data)
	if err != nil {
		return ChangeSet{}, err
	}

	d.mu.Lock()
	cs := ChangeSet{Origin: origin, Delta: data}
	changed := changeAccumulator{}

	for _, op := range delta.Ops {
		d.applyOp(op, &changed)
	}
	d.drainPending(&changed)

	changed.fill(&cs)
	d.mu.Unlock()

	d.notify(cs)
	return cs, nil
}

// changeAccumulator collects the touched keys of one apply pass.
type changeAccumulator struct {
	nodes map[string]bool
	edges map[string]bool
	texts map[string]bool
	meta  map[string]bool
}

func (a *changeAccumulator) add(m *map[string]bool, key string) {
	if *m == nil {
		*m = make(map[string]bool)
	}
	(*m)[key] = true
}

func (a *changeAccumulator) fill(cs *ChangeSet) {
	cs.Nodes = sortedKeys(a.nodes)
	cs.Edges = sortedKeys(a.edges)
	cs.Texts = sortedKeys(a.texts)
	cs.Meta = sortedKeys(a.meta)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// applyOp integrates one op. Returns true when the op was integrated or
// recognized as a duplicate; false when it was parked pending a missing
// text origin.
func (d *Document) applyOp(op Op, changed *changeAccumulator) bool {
	if op.Stamp.Counter > d.clock {
		d.clock = op.Stamp.Counter
	}

	switch op.Kind {
	case OpPutNode:
		if op.Node == nil {
			break // malformed; drop but still account the id below
		}
		if reg, ok := d.nodes[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.nodes[op.Key] = &nodeRegister{Node: *op.Node, Stamp: op.Stamp, Writer: op.ID}
			changed.add(&changed.nodes, op.Key)
		}
	case OpDelNode:
		if reg, ok := d.nodes[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.nodes[op.Key] = &nodeRegister{Stamp: op.Stamp, Writer: op.ID, Deleted: true}
			changed.add(&changed.nodes, op.Key)
		}
	case OpPutEdge:
		if op.Edge == nil {
			break
		}
		if reg, ok := d.edges[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.edges[op.Key] = &edgeRegister{Edge: *op.Edge, Stamp: op.Stamp, Writer: op.ID}
			changed.add(&changed.edges, op.Key)
		}
	case OpDelEdge:
		if reg, ok := d.edges[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.edges[op.Key] = &edgeRegister{Stamp: op.Stamp, Writer: op.ID, Deleted: true}
			changed.add(&changed.edges, op.Key)
		}
	case OpSetMeta:
		if reg, ok := d.meta[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.meta[op.Key] = &metaRegister{Value: op.Value, Stamp: op.Stamp, Writer: op.ID}
			changed.add(&changed.meta, op.Key)
		}
	case OpDelMeta:
		if reg, ok := d.meta[op.Key]; !ok || op.Stamp.After(reg.Stamp) {
			d.meta[op.Key] = &metaRegister{Stamp: op.Stamp, Writer: op.ID, Deleted: true}
			changed.add(&changed.meta, op.Key)
		}
	case OpTextInsert:
		if !d.textOf(op.Key).integrateInsert(op) {
			d.pending = append(d.pending, op)
			return false
		}
		changed.add(&changed.texts, op.Key)
	case OpTextDelete:
		if !d.textOf(op.Key).integrateDelete(op) {
			d.pending = append(d.pending, op)
			return false
		}
		changed.add(&changed.texts, op.Key)
	default:
		// Unknown op kinds from newer peers are skipped; the id is still
		// recorded so diffs do not resend them forever.
	}

	d.vector.Observe(lastID(op))
	return true
}

// drainPending retries parked text ops until no further progress is made.
func (d *Document) drainPending(changed *changeAccumulator) {
	for {
		progress := false
		remaining := d.pending[:0]
		pending := d.pending
		d.pending = nil
		for _, op := range pending {
			var ok bool
			switch op.Kind {
			case OpTextInsert:
				ok = d.textOf(op.Key).integrateInsert(op)
			case OpTextDelete:
				ok = d.textOf(op.Key).integrateDelete(op)
			}
			if ok {
				changed.add(&changed.texts, op.Key)
				d.vector.Observe(lastID(op))
				progress = true
			} else {
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progress || len(d.pending) == 0 {
			return
		}
	}
}

// lastID returns the highest sequence number an op consumes: inserts burn
// one per rune, everything else exactly one.
func lastID(op Op) OpID {
	if op.Kind == OpTextInsert {
		runes := uint64(len([]rune(op.Value)))
		if runes > 1 {
			return OpID{Site: op.ID.Site, Seq: op.ID.Seq + runes - 1}
		}
	}
	return op.ID
}

// =============================================================================
// Snapshots
// =============================================================================

type nodeEntry struct {
	Key string       `json:"k"`
	Reg nodeRegister `json:"r"`
}

type edgeEntry struct {
	Key string       `json:"k"`
	Reg edgeRegister `json:"r"`
}

type metaEntry struct {
	Key string       `json:"k"`
	Reg metaRegister `json:"r"`
}

type textEntry struct {
	Key   string     `json:"k"`
	Elems []textElem `json:"elems"`
}

// snapshotWire is the full converged state of a document, tombstones
// included, in canonical (key-sorted, document-ordered) form. Applying a
// snapshot to an empty replica reconstructs the exact state; applying the
// updates recorded after its timestamp on top reaches the current state.
type snapshotWire struct {
	Vector StateVector `json:"sv"`
	Nodes  []nodeEntry `json:"nodes,omitempty"`
	Edges  []edgeEntry `json:"edges,omitempty"`
	Meta   []metaEntry `json:"meta,omitempty"`
	Texts  []textEntry `json:"texts,omitempty"`
}

// EncodeSnapshot serializes the replica's full state canonically: two
// converged replicas produce byte-identical output.
func (d *Document) EncodeSnapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := snapshotWire{Vector: d.vector.Clone()}
	for key, reg := range d.nodes {
		snap.Nodes = append(snap.Nodes, nodeEntry{Key: key, Reg: *reg})
	}
	for key, reg := range d.edges {
		snap.Edges = append(snap.Edges, edgeEntry{Key: key, Reg: *reg})
	}
	for key, reg := range d.meta {
		snap.Meta = append(snap.Meta, metaEntry{Key: key, Reg: *reg})
	}
	for key, t := range d.texts {
		if len(t.elems) == 0 {
			continue
		}
		elems := make([]textElem, 0, len(t.elems))
		for _, e := range t.ordered() {
			elems = append(elems, *e)
		}
		snap.Texts = append(snap.Texts, textEntry{Key: key, Elems: elems})
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].Key < snap.Nodes[j].Key })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].Key < snap.Edges[j].Key })
	sort.Slice(snap.Meta, func(i, j int) bool { return snap.Meta[i].Key < snap.Meta[j].Key })
	sort.Slice(snap.Texts, func(i, j int) bool { return snap.Texts[i].Key < snap.Texts[j].Key })

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

// ApplySnapshot merges an encoded snapshot into the replica. The merge is
// register-wise LWW and element-wise union, so applying the same snapshot
// twice, or two snapshots in either order, converges.
func (d *Document) ApplySnapshot(data []byte) error {
	var snap snapshotWire
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, entry := range snap.Nodes {
		if reg, ok := d.nodes[entry.Key]; !ok || entry.Reg.Stamp.After(reg.Stamp) {
			cp := entry.Reg
			d.nodes[entry.Key] = &cp
		}
		d.observeStamp(entry.Reg.Stamp)
	}
	for _, entry := range snap.Edges {
		if reg, ok := d.edges[entry.Key]; !ok || entry.Reg.Stamp.After(reg.Stamp) {
			cp := entry.Reg
			d.edges[entry.Key] = &cp
		}
		d.observeStamp(entry.Reg.Stamp)
	}
	for _, entry := range snap.Meta {
		if reg, ok := d.meta[entry.Key]; !ok || entry.Reg.Stamp.After(reg.Stamp) {
			cp := entry.Reg
			d.meta[entry.Key] = &cp
		}
		d.observeStamp(entry.Reg.Stamp)
	}
	for _, entry := range snap.Texts {
		seq := d.textOf(entry.Key)
		// Elements arrive in document order, so origins precede children and
		// a bounded retry loop settles any residue.
		queue := entry.Elems
		for len(queue) > 0 {
			var rest []textElem
			progress := false
			for _, e := range queue {
				if seq.integrateElem(e) {
					progress = true
					d.observeStamp(e.Stamp)
				} else {
					rest = append(rest, e)
				}
			}
			if !progress {
				break
			}
			queue = rest
		}
	}
	if snap.Vector != nil {
		d.vector.Merge(snap.Vector)
	}
	return nil
}

func (d *Document) observeStamp(s Stamp) {
	if s.Counter > d.clock {
		d.clock = s.Counter
	}
}

// =============================================================================
// Diffs and introspection
// =============================================================================

// StateVector returns a copy of the replica's integrated-op summary.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// DiffOps computes the minimal op set a replica summarized by sv is missing.
// The result is empty (nil) when sv already covers this replica's state.
func (d *Document) DiffOps(sv StateVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for key, reg := range d.nodes {
		if sv.Covers(reg.Writer) {
			continue
		}
		if reg.Deleted {
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpDelNode, Key: key})
		} else {
			node := reg.Node
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpPutNode, Key: key, Node: &node})
		}
	}
	for key, reg := range d.edges {
		if sv.Covers(reg.Writer) {
			continue
		}
		if reg.Deleted {
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpDelEdge, Key: key})
		} else {
			edge := reg.Edge
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpPutEdge, Key: key, Edge: &edge})
		}
	}
	for key, reg := range d.meta {
		if sv.Covers(reg.Writer) {
			continue
		}
		if reg.Deleted {
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpDelMeta, Key: key})
		} else {
			ops = append(ops, Op{ID: reg.Writer, Stamp: reg.Stamp, Kind: OpSetMeta, Key: key, Value: reg.Value})
		}
	}
	for key, t := range d.texts {
		ops = append(ops, t.diffOps(key, sv)...)
	}
	sortOpsCanonical(ops)
	return ops
}

// Export returns the logical, merge-metadata-free view of the document.
// Edges are visible only when both endpoints are live, which is the
// deterministic reconciliation of concurrent delete-vs-connect races.
func (d *Document) Export() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := State{
		Texts: make(map[string]string),
		Meta:  make(map[string]string),
	}
	live := make(map[string]bool)
	for id, reg := range d.nodes {
		if !reg.Deleted {
			live[id] = true
			state.Nodes = append(state.Nodes, reg.Node)
		}
	}
	sort.Slice(state.Nodes, func(i, j int) bool { return state.Nodes[i].ID < state.Nodes[j].ID })
	for _, reg := range d.edges {
		if !reg.Deleted && live[reg.Edge.Source] && live[reg.Edge.Target] {
			state.Edges = append(state.Edges, reg.Edge)
		}
	}
	sort.Slice(state.Edges, func(i, j int) bool { return state.Edges[i].ID < state.Edges[j].ID })
	for id, t := range d.texts {
		if live[id] {
			state.Texts[id] = t.String()
		}
	}
	for key, reg := range d.meta {
		if !reg.Deleted {
			state.Meta[key] = reg.Value
		}
	}
	return state
}

// GetNode returns the live node with the given id.
func (d *Document) GetNode(id string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.nodes[id]
	if !ok || reg.Deleted {
		return Node{}, false
	}
	return reg.Node, true
}

// GetEdge returns the live edge with the given id.
func (d *Document) GetEdge(id string) (Edge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.edges[id]
	if !ok || reg.Deleted {
		return Edge{}, false
	}
	return reg.Edge, true
}

// GetMeta returns the live metadata value for a key.
func (d *Document) GetMeta(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.meta[key]
	if !ok || reg.Deleted {
		return "", false
	}
	return reg.Value, true
}

// Text returns the visible text of a node.
func (d *Document) Text(nodeID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.texts[nodeID]
	if !ok {
		return ""
	}
	return t.String()
}
