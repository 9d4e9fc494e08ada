// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package document implements the shared document store: the convergent data
// structure at the heart of the collaborative graph editor.
//
// # Description
//
// A Document holds four logical maps — nodes, edges, per-node rich text and
// free-form metadata — replicated as an operation-based CRDT. Map entries
// are last-writer-wins registers ordered by Lamport stamp; text bodies are
// causal-tree sequences with tombstone deletes. Applying any set of
// operations in any order, with any duplication, converges: two replicas
// that integrated the same op set produce byte-identical snapshots.
//
// All writes go through Transact, which stages mutations and commits them as
// one indivisible unit tagged with an Origin. Listeners observe committed
// change sets only; an error inside the transaction body aborts with no
// observable partial state.
//
// # Thread Safety
//
// Document is safe for concurrent use. Transactions and remote applies
// serialize on an internal mutex; listeners are invoked after the lock is
// released, in commit order per caller.
package document

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// Registers
// =============================================================================

// nodeRegister is the LWW cell for one node id. Deleted registers are kept
// as tombstones so that late writes with older stamps lose deterministically.
type nodeRegister struct {
	Node    Node  `json:"node"`
	Stamp   Stamp `json:"ts"`
	Writer  OpID  `json:"w"`
	Deleted bool  `json:"del,omitempty"`
}

type edgeRegister struct {
	Edge    Edge  `json:"edge"`
	Stamp   Stamp `json:"ts"`
	Writer  OpID  `json:"w"`
	Deleted bool  `json:"del,omitempty"`
}

type metaRegister struct {
	Value   string `json:"v"`
	Stamp   Stamp  `json:"ts"`
	Writer  OpID   `json:"w"`
	Deleted bool   `json:"del,omitempty"`
}

// =============================================================================
// Change sets
// =============================================================================

// WriteKind tags a Write intent.
type WriteKind int

const (
	WritePutNode WriteKind = iota
	WriteDelNode
	WritePutEdge
	WriteDelEdge
	WriteSetMeta
	WriteDelMeta
	WriteSetText
)

// Write is one intent-level mutation: what a transaction did to a key,
// described at the level the undo manager can replay. Forward writes re-run
// the transaction (redo); inverse writes restore the prior value (undo).
type Write struct {
	Kind  WriteKind
	Key   string
	Node  Node
	Edge  Edge
	Value string
}

// ChangeSet describes one committed transaction to listeners: which keys
// changed in each map, the origin tag, the encoded delta, and — for locally
// originated transactions only — the forward and inverse write intents.
type ChangeSet struct {
	Origin  Origin
	Nodes   []string
	Edges   []string
	Texts   []string
	Meta    []string
	Forward []Write
	Inverse []Write
	Delta   []byte
}

// Empty reports whether the change set carries no mutations.
func (c ChangeSet) Empty() bool {
	return len(c.Nodes) == 0 && len(c.Edges) == 0 && len(c.Texts) == 0 && len(c.Meta) == 0
}

// Listener receives committed change sets. Listeners must treat the
// document as read-only for the duration of the callback.
type Listener func(ChangeSet)

// =============================================================================
// Document
// =============================================================================

// Document is one replica of a shared argument graph.
type Document struct {
	mu        sync.Mutex
	site      string
	clock     uint64
	seq       uint64
	nodes     map[string]*nodeRegister
	edges     map[string]*edgeRegister
	meta      map[string]*metaRegister
	texts     map[string]*textSequence
	vector    StateVector
	pending   []Op
	listeners []Listener
}

// New creates an empty replica. The site id must be unique among all
// replicas of the same document; callers use a fresh UUID per session.
func New(site string) *Document {
	return &Document{
		site:   site,
		nodes:  make(map[string]*nodeRegister),
		edges:  make(map[string]*edgeRegister),
		meta:   make(map[string]*metaRegister),
		texts:  make(map[string]*textSequence),
		vector: make(StateVector),
	}
}

// Site returns this replica's site id.
func (d *Document) Site() string {
	return d.site
}

// Subscribe registers a listener for committed change sets.
func (d *Document) Subscribe(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *Document) notify(cs ChangeSet) {
	if cs.Empty() {
		return
	}
	// Snapshot under the lock; Subscribe may append concurrently.
	d.mu.Lock()
	ls := make([]Listener, len(d.listeners))
	copy(ls, d.listeners)
	d.mu.Unlock()
	for _, l := range ls {
		l(cs)
	}
}

func (d *Document) textOf(nodeID string) *textSequence {
	t, ok := d.texts[nodeID]
	if !ok {
		t = newTextSequence()
		d.texts[nodeID] = t
	}
	return t
}

// =============================================================================
// Transactions
// =============================================================================

// Txn is the mutable view handed to a Transact body. All writes are staged;
// nothing is observable outside the transaction until the body returns nil.
type Txn struct {
	d      *Document
	ops    []Op
	fwd    []Write
	inv    []Write
	nodes  map[string]*nodeRegister
	edges  map[string]*edgeRegister
	meta   map[string]*metaRegister
	texts  map[string]*textSequence
	invSet map[string]bool
}

// Transact executes fn with mutable access to the document and commits the
// staged writes as one indivisible unit tagged with origin. An error from fn
// aborts the whole transaction: no listener fires and no state changes.
// On commit the change set — including the encoded delta destined for the
// update log — is delivered synchronously to every listener.
func (d *Document) Transact(origin Origin, fn func(*Txn) error) (ChangeSet, error) {
	d.mu.Lock()
	savedClock, savedSeq := d.clock, d.seq

	txn := &Txn{
		d:      d,
		nodes:  make(map[string]*nodeRegister),
		edges:  make(map[string]*edgeRegister),
		meta:   make(map[string]*metaRegister),
		texts:  make(map[string]*textSequence),
		invSet: make(map[string]bool),
	}
	if err := fn(txn); err != nil {
		d.clock, d.seq = savedClock, savedSeq
		d.mu.Unlock()
		return ChangeSet{}, err
	}
	if len(txn.ops) == 0 {
		d.clock, d.seq = savedClock, savedSeq
		d.mu.Unlock()
		return ChangeSet{Origin: origin}, nil
	}

	cs := ChangeSet{Origin: origin, Forward: txn.fwd, Inverse: txn.inv}
	for key, reg := range txn.nodes {
		d.nodes[key] = reg
		cs.Nodes = append(cs.Nodes, key)
	}
	for key, reg := range txn.edges {
		d.edges[key] = reg
		cs.Edges = append(cs.Edges, key)
	}
	for key, reg := range txn.meta {
		d.meta[key] = reg
		cs.Meta = append(cs.Meta, key)
	}
	for key, t := range txn.texts {
		d.texts[key] = t
		cs.Texts = append(cs.Texts, key)
	}
	sort.Strings(cs.Nodes)
	sort.Strings(cs.Edges)
	sort.Strings(cs.Meta)
	sort.Strings(cs.Texts)
	d.vector.Observe(OpID{Site: d.site, Seq: d.seq})

	delta, err := EncodeDelta(txn.ops)
	if err != nil {
		// Encoding our own ops cannot fail with well-formed types; treat it
		// as a programming error rather than silently dropping the commit.
		d.mu.Unlock()
		return ChangeSet{}, fmt.Errorf("encode transaction delta: %w", err)
	}
	cs.Delta = delta
	d.mu.Unlock()

	d.notify(cs)
	return cs, nil
}

// nextStamp mints the Lamport stamp for the next op.
func (t *Txn) nextStamp() Stamp {
	t.d.clock++
	return Stamp{Counter: t.d.clock, Site: t.d.site}
}

// nextID consumes n sequence numbers and returns the id of the first.
func (t *Txn) nextID(n uint64) OpID {
	id := OpID{Site: t.d.site, Seq: t.d.seq + 1}
	t.d.seq += n
	return id
}

func (t *Txn) nodeReg(id string) (*nodeRegister, bool) {
	if reg, ok := t.nodes[id]; ok {
		return reg, true
	}
	reg, ok := t.d.nodes[id]
	return reg, ok
}

func (t *Txn) edgeReg(id string) (*edgeRegister, bool) {
	if reg, ok := t.edges[id]; ok {
		return reg, true
	}
	reg, ok := t.d.edges[id]
	return reg, ok
}

func (t *Txn) metaReg(key string) (*metaRegister, bool) {
	if reg, ok := t.meta[key]; ok {
		return reg, true
	}
	reg, ok := t.d.meta[key]
	return reg, ok
}

func (t *Txn) text(nodeID string) *textSequence {
	if seq, ok := t.texts[nodeID]; ok {
		return seq
	}
	if seq, ok := t.d.texts[nodeID]; ok {
		return seq
	}
	return newTextSequence()
}

// stagedText returns a mutable staged copy of the node's text, capturing the
// prior visible string for the inverse write on first touch.
func (t *Txn) stagedText(nodeID string) *textSequence {
	if seq, ok := t.texts[nodeID]; ok {
		return seq
	}
	var seq *textSequence
	if existing, ok := t.d.texts[nodeID]; ok {
		seq = existing.clone()
	} else {
		seq = newTextSequence()
	}
	t.texts[nodeID] = seq
	t.captureInverse("text:"+nodeID, Write{Kind: WriteSetText, Key: nodeID, Value: seq.String()})
	return seq
}

// captureInverse records the restoring write for a key, once per key: the
// first touch in a transaction sees the pre-transaction value.
func (t *Txn) captureInverse(slot string, w Write) {
	if t.invSet[slot] {
		return
	}
	t.invSet[slot] = true
	t.inv = append(t.inv, w)
}

// --- reads ---

// Node returns the live node with the given id, if any.
func (t *Txn) Node(id string) (Node, bool) {
	reg, ok := t.nodeReg(id)
	if !ok || reg.Deleted {
		return Node{}, false
	}
	return reg.Node, true
}

// Edge returns the live edge with the given id, if any.
func (t *Txn) Edge(id string) (Edge, bool) {
	reg, ok := t.edgeReg(id)
	if !ok || reg.Deleted {
		return Edge{}, false
	}
	return reg.Edge, true
}

// Edges returns every live edge, staged writes included, in id order.
func (t *Txn) Edges() []Edge {
	seen := make(map[string]bool)
	var out []Edge
	collect := func(m map[string]*edgeRegister) {
		for id, reg := range m {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !reg.Deleted {
				out = append(out, reg.Edge)
			}
		}
	}
	collect(t.edges)
	collect(t.d.edges)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Nodes returns every live node, staged writes included, in id order.
func (t *Txn) Nodes() []Node {
	seen := make(map[string]bool)
	var out []Node
	collect := func(m map[string]*nodeRegister) {
		for id, reg := range m {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !reg.Deleted {
				out = append(out, reg.Node)
			}
		}
	}
	collect(t.nodes)
	collect(t.d.nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Meta returns the metadata value for a key, if live.
func (t *Txn) Meta(key string) (string, bool) {
	reg, ok := t.metaReg(key)
	if !ok || reg.Deleted {
		return "", false
	}
	return reg.Value, true
}

// Text returns the current visible text of a node.
func (t *Txn) Text(nodeID string) string {
	return t.text(nodeID).String()
}

// --- writes ---

// PutNode creates or replaces a node.
func (t *Txn) PutNode(n Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if prior, ok := t.nodeReg(n.ID); ok && !prior.Deleted {
		t.captureInverse("node:"+n.ID, Write{Kind: WritePutNode, Key: n.ID, Node: prior.Node})
	} else {
		t.captureInverse("node:"+n.ID, Write{Kind: WriteDelNode, Key: n.ID})
	}
	stamp := t.nextStamp()
	id := t.nextID(1)
	t.nodes[n.ID] = &nodeRegister{Node: n, Stamp: stamp, Writer: id}
	t.ops = append(t.ops, Op{ID: id, Stamp: stamp, Kind: OpPutNode, Key: n.ID, Node: &n})
	t.fwd = append(t.fwd, Write{Kind: WritePutNode, Key: n.ID, Node: n})
	return nil
}

// DeleteNode tombstones a node. Callers are responsible for cascading the
// edges that reference it within the same transaction; the mutation library
// does this for every delete it issues.
func (t *Txn) DeleteNode(id string) {
	if prior, ok := t.nodeReg(id); ok && !prior.Deleted {
		t.captureInverse("node:"+id, Write{Kind: WritePutNode, Key: id, Node: prior.Node})
	} else {
		t.captureInverse("node:"+id, Write{Kind: WriteDelNode, Key: id})
	}
	stamp := t.nextStamp()
	opID := t.nextID(1)
	t.nodes[id] = &nodeRegister{Stamp: stamp, Writer: opID, Deleted: true}
	t.ops = append(t.ops, Op{ID: opID, Stamp: stamp, Kind: OpDelNode, Key: id})
	t.fwd = append(t.fwd, Write{Kind: WriteDelNode, Key: id})
}

// PutEdge creates or replaces an edge.
func (t *Txn) PutEdge(e Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if prior, ok := t.edgeReg(e.ID); ok && !prior.Deleted {
		t.captureInverse("edge:"+e.ID, Write{Kind: WritePutEdge, Key: e.ID, Edge: prior.Edge})
	} else {
		t.captureInverse("edge:"+e.ID, Write{Kind: WriteDelEdge, Key: e.ID})
	}
	stamp := t.nextStamp()
	id := t.nextID(1)
	t.edges[e.ID] = &edgeRegister{Edge: e, Stamp: stamp, Writer: id}
	t.ops = append(t.ops, Op{ID: id, Stamp: stamp, Kind: OpPutEdge, Key: e.ID, Edge: &e})
	t.fwd = append(t.fwd, Write{Kind: WritePutEdge, Key: e.ID, Edge: e})
	return nil
}

// DeleteEdge tombstones an edge.
func (t *Txn) DeleteEdge(id string) {
	if prior, ok := t.edgeReg(id); ok && !prior.Deleted {
		t.captureInverse("edge:"+id, Write{Kind: WritePutEdge, Key: id, Edge: prior.Edge})
	} else {
		t.captureInverse("edge:"+id, Write{Kind: WriteDelEdge, Key: id})
	}
	stamp := t.nextStamp()
	opID := t.nextID(1)
	t.edges[id] = &edgeRegister{Stamp: stamp, Writer: opID, Deleted: true}
	t.ops = append(t.ops, Op{ID: opID, Stamp: stamp, Kind: OpDelEdge, Key: id})
	t.fwd = append(t.fwd, Write{Kind: WriteDelEdge, Key: id})
}

// SetMeta writes a document-level metadata entry.
func (t *Txn) SetMeta(key, value string) {
	if prior, ok := t.metaReg(key); ok && !prior.Deleted {
		t.captureInverse("meta:"+key, Write{Kind: WriteSetMeta, Key: key, Value: prior.Value})
	} else {
		t.captureInverse("meta:"+key, Write{Kind: WriteDelMeta, Key: key})
	}
	stamp := t.nextStamp()
	id := t.nextID(1)
	t.meta[key] = &metaRegister{Value: value, Stamp: stamp, Writer: id}
	t.ops = append(t.ops, Op{ID: id, Stamp: stamp, Kind: OpSetMeta, Key: key, Value: value})
	t.fwd = append(t.fwd, Write{Kind: WriteSetMeta, Key: key, Value: value})
}

// DeleteMeta removes a metadata entry.
func (t *Txn) DeleteMeta(key string) {
	if prior, ok := t.metaReg(key); ok && !prior.Deleted {
		t.captureInverse("meta:"+key, Write{Kind: WriteSetMeta, Key: key, Value: prior.Value})
	} else {
		t.captureInverse("meta:"+key, Write{Kind: WriteDelMeta, Key: key})
	}
	stamp := t.nextStamp()
	id := t.nextID(1)
	t.meta[key] = &metaRegister{Stamp: stamp, Writer: id, Deleted: true}
	t.ops = append(t.ops, Op{ID: id, Stamp: stamp, Kind: OpDelMeta, Key: key})
	t.fwd = append(t.fwd, Write{Kind: WriteDelMeta, Key: key})
}

// InsertText inserts s at rune position pos of the node's text body.
// Positions beyond the end clamp to append.
func (t *Txn) InsertText(nodeID string, pos int, s string) {
	if s == "" {
		return
	}
	seq := t.stagedText(nodeID)
	vis := seq.visible()
	if pos < 0 {
		pos = 0
	}
	if pos > len(vis) {
		pos = len(vis)
	}
	var origin OpID
	if pos > 0 {
		origin = vis[pos-1].ID
	}
	runes := uint64(len([]rune(s)))
	stamp := t.nextStamp()
	id := t.nextID(runes)
	op := Op{ID: id, Stamp: stamp, Kind: OpTextInsert, Key: nodeID, Value: s, Ref: origin}
	seq.integrateInsert(op)
	t.ops = append(t.ops, op)
	t.recordTextForward(nodeID, seq)
}

// DeleteText tombstones n runes starting at rune position pos.
func (t *Txn) DeleteText(nodeID string, pos, n int) {
	if n <= 0 {
		return
	}
	seq := t.stagedText(nodeID)
	vis := seq.visible()
	if pos < 0 || pos >= len(vis) {
		return
	}
	end := pos + n
	if end > len(vis) {
		end = len(vis)
	}
	targets := vis[pos:end]
	// Group targets into contiguous same-site id ranges so each run becomes
	// one ranged delete op.
	for i := 0; i < len(targets); {
		first := targets[i]
		count := 1
		for i+count < len(targets) {
			prev, cur := targets[i+count-1], targets[i+count]
			if cur.ID.Site != prev.ID.Site || cur.ID.Seq != prev.ID.Seq+1 {
				break
			}
			count++
		}
		stamp := t.nextStamp()
		id := t.nextID(1)
		op := Op{ID: id, Stamp: stamp, Kind: OpTextDelete, Key: nodeID, Ref: first.ID, N: count}
		seq.integrateDelete(op)
		t.ops = append(t.ops, op)
		i += count
	}
	t.recordTextForward(nodeID, seq)
}

// SetText replaces the node's entire text body.
func (t *Txn) SetText(nodeID, s string) {
	current := t.text(nodeID).String()
	if current == s {
		return
	}
	if n := len([]rune(current)); n > 0 {
		t.DeleteText(nodeID, 0, n)
	}
	t.InsertText(nodeID, 0, s)
}

// recordTextForward keeps one forward SetText intent per touched node,
// always reflecting the latest staged content.
func (t *Txn) recordTextForward(nodeID string, seq *textSequence) {
	final := seq.String()
	for i := range t.fwd {
		if t.fwd[i].Kind == WriteSetText && t.fwd[i].Key == nodeID {
			t.fwd[i].Value = final
			return
		}
	}
	t.fwd = append(t.fwd, Write{Kind: WriteSetText, Key: nodeID, Value: final})
}

// ApplyWrites replays intent-level writes inside the transaction. The undo
// manager uses this to execute inverse and forward records.
func (t *Txn) ApplyWrites(writes []Write) error {
	for _, w := range writes {
		switch w.Kind {
		case WritePutNode:
			if err := t.PutNode(w.Node); err != nil {
				return err
			}
		case WriteDelNode:
			t.DeleteNode(w.Key)
		case WritePutEdge:
			if err := t.PutEdge(w.Edge); err != nil {
				return err
			}
		case WriteDelEdge:
			t.DeleteEdge(w.Key)
		case WriteSetMeta:
			t.SetMeta(w.Key, w.Value)
		case WriteDelMeta:
			t.DeleteMeta(w.Key)
		case WriteSetText:
			t.SetText(w.Key, w.Value)
		default:
			return fmt.Errorf("unknown write kind %d", w.Kind)
		}
	}
	return nil
}
