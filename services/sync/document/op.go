// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// Identifiers and clocks
// =============================================================================

// Stamp is a Lamport timestamp: a logical counter with the originating site
// as tie-breaker. Stamps totally order concurrent writes to the same
// register, which is what makes the last-writer-wins merge deterministic.
type Stamp struct {
	Counter uint64 `json:"c"`
	Site    string `json:"s"`
}

// Compare returns -1, 0 or +1 ordering s against o. Counter dominates; the
// site id breaks ties so that no two distinct sites ever produce equal
// stamps with different payloads.
func (s Stamp) Compare(o Stamp) int {
	if s.Counter != o.Counter {
		if s.Counter < o.Counter {
			return -1
		}
		return 1
	}
	if s.Site != o.Site {
		if s.Site < o.Site {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether s wins against o under LWW rules.
func (s Stamp) After(o Stamp) bool {
	return s.Compare(o) > 0
}

// OpID uniquely identifies one operation for the lifetime of the document.
// Site is the replica id; Seq is that replica's monotonically increasing
// operation sequence number. IDs are never reused, including after deletes.
type OpID struct {
	Site string `json:"s"`
	Seq  uint64 `json:"q"`
}

// IsZero reports whether the id is the zero value, used as the sentinel
// "head of sequence" origin for text inserts.
func (id OpID) IsZero() bool {
	return id.Site == "" && id.Seq == 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Site, id.Seq)
}

// =============================================================================
// State vector
// =============================================================================

// StateVector summarizes what a replica has already integrated: the highest
// operation sequence number seen per site. It is the input to minimal-diff
// computation and the only thing a client has to persist between reconnects.
type StateVector map[string]uint64

// Covers reports whether the vector already accounts for the given op.
func (sv StateVector) Covers(id OpID) bool {
	return id.Seq <= sv[id.Site]
}

// Observe folds one op id into the vector.
func (sv StateVector) Observe(id OpID) {
	if id.Seq > sv[id.Site] {
		sv[id.Site] = id.Seq
	}
}

// Merge folds another vector into this one, keeping per-site maxima.
func (sv StateVector) Merge(other StateVector) {
	for site, seq := range other {
		if seq > sv[site] {
			sv[site] = seq
		}
	}
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for site, seq := range sv {
		out[site] = seq
	}
	return out
}

// svEntry is the canonical wire form of one vector entry.
type svEntry struct {
	Site string `json:"s"`
	Seq  uint64 `json:"q"`
}

// MarshalJSON encodes the vector as a site-sorted list so the encoding is
// canonical: equal vectors always produce identical bytes.
func (sv StateVector) MarshalJSON() ([]byte, error) {
	entries := make([]svEntry, 0, len(sv))
	for site, seq := range sv {
		entries = append(entries, svEntry{Site: site, Seq: seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Site < entries[j].Site })
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the canonical list form.
func (sv *StateVector) UnmarshalJSON(data []byte) error {
	var entries []svEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(StateVector, len(entries))
	for _, e := range entries {
		if e.Site == "" {
			return fmt.Errorf("state vector entry has empty site")
		}
		if e.Seq > out[e.Site] {
			out[e.Site] = e.Seq
		}
	}
	*sv = out
	return nil
}

// EncodeStateVector serializes a vector to the base64 form carried in the
// `sv` query parameter.
func EncodeStateVector(sv StateVector) (string, error) {
	raw, err := json.Marshal(sv)
	if err != nil {
		return "", fmt.Errorf("marshal state vector: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeStateVector parses the base64 `sv` query parameter. Malformed input
// is rejected here, before any storage access.
func DecodeStateVector(encoded string) (StateVector, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode state vector base64: %w", err)
	}
	var sv StateVector
	if err := json.Unmarshal(raw, &sv); err != nil {
		return nil, fmt.Errorf("parse state vector: %w", err)
	}
	if sv == nil {
		sv = make(StateVector)
	}
	return sv, nil
}

// =============================================================================
// Operations
// =============================================================================

// OpKind tags the variant of an operation.
type OpKind string

const (
	OpPutNode    OpKind = "put_node"
	OpDelNode    OpKind = "del_node"
	OpPutEdge    OpKind = "put_edge"
	OpDelEdge    OpKind = "del_edge"
	OpSetMeta    OpKind = "set_meta"
	OpDelMeta    OpKind = "del_meta"
	OpTextInsert OpKind = "txt_ins"
	OpTextDelete OpKind = "txt_del"
)

// Op is one atomic CRDT operation. Ops are the unit of replication: a
// transaction commits as an ordered list of ops, and applying any set of ops
// in any order, with any duplication, converges.
//
// Field usage by kind:
//
//   - put_node:   Key=node id, Node set
//   - del_node:   Key=node id
//   - put_edge:   Key=edge id, Edge set
//   - del_edge:   Key=edge id
//   - set_meta:   Key=meta key, Value=meta value
//   - del_meta:   Key=meta key
//   - txt_ins:    Key=node id, Value=inserted runes, Ref=origin element
//   - txt_del:    Key=node id, Ref=first element, N=element count
type Op struct {
	ID    OpID   `json:"id"`
	Stamp Stamp  `json:"ts"`
	Kind  OpKind `json:"op"`
	Key   string `json:"key,omitempty"`
	Node  *Node  `json:"node,omitempty"`
	Edge  *Edge  `json:"edge,omitempty"`
	Value string `json:"value,omitempty"`
	Ref   OpID   `json:"ref,omitempty"`
	N     int    `json:"n,omitempty"`
}

// Delta is the wire form of a batch of ops: the opaque binary payload stored
// in the update log and exchanged between replicas.
type Delta struct {
	Ops []Op `json:"ops"`
}

// EncodeDelta serializes ops into one update-log entry.
func EncodeDelta(ops []Op) ([]byte, error) {
	raw, err := json.Marshal(Delta{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return raw, nil
}

// DecodeDelta parses one update-log entry.
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("decode delta: %w", err)
	}
	return d, nil
}

// sortOpsCanonical orders ops by (site, seq) so diff payloads are
// deterministic regardless of internal map iteration order.
func sortOpsCanonical(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Site != ops[j].ID.Site {
			return ops[i].ID.Site < ops[j].ID.Site
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})
}
