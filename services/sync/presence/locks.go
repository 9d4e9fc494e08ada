// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package presence tracks who is editing a board: realtime sessions over
// websockets and per-node advisory locks.
//
// Locks are a UX signal, never a correctness mechanism. The merge layer
// does not consult them; a mutation that ignores a lock still converges.
// Every lock dies with its owning session.
package presence

import "sync"

// LockTable tracks advisory node locks for one board.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type LockTable struct {
	mu      sync.Mutex
	byNode  map[string]string              // node id -> owning session
	byOwner map[string]map[string]struct{} // session -> node ids
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		byNode:  make(map[string]string),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Acquire takes the lock on nodeID for owner. Re-acquiring a lock the
// owner already holds succeeds. Returns false when another session holds
// the node.
func (t *LockTable) Acquire(nodeID, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if holder, ok := t.byNode[nodeID]; ok && holder != owner {
		return false
	}
	t.byNode[nodeID] = owner
	if t.byOwner[owner] == nil {
		t.byOwner[owner] = make(map[string]struct{})
	}
	t.byOwner[owner][nodeID] = struct{}{}
	return true
}

// Release drops the lock on nodeID if owner holds it. Returns false when
// owner does not hold the node.
func (t *LockTable) Release(nodeID, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if holder, ok := t.byNode[nodeID]; !ok || holder != owner {
		return false
	}
	delete(t.byNode, nodeID)
	delete(t.byOwner[owner], nodeID)
	if len(t.byOwner[owner]) == 0 {
		delete(t.byOwner, owner)
	}
	return true
}

// LockedByOther reports whether a session other than self holds nodeID.
func (t *LockTable) LockedByOther(nodeID, self string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.byNode[nodeID]
	return ok && holder != self
}

// Owner returns the session holding nodeID.
func (t *LockTable) Owner(nodeID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.byNode[nodeID]
	return holder, ok
}

// ReleaseAll drops every lock owner holds and returns the freed node
// ids. Called when a session disconnects.
func (t *LockTable) ReleaseAll(owner string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := t.byOwner[owner]
	if len(nodes) == 0 {
		return nil
	}
	freed := make([]string, 0, len(nodes))
	for nodeID := range nodes {
		delete(t.byNode, nodeID)
		freed = append(freed, nodeID)
	}
	delete(t.byOwner, owner)
	return freed
}

// Snapshot returns a copy of the current node -> session mapping, sent
// to joining sessions.
func (t *LockTable) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.byNode))
	for node, owner := range t.byNode {
		out[node] = owner
	}
	return out
}
