// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history implements per-session undo/redo over a shared board
// document.
//
// The manager listens to the document's change feed and records only
// locally-originated transactions. Remote transactions never enter either
// stack: undo reverses what this session did, not what a collaborator
// did. Undo and redo replay captured write intents in their own
// transactions, tagged with a replay origin so the recorder ignores them.
package history

import (
	"sync"
	"time"

	"github.com/dialecticlabs/boardsync/services/sync/document"
)

// record is one undoable step: the forward writes that redo replays and
// the inverse writes that undo replays.
type record struct {
	forward []document.Write
	inverse []document.Write
	at      time.Time
}

// Config holds manager tuning.
//
// # Fields
//
//   - Debounce: Local transactions committed within this window coalesce
//     into the previous record, so a burst of keystrokes or a drag
//     undoes as one step. 0 disables coalescing.
//   - Limit: Maximum undo depth; the oldest record is dropped when
//     exceeded. 0 means DefaultLimit.
//   - OnDepthChange: Invoked with the (undo, redo) stack depths whenever
//     they change. Clients use it to enable or grey out their undo and
//     redo controls without polling. Nil disables the callback.
type Config struct {
	Debounce      time.Duration
	Limit         int
	OnDepthChange func(undo, redo int)
}

// DefaultLimit is the undo depth used when Config.Limit is 0.
const DefaultLimit = 200

// Manager tracks undo/redo stacks for one editing session.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	doc *document.Document
	cfg Config

	mu       sync.Mutex
	undo     []*record
	redo     []*record
	grouping bool
}

// New creates a manager and subscribes it to the document's change feed.
func New(doc *document.Document, cfg Config) *Manager {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	m := &Manager{doc: doc, cfg: cfg}
	doc.Subscribe(m.observe)
	return m
}

// observe records local transactions and clears redo on new local edits.
func (m *Manager) observe(cs document.ChangeSet) {
	if cs.Origin != document.OriginLocal {
		return
	}
	if len(cs.Inverse) == 0 && len(cs.Forward) == 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	m.redo = m.redo[:0]

	if top := m.topUndo(); top != nil && m.shouldCoalesce(top, now) {
		top.forward = append(top.forward, cs.Forward...)
		// Undo applies the newer step's restores first, so the older
		// step's prior values land last.
		top.inverse = append(append([]document.Write{}, cs.Inverse...), top.inverse...)
		top.at = now
		m.mu.Unlock()
		m.notifyDepths()
		return
	}

	m.undo = append(m.undo, &record{
		forward: append([]document.Write{}, cs.Forward...),
		inverse: append([]document.Write{}, cs.Inverse...),
		at:      now,
	})
	if len(m.undo) > m.cfg.Limit {
		m.undo = m.undo[1:]
	}
	m.mu.Unlock()
	m.notifyDepths()
}

// notifyDepths fires the depth callback outside the lock, so the
// callback may call back into the manager.
func (m *Manager) notifyDepths() {
	if m.cfg.OnDepthChange == nil {
		return
	}
	undo, redo := m.Depths()
	m.cfg.OnDepthChange(undo, redo)
}

func (m *Manager) topUndo() *record {
	if len(m.undo) == 0 {
		return nil
	}
	return m.undo[len(m.undo)-1]
}

func (m *Manager) shouldCoalesce(top *record, now time.Time) bool {
	if m.grouping {
		return true
	}
	return m.cfg.Debounce > 0 && now.Sub(top.at) <= m.cfg.Debounce
}

// BeginGroup starts capture grouping: every local transaction until
// EndGroup coalesces into a single undo step.
func (m *Manager) BeginGroup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grouping = true
	// The next record starts the group; a stale top must not absorb it.
	m.sealLocked()
}

// EndGroup stops capture grouping and seals the current step.
func (m *Manager) EndGroup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grouping = false
	m.sealLocked()
}

// Seal ends the current coalescing window: the next local transaction
// starts a fresh undo step even inside the debounce window. Used by the
// client hub on forced flushes.
func (m *Manager) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealLocked()
}

// sealLocked pushes the top record out of coalescing range.
func (m *Manager) sealLocked() {
	if top := m.topUndo(); top != nil {
		top.at = time.Time{}
	}
}

// CanUndo reports whether an undo step is available.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether a redo step is available.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depths returns the current (undo, redo) stack depths.
func (m *Manager) Depths() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

// Undo reverses the most recent local step. Returns false when there is
// nothing to undo. The reversal itself is a normal transaction and
// propagates to other replicas as such.
func (m *Manager) Undo() (bool, error) {
	m.mu.Lock()
	if len(m.undo) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	rec := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.mu.Unlock()

	_, err := m.doc.Transact(document.OriginUndo, func(txn *document.Txn) error {
		return txn.ApplyWrites(rec.inverse)
	})

	m.mu.Lock()
	if err != nil {
		m.undo = append(m.undo, rec)
		m.mu.Unlock()
		return false, err
	}
	m.redo = append(m.redo, rec)
	m.mu.Unlock()
	m.notifyDepths()
	return true, nil
}

// Redo re-applies the most recently undone step. Returns false when
// there is nothing to redo.
func (m *Manager) Redo() (bool, error) {
	m.mu.Lock()
	if len(m.redo) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	rec := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.mu.Unlock()

	_, err := m.doc.Transact(document.OriginRedo, func(txn *document.Txn) error {
		return txn.ApplyWrites(rec.forward)
	})

	m.mu.Lock()
	if err != nil {
		m.redo = append(m.redo, rec)
		m.mu.Unlock()
		return false, err
	}
	m.undo = append(m.undo, rec)
	m.mu.Unlock()
	m.notifyDepths()
	return true, nil
}
