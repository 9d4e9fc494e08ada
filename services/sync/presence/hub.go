// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dialecticlabs/boardsync/pkg/validation"
	"github.com/dialecticlabs/boardsync/services/sync/cache"
	"github.com/dialecticlabs/boardsync/services/sync/document"
	"github.com/dialecticlabs/boardsync/services/sync/observability"
	"github.com/dialecticlabs/boardsync/services/sync/store"
)

// sendBuffer is the per-session outbound queue depth. A session that
// falls this far behind is dropped rather than blocking the board.
const sendBuffer = 256

// Frame is one outbound websocket frame. Binary frames carry encoded
// deltas; text frames carry JSON events.
type Frame struct {
	Binary bool
	Data   []byte
}

// ControlMessage is an inbound text-frame message from a client.
type ControlMessage struct {
	Type string `json:"type" validate:"required,oneof=lock unlock resync ping"`
	Node string `json:"node,omitempty"`
	SV   string `json:"sv,omitempty"`
}

// Event is an outbound text-frame message to clients.
type Event struct {
	Type    string            `json:"type"`
	Session string            `json:"session,omitempty"`
	Action  string            `json:"action,omitempty"`
	Node    string            `json:"node,omitempty"`
	Locks   map[string]string `json:"locks,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Session is one connected client on a board.
type Session struct {
	ID  string
	hub *Hub

	send   chan Frame
	closed bool // guarded by hub.mu
}

// Frames returns the session's outbound frame queue. The channel is
// closed when the session leaves the board.
func (s *Session) Frames() <-chan Frame {
	return s.send
}

// Close removes the session from its board, releasing its locks.
func (s *Session) Close() {
	s.hub.Leave(s)
}

// Hub fans updates, lock changes and presence events out to every
// session editing one board. It owns the board's live replica: inbound
// deltas merge into it before being persisted and broadcast.
type Hub struct {
	DocID string

	doc      *document.Document
	store    *store.Store
	cache    *cache.Cache
	locks    *LockTable
	logger   *slog.Logger
	validate *validator.Validate

	mu       sync.Mutex
	sessions map[string]*Session
}

func newHub(docID string, doc *document.Document, st *store.Store, ch *cache.Cache, logger *slog.Logger, validate *validator.Validate) *Hub {
	return &Hub{
		DocID:    docID,
		doc:      doc,
		store:    st,
		cache:    ch,
		locks:    NewLockTable(),
		logger:   logger,
		validate: validate,
		sessions: make(map[string]*Session),
	}
}

// Locks exposes the board's advisory lock table.
func (h *Hub) Locks() *LockTable {
	return h.locks
}

// Document exposes the board's live replica.
func (h *Hub) Document() *document.Document {
	return h.doc
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Join registers a new session. The session immediately receives its
// identity, the current lock table, and other sessions are told it
// arrived.
func (h *Hub) Join() *Session {
	s := &Session{
		ID:   uuid.NewString(),
		hub:  h,
		send: make(chan Frame, sendBuffer),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.sendLocked(s, textFrame(Event{Type: "session", Session: s.ID}))
	h.sendLocked(s, textFrame(Event{Type: "locks", Locks: h.locks.Snapshot()}))
	h.broadcastLocked(s, textFrame(Event{Type: "presence", Action: "join", Session: s.ID}))
	h.mu.Unlock()

	observability.SessionOpened()
	h.logger.Info("session joined",
		slog.String("doc", h.DocID), slog.String("session", s.ID))
	return s
}

// Leave removes a session, releases its locks and notifies the rest of
// the board. Safe to call multiple times.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true
	delete(h.sessions, s.ID)
	close(s.send)

	for _, nodeID := range h.locks.ReleaseAll(s.ID) {
		h.broadcastLocked(nil, textFrame(Event{Type: "unlock", Node: nodeID, Session: s.ID}))
	}
	h.broadcastLocked(nil, textFrame(Event{Type: "presence", Action: "leave", Session: s.ID}))
	h.mu.Unlock()

	observability.SessionClosed()
	h.logger.Info("session left",
		slog.String("doc", h.DocID), slog.String("session", s.ID))
}

// ApplyUpdate appends a client delta to the durable log, then merges it
// into the board's live replica and broadcasts it to every other
// session. Persist-first: a delta that cannot be logged never reaches
// the replica, so restart replay and live state cannot diverge.
func (h *Hub) ApplyUpdate(ctx context.Context, from *Session, delta []byte) error {
	if _, err := h.store.AppendUpdate(ctx, h.DocID, delta); err != nil {
		return fmt.Errorf("persist update: %w", err)
	}
	cs, err := h.doc.ApplyDelta(delta, document.OriginRemote)
	if err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	h.cache.InvalidateDoc(h.DocID)
	observability.RecordUpdate("websocket")

	h.mirrorSlug(ctx, cs)

	h.mu.Lock()
	h.broadcastLocked(from, Frame{Binary: true, Data: delta})
	h.mu.Unlock()
	return nil
}

// mirrorSlug keeps the documents table in step with the board's slug
// metadata so path resolution sees renames.
func (h *Hub) mirrorSlug(ctx context.Context, cs document.ChangeSet) {
	for _, key := range cs.Meta {
		if key != "slug" {
			continue
		}
		raw, ok := h.doc.GetMeta("slug")
		if !ok || raw == "" {
			return
		}
		slug, err := validation.SanitizeSlug(raw)
		if err != nil {
			h.logger.Warn("slug metadata rejected",
				slog.String("doc", h.DocID),
				slog.String("error", err.Error()))
			return
		}
		if err := h.store.SetSlug(ctx, h.DocID, slug); err != nil {
			h.logger.Warn("slug mirror failed",
				slog.String("doc", h.DocID),
				slog.String("slug", slug),
				slog.String("error", err.Error()))
		}
		return
	}
}

// Control handles one inbound text frame from a session.
func (h *Hub) Control(ctx context.Context, s *Session, data []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	if err := h.validate.Struct(msg); err != nil {
		return fmt.Errorf("invalid control message: %w", err)
	}

	switch msg.Type {
	case "lock", "unlock":
		if msg.Node == "" {
			return errors.New("lock message requires a node id")
		}
		h.handleLock(s, msg)
	case "resync":
		return h.Resync(s, msg.SV)
	case "ping":
		// Liveness only.
	}
	return nil
}

func (h *Hub) handleLock(s *Session, msg ControlMessage) {
	switch msg.Type {
	case "lock":
		if !h.locks.Acquire(msg.Node, s.ID) {
			observability.RecordLockContention()
			holder, _ := h.locks.Owner(msg.Node)
			h.mu.Lock()
			h.sendLocked(s, textFrame(Event{
				Type: "lock", Node: msg.Node, Session: holder,
				Message: "held by another session",
			}))
			h.mu.Unlock()
			return
		}
		h.mu.Lock()
		h.broadcastLocked(nil, textFrame(Event{Type: "lock", Node: msg.Node, Session: s.ID}))
		h.mu.Unlock()
	case "unlock":
		if h.locks.Release(msg.Node, s.ID) {
			h.mu.Lock()
			h.broadcastLocked(nil, textFrame(Event{Type: "unlock", Node: msg.Node, Session: s.ID}))
			h.mu.Unlock()
		}
	}
}

// NotifyError queues an error event for one session.
func (h *Hub) NotifyError(s *Session, message string) {
	h.mu.Lock()
	h.sendLocked(s, textFrame(Event{Type: "error", Message: message}))
	h.mu.Unlock()
}

// Resync sends a session the delta that brings it from the state vector
// it reports to the board's current state. An empty vector yields the
// full state. Used after reconnects and forced resyncs.
func (h *Hub) Resync(s *Session, svEncoded string) error {
	sv := document.StateVector{}
	if svEncoded != "" {
		decoded, err := document.DecodeStateVector(svEncoded)
		if err != nil {
			return fmt.Errorf("decode state vector: %w", err)
		}
		sv = decoded
	}

	ops := h.doc.DiffOps(sv)
	observability.RecordDiff(len(ops) == 0)
	if len(ops) == 0 {
		h.mu.Lock()
		h.sendLocked(s, textFrame(Event{Type: "synced", Session: s.ID}))
		h.mu.Unlock()
		return nil
	}
	delta, err := document.EncodeDelta(ops)
	if err != nil {
		return fmt.Errorf("encode resync delta: %w", err)
	}
	h.mu.Lock()
	h.sendLocked(s, Frame{Binary: true, Data: delta})
	h.mu.Unlock()
	return nil
}

// sendLocked queues a frame for one session; callers hold h.mu. A full
// queue marks the session for removal instead of blocking the board.
func (h *Hub) sendLocked(s *Session, f Frame) {
	if s.closed {
		return
	}
	select {
	case s.send <- f:
	default:
		h.logger.Warn("dropping slow session",
			slog.String("doc", h.DocID), slog.String("session", s.ID))
		go h.Leave(s)
	}
}

// broadcastLocked queues a frame for every session except skip.
func (h *Hub) broadcastLocked(skip *Session, f Frame) {
	for _, s := range h.sessions {
		if skip != nil && s.ID == skip.ID {
			continue
		}
		h.sendLocked(s, f)
	}
}

func textFrame(ev Event) Frame {
	data, err := json.Marshal(ev)
	if err != nil {
		// Event has no unmarshalable fields; treated as unreachable.
		data = []byte(`{"type":"error","message":"encode event"}`)
	}
	return Frame{Data: data}
}

// Manager hands out one hub per board, loading the board's state from
// the store on first use.
type Manager struct {
	store    *store.Store
	cache    *cache.Cache
	logger   *slog.Logger
	validate *validator.Validate

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager creates a hub manager.
func NewManager(st *store.Store, ch *cache.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		cache:    ch,
		logger:   logger,
		validate: validator.New(),
		hubs:     make(map[string]*Hub),
	}
}

// Hub returns the hub for docID, creating it (and loading the board's
// persisted state) on first use.
func (m *Manager) Hub(ctx context.Context, docID string) (*Hub, error) {
	m.mu.Lock()
	if h, ok := m.hubs[docID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	// Load outside the manager lock; replay can be slow for big boards.
	doc, stats, err := m.store.LoadState(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", docID, err)
	}
	for i := 0; i < stats.Skipped; i++ {
		observability.RecordCorruptRow()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[docID]; ok {
		return h, nil
	}
	h := newHub(docID, doc, m.store, m.cache, m.logger, m.validate)
	m.hubs[docID] = h
	return h, nil
}

// ActiveSessions returns the total session count across hubs.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, h := range m.hubs {
		total += h.SessionCount()
	}
	return total
}
