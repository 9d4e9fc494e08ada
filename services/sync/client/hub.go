// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client is the editing-session side of the sync loop.
//
// A Hub owns one replica of a board together with its mutation service
// and undo manager. It listens to the replica's change feed and buffers
// the deltas of locally-originated transactions — OriginLocal,
// OriginUndo and OriginRedo — for the network; remote merges are never
// echoed back. Buffered deltas coalesce over a debounce window, so a
// burst of keystrokes or a drag crosses the wire as one delta, and are
// handed to a Transport: a websocket session in a real client, the
// durable update log when the session runs in-process.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialecticlabs/boardsync/services/sync/document"
	"github.com/dialecticlabs/boardsync/services/sync/history"
	"github.com/dialecticlabs/boardsync/services/sync/mutate"
	"github.com/dialecticlabs/boardsync/services/sync/store"
)

// DefaultDebounce is the flush coalescing window used when
// Config.Debounce is 0.
const DefaultDebounce = 250 * time.Millisecond

// Transport carries the session's outbound traffic.
type Transport interface {
	// SendDelta delivers one encoded delta of local edits. An error
	// leaves the deltas buffered for the next flush.
	SendDelta(ctx context.Context, delta []byte) error

	// RequestSync asks the other side for the delta that brings this
	// replica from the given encoded state vector to current. An empty
	// vector requests the full state.
	RequestSync(ctx context.Context, sv string) error
}

// Config holds hub tuning.
//
// # Fields
//
//   - Session: Identifier for advisory lock self-checks. Defaults to
//     the replica's site id.
//   - Debounce: How long the hub waits for further local edits before
//     flushing. 0 means DefaultDebounce.
//   - History: Undo manager tuning, passed through to history.New.
//   - Locks: Advisory lock view for the mutation service. Nil disables
//     lock checks.
//   - Hooks: Post-commit mutation hooks, passed through to mutate.New.
type Config struct {
	Session  string
	Debounce time.Duration
	History  history.Config
	Locks    mutate.LockChecker
	Hooks    mutate.Hooks
	Logger   *slog.Logger
}

// Hub is one editing session's view of a board.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Flushes triggered by the
// debounce window run on the hub's own goroutine.
type Hub struct {
	doc       *document.Document
	transport Transport
	history   *history.Manager
	mutations *mutate.Service
	logger    *slog.Logger
	debounce  time.Duration

	mu     sync.Mutex
	buf    [][]byte
	closed bool

	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHub creates a started hub around the replica. Call Close to stop
// the flusher; pending deltas are flushed on the way out.
func NewHub(doc *document.Document, transport Transport, cfg Config) (*Hub, error) {
	if doc == nil {
		return nil, errors.New("client: document is required")
	}
	if transport == nil {
		return nil, errors.New("client: transport is required")
	}
	if cfg.Session == "" {
		cfg.Session = doc.Site()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		doc:       doc,
		transport: transport,
		logger:    logger,
		debounce:  cfg.Debounce,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.history = history.New(doc, cfg.History)
	h.mutations = mutate.New(doc, mutate.Options{
		Session: cfg.Session,
		Locks:   cfg.Locks,
		Hooks:   cfg.Hooks,
		Logger:  logger,
	})
	doc.Subscribe(h.observe)

	h.wg.Add(1)
	go h.run()
	return h, nil
}

// Document exposes the session's replica.
func (h *Hub) Document() *document.Document {
	return h.doc
}

// Mutations exposes the session's mutation service.
func (h *Hub) Mutations() *mutate.Service {
	return h.mutations
}

// History exposes the session's undo manager.
func (h *Hub) History() *history.Manager {
	return h.history
}

// Pending returns the number of buffered, unflushed deltas.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// observe buffers the deltas of locally-originated transactions.
func (h *Hub) observe(cs document.ChangeSet) {
	switch cs.Origin {
	case document.OriginLocal, document.OriginUndo, document.OriginRedo:
	default:
		return
	}
	if len(cs.Delta) == 0 {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.buf = append(h.buf, cs.Delta)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// run is the debounce flusher: each local edit restarts the window, and
// the buffer flushes when it lapses.
func (h *Hub) run() {
	defer h.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-h.done:
			if timer != nil {
				timer.Stop()
			}
			if err := h.Flush(context.Background()); err != nil {
				h.logger.Warn("final flush failed",
					slog.String("error", err.Error()))
			}
			return
		case <-h.wake:
			if timer == nil {
				timer = time.NewTimer(h.debounce)
				fire = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.debounce)
		case <-fire:
			timer, fire = nil, nil
			if err := h.Flush(context.Background()); err != nil {
				h.logger.Warn("flush failed, deltas retained",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Flush sends every buffered delta as one combined delta. A transport
// error puts the deltas back at the head of the buffer and is returned.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	if len(h.buf) == 0 {
		h.mu.Unlock()
		return nil
	}
	pending := h.buf
	h.buf = nil
	h.mu.Unlock()

	delta, err := combine(pending)
	if err != nil {
		// Own commits always decode; treated as unreachable.
		return fmt.Errorf("combine pending deltas: %w", err)
	}
	if err := h.transport.SendDelta(ctx, delta); err != nil {
		h.mu.Lock()
		h.buf = append(pending, h.buf...)
		h.mu.Unlock()
		return fmt.Errorf("flush deltas: %w", err)
	}
	return nil
}

// ForceFlush seals the current undo step and flushes immediately,
// without waiting out the debounce window.
func (h *Hub) ForceFlush(ctx context.Context) error {
	h.history.Seal()
	return h.Flush(ctx)
}

// Resync force-flushes, then drops the diff baseline: the other side is
// asked for the full state rather than a diff against what this replica
// believes it has. Used when the session suspects divergence.
func (h *Hub) Resync(ctx context.Context) error {
	if err := h.ForceFlush(ctx); err != nil {
		return err
	}
	return h.transport.RequestSync(ctx, "")
}

// CatchUp asks the other side for the delta since this replica's
// current state vector. Used after reconnects.
func (h *Hub) CatchUp(ctx context.Context) error {
	sv, err := document.EncodeStateVector(h.doc.StateVector())
	if err != nil {
		return fmt.Errorf("encode state vector: %w", err)
	}
	return h.transport.RequestSync(ctx, sv)
}

// ApplyServer merges an inbound server delta into the replica. The
// merge is tagged OriginRemote, so it is neither recorded for undo nor
// buffered for flushing.
func (h *Hub) ApplyServer(delta []byte) error {
	if _, err := h.doc.ApplyDelta(delta, document.OriginRemote); err != nil {
		return fmt.Errorf("apply server delta: %w", err)
	}
	return nil
}

// Close stops the flusher, flushing anything still buffered. Safe to
// call multiple times.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		// Refuse new deltas first so the final flush sees everything.
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
		h.wg.Wait()
	})
}

// combine folds a batch of deltas into one by concatenating their ops.
// Op application is idempotent and ordered by stamps, so concatenation
// preserves meaning.
func combine(deltas [][]byte) ([]byte, error) {
	if len(deltas) == 1 {
		return deltas[0], nil
	}
	var ops []document.Op
	for _, data := range deltas {
		d, err := document.DecodeDelta(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, d.Ops...)
	}
	return document.EncodeDelta(ops)
}

// StoreTransport flushes deltas straight into the durable update log,
// for sessions running in the same process as the store. Sync requests
// are answered from the stored state and handed to Deliver.
type StoreTransport struct {
	Store *store.Store
	DocID string

	// Deliver receives catch-up deltas produced by RequestSync,
	// typically the hub's ApplyServer.
	Deliver func(delta []byte) error
}

// SendDelta appends the delta to the document's update log.
func (t *StoreTransport) SendDelta(ctx context.Context, delta []byte) error {
	_, err := t.Store.AppendUpdate(ctx, t.DocID, delta)
	return err
}

// RequestSync rebuilds the stored state, diffs it against the given
// vector and delivers the result. A current replica delivers nothing.
func (t *StoreTransport) RequestSync(ctx context.Context, svEncoded string) error {
	sv := document.StateVector{}
	if svEncoded != "" {
		decoded, err := document.DecodeStateVector(svEncoded)
		if err != nil {
			return fmt.Errorf("decode state vector: %w", err)
		}
		sv = decoded
	}

	doc, _, err := t.Store.LoadState(ctx, t.DocID)
	if err != nil {
		return fmt.Errorf("load stored state: %w", err)
	}
	ops := doc.DiffOps(sv)
	if len(ops) == 0 {
		return nil
	}
	delta, err := document.EncodeDelta(ops)
	if err != nil {
		return fmt.Errorf("encode catch-up delta: %w", err)
	}
	if t.Deliver == nil {
		return errors.New("store transport: Deliver is not set")
	}
	return t.Deliver(delta)
}
