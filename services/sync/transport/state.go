// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport serves board state over HTTP.
//
// One endpoint carries four response shapes, selected by query
// parameters:
//
//	GET /v1/boards/:id/state              binary snapshot (default)
//	GET /v1/boards/:id/state?sv=...       binary diff, or 204 when current
//	GET /v1/boards/:id/state?mode=updates JSON array of pending updates
//	GET /v1/boards/:id/state?mode=json    decoded structured state (debug)
//
// The path segment accepts a slug or a document id; malformed
// references fail with 400 before storage is touched. Unknown ids serve
// the empty board.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dialecticlabs/boardsync/services/sync/cache"
	"github.com/dialecticlabs/boardsync/services/sync/document"
	"github.com/dialecticlabs/boardsync/services/sync/observability"
	"github.com/dialecticlabs/boardsync/services/sync/store"
)

// gzipThreshold is the smallest body worth compressing. Tiny boards
// cost more in header overhead than the compression saves.
const gzipThreshold = 1024

// StateHandler serves board state reads.
type StateHandler struct {
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// NewStateHandler creates the handler.
func NewStateHandler(st *store.Store, ch *cache.Cache, logger *slog.Logger) *StateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateHandler{store: st, cache: ch, logger: logger}
}

// HandleBoardState is the GET /v1/boards/:id/state handler.
func (h *StateHandler) HandleBoardState() gin.HandlerFunc {
	return func(c *gin.Context) {
		docID, err := h.store.Resolve(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrBadRef) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid board reference"})
				return
			}
			h.fail(c, "resolve board", err)
			return
		}

		if sv := c.Query("sv"); sv != "" {
			h.serveDiff(c, docID, sv)
			return
		}
		switch c.Query("mode") {
		case "updates":
			h.serveUpdates(c, docID)
		case "json", "json-snapshot":
			h.serveJSON(c, docID)
		case "":
			h.serveSnapshot(c, docID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
		}
	}
}

// serveDiff answers a state-vector catch-up request: the minimal delta,
// or 204 No Content when the client is already current.
func (h *StateHandler) serveDiff(c *gin.Context, docID, svEncoded string) {
	sv, err := document.DecodeStateVector(svEncoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state vector"})
		return
	}

	diff, err := h.store.DiffAgainst(c.Request.Context(), docID, sv)
	if err != nil {
		h.fail(c, "compute diff", err)
		return
	}
	observability.RecordDiff(diff.Empty)
	observability.RecordStateRequest("diff", false)

	if diff.Empty {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("X-Diff-Bytes", strconv.Itoa(len(diff.Data)))
	c.Header("X-Diff-Ops", strconv.Itoa(diff.Ops))
	h.writeBinary(c, diff.Data)
}

// serveUpdates returns the stored update rows as base64 strings.
func (h *StateHandler) serveUpdates(c *gin.Context, docID string) {
	recs, err := h.store.Updates(c.Request.Context(), docID, 0)
	if err != nil {
		h.fail(c, "read updates", err)
		return
	}
	observability.RecordStateRequest("updates", false)

	encoded := make([]string, len(recs))
	total := 0
	for i, rec := range recs {
		encoded[i] = base64.StdEncoding.EncodeToString(rec.Delta)
		total += len(rec.Delta)
	}
	if c.Query("debug") == "1" {
		c.Header("X-Update-Count", strconv.Itoa(len(recs)))
		c.Header("X-Update-Bytes", strconv.Itoa(total))
	}
	c.JSON(http.StatusOK, gin.H{
		"updates": encoded,
		"count":   len(recs),
	})
}

// serveJSON returns the decoded structured state. Debug surface; the
// canonical wire form is the binary snapshot.
func (h *StateHandler) serveJSON(c *gin.Context, docID string) {
	doc, _, err := h.store.LoadState(c.Request.Context(), docID)
	if err != nil {
		h.fail(c, "load state", err)
		return
	}
	observability.RecordStateRequest("json", false)
	c.JSON(http.StatusOK, doc.Export())
}

// serveSnapshot returns the binary snapshot with cache validation:
// ETag/If-None-Match and Last-Modified/If-Modified-Since both yield 304.
func (h *StateHandler) serveSnapshot(c *gin.Context, docID string) {
	ctx := c.Request.Context()

	var mod time.Time
	if meta, err := h.store.Meta(ctx, docID); err == nil {
		mod = meta.UpdatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		h.fail(c, "read board row", err)
		return
	}

	snap, hit, err := h.cache.GetOrLoad(ctx, cache.Key(docID, "snap"),
		func(ctx context.Context) ([]byte, error) {
			data, _, err := h.store.SnapshotBytes(ctx, docID)
			return data, err
		})
	if err != nil {
		h.fail(c, "build snapshot", err)
		return
	}
	observability.RecordStateRequest("snapshot", hit)

	etag := etagFor(mod, len(snap))
	c.Header("ETag", etag)
	if !mod.IsZero() {
		c.Header("Last-Modified", mod.UTC().Format(http.TimeFormat))
	}

	if match := c.GetHeader("If-None-Match"); match != "" && strings.Contains(match, etag) {
		c.Header("Vary", "Accept-Encoding")
		c.Status(http.StatusNotModified)
		return
	}
	if ims := c.GetHeader("If-Modified-Since"); ims != "" && !mod.IsZero() {
		if since, perr := http.ParseTime(ims); perr == nil && !mod.Truncate(time.Second).After(since) {
			c.Header("Vary", "Accept-Encoding")
			c.Status(http.StatusNotModified)
			return
		}
	}

	if c.Query("debug") == "1" {
		if recs, derr := h.store.Updates(ctx, docID, 0); derr == nil {
			total := 0
			for _, rec := range recs {
				total += len(rec.Delta)
			}
			c.Header("X-Update-Count", strconv.Itoa(len(recs)))
			c.Header("X-Update-Bytes", strconv.Itoa(total))
		}
	}

	h.writeBinary(c, snap)
}

// fail logs and returns a 500 without leaking internals.
func (h *StateHandler) fail(c *gin.Context, what string, err error) {
	h.logger.Error(what+" failed",
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
}

// writeBinary sends an octet-stream body, gzip-compressed when the
// client accepts it and the body clears the threshold. Compression
// failure falls back to identity; the payload always arrives.
func (h *StateHandler) writeBinary(c *gin.Context, data []byte) {
	c.Header("Vary", "Accept-Encoding")

	if len(data) >= gzipThreshold && acceptsGzip(c.Request) {
		if compressed, ok := compressPayload(data); ok {
			c.Header("Content-Encoding", "gzip")
			c.Header("X-Uncompressed-Size", strconv.Itoa(len(data)))
			c.Data(http.StatusOK, "application/octet-stream", compressed)
			return
		}
		h.logger.Warn("gzip compression skipped", slog.Int("bytes", len(data)))
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// compressPayload gzips data, reporting ok=false when compression fails
// or does not shrink the body.
func compressPayload(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// etagFor derives a weak validator from what the client can observe:
// modification time and body length.
func etagFor(mod time.Time, length int) string {
	return fmt.Sprintf(`"%x-%x"`, mod.UnixNano(), length)
}
