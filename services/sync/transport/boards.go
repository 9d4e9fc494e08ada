// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/dialecticlabs/boardsync/services/sync/cache"
	"github.com/dialecticlabs/boardsync/services/sync/observability"
	"github.com/dialecticlabs/boardsync/services/sync/store"
)

var validate = validator.New()

// CreateBoardRequest is the POST /v1/boards body.
type CreateBoardRequest struct {
	Slug string `json:"slug,omitempty" validate:"omitempty,min=1,max=128,excludesall=0x7C"`
}

// CreateBoard allocates a new board document.
func CreateBoard(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateBoardRequest
		// An empty body is a board with no slug.
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slug"})
			return
		}

		meta, err := st.CreateDocument(c.Request.Context(), req.Slug)
		if err != nil {
			if errors.Is(err, store.ErrSlugTaken) {
				c.JSON(http.StatusConflict, gin.H{"error": "slug already in use"})
				return
			}
			if errors.Is(err, store.ErrBadSlug) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slug"})
				return
			}
			slog.Error("create board failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create board failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":   meta.ID,
			"slug": meta.Slug,
		})
	}
}

// CompactBoard folds a board's update log into a snapshot.
func CompactBoard(st *store.Store, ch *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID, err := st.Resolve(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrBadRef) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid board reference"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve board"})
			return
		}

		stats, err := st.Compact(c.Request.Context(), docID)
		observability.RecordCompaction(stats.Pruned, err)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "board not found"})
				return
			}
			slog.Error("compaction failed", "doc", docID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "compaction failed"})
			return
		}
		ch.InvalidateDoc(docID)

		c.JSON(http.StatusOK, gin.H{
			"pruned":         stats.Pruned,
			"snapshot_bytes": stats.SnapshotLen,
			"skipped_rows":   stats.Skipped,
		})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
