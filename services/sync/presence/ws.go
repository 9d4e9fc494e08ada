// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package presence

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dialecticlabs/boardsync/services/sync/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// HandleBoardWebSocket upgrades GET /v1/boards/:id/ws.
//
// Wire protocol: binary frames are encoded deltas, both directions.
// Text frames are JSON: ControlMessage inbound, Event outbound. The
// first two frames a client receives are its session id and the current
// lock table.
func HandleBoardWebSocket(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID, err := m.store.Resolve(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrBadRef) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid board reference"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve board"})
			}
			return
		}

		hub, err := m.Hub(c.Request.Context(), docID)
		if err != nil {
			slog.Error("failed to open board hub", "doc", docID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load board"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		s := hub.Join()
		defer s.Close()

		go writePump(ws, s)

		ctx := c.Request.Context()
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				slog.Info("websocket client disconnected",
					"doc", docID, "session", s.ID, "error", err.Error())
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if err := hub.ApplyUpdate(ctx, s, data); err != nil {
					slog.Warn("rejected update",
						"doc", docID, "session", s.ID, "error", err.Error())
					hub.NotifyError(s, "update rejected: "+err.Error())
				}
			case websocket.TextMessage:
				if err := hub.Control(ctx, s, data); err != nil {
					slog.Warn("rejected control message",
						"doc", docID, "session", s.ID, "error", err.Error())
					hub.NotifyError(s, err.Error())
				}
			}
		}
	}
}

// writePump drains the session's outbound queue onto the socket. Runs
// until the session leaves the board or the write fails.
func writePump(ws *websocket.Conn, s *Session) {
	for frame := range s.Frames() {
		messageType := websocket.TextMessage
		if frame.Binary {
			messageType = websocket.BinaryMessage
		}
		if err := ws.WriteMessage(messageType, frame.Data); err != nil {
			slog.Warn("websocket write failed", "session", s.ID, "error", err.Error())
			s.Close()
			// Drain so the hub never blocks on this session.
			for range s.Frames() {
			}
			return
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
