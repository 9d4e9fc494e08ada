// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/dialecticlabs/boardsync/services/sync/cache"
	"github.com/dialecticlabs/boardsync/services/sync/presence"
	"github.com/dialecticlabs/boardsync/services/sync/store"
	"github.com/dialecticlabs/boardsync/services/sync/transport"
)

// Deps carries the wired services the routes need.
type Deps struct {
	Store  *store.Store
	Cache  *cache.Cache
	Hubs   *presence.Manager
	Logger *slog.Logger
}

// SetupRoutes registers every endpoint on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("boardsync"))

	router.GET("/health", transport.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	state := transport.NewStateHandler(deps.Store, deps.Cache, deps.Logger)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		boards := v1.Group("/boards")
		{
			boards.POST("", transport.CreateBoard(deps.Store))
			boards.GET("/:id/state", state.HandleBoardState())
			boards.GET("/:id/ws", presence.HandleBoardWebSocket(deps.Hubs))
			boards.POST("/:id/compact", transport.CompactBoard(deps.Store, deps.Cache))
		}
	}
}
