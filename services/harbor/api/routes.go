// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Harbor routes with the router.
//
// Description:
//
//	Registers every /v1/* endpoint with the given Gin router group.
//	The router group should already have any required middleware
//	applied. Health and metrics live on the engine root, not here.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Read Endpoints:
//
//	GET  /v1/nodes/:id - Get an interface node
//	POST /v1/traverse - Bounded k-hop neighborhood expansion
//	POST /v1/retrieve - Hybrid context retrieval
//	GET  /v1/rows - List candidate rows
//	GET  /v1/rows/:id - Get one candidate row
//	GET  /v1/rows/:id/diff - Current-versus-future unified diff
//	GET  /v1/runs/:id - Validation run history for a row
//	GET  /v1/snapshots - List committed snapshots
//	GET  /v1/orphans - List quarantined edges
//
// Write Endpoints:
//
//	POST   /v1/rows/:id/future - Attach or replace a candidate
//	POST   /v1/rows/:id/validate - Run the safety gate
//	POST   /v1/approvals - Issue an approval token
//	POST   /v1/apply - Promote an approved set
//	DELETE /v1/rows/:id/future - Withdraw a candidate
//
// Streaming Endpoints:
//
//	GET /v1/events - Websocket event stream
//
// Example:
//
//	handlers := api.NewHandlers(st, rows).
//		WithGate(gt).
//		WithApply(ctrl).
//		WithBus(bus)
//
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	{
		// Graph reads
		rg.GET("/nodes/:id", handlers.HandleGetNode)
		rg.POST("/traverse", handlers.HandleTraverse)
		rg.POST("/retrieve", handlers.HandleRetrieve)
		rg.GET("/snapshots", handlers.HandleListSnapshots)
		rg.GET("/orphans", handlers.HandleListOrphans)

		// Row reads
		rg.GET("/rows", handlers.HandleListRows)
		rg.GET("/rows/:id", handlers.HandleGetRow)
		rg.GET("/rows/:id/diff", handlers.HandleGetDiff)
		rg.GET("/runs/:id", handlers.HandleGetRuns)

		// Candidate lifecycle
		rg.POST("/rows/:id/future", handlers.HandleSetFuture)
		rg.POST("/rows/:id/validate", handlers.HandleValidate)
		rg.POST("/approvals", handlers.HandleIssueApproval)
		rg.POST("/apply", handlers.HandleApply)
		rg.DELETE("/rows/:id/future", handlers.HandleClearFuture)

		// Event stream
		rg.GET("/events", handlers.HandleEvents)
	}
}
