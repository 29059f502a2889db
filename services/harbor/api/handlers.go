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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/apply"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/gate"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/retrieve"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/store"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/vector"
)

// Handlers contains the HTTP handlers for the Harbor API.
//
// The graph store and the row table are required; everything else is
// optional and the matching endpoints answer 503 until configured.
type Handlers struct {
	st        *store.GraphStore
	rows      *codegraph.Graph
	gate      *gate.Gate
	apply     *apply.Controller
	retriever *retrieve.Retriever
	embedder  vector.Embedder
	bus       *events.Bus
}

// NewHandlers creates handlers over the given store and row table.
func NewHandlers(st *store.GraphStore, rows *codegraph.Graph) *Handlers {
	return &Handlers{st: st, rows: rows}
}

// WithGate sets the validation gate for POST /rows/:id/validate.
func (h *Handlers) WithGate(gt *gate.Gate) *Handlers {
	h.gate = gt
	return h
}

// WithApply sets the promotion controller for POST /apply.
func (h *Handlers) WithApply(ctrl *apply.Controller) *Handlers {
	h.apply = ctrl
	return h
}

// WithRetriever sets the hybrid retriever for POST /retrieve.
func (h *Handlers) WithRetriever(r *retrieve.Retriever) *Handlers {
	h.retriever = r
	return h
}

// WithEmbedder sets the embedder used to vectorize free-text retrieve
// queries server-side.
func (h *Handlers) WithEmbedder(e vector.Embedder) *Handlers {
	h.embedder = e
	return h
}

// WithBus sets the event bus for the GET /events websocket stream.
func (h *Handlers) WithBus(bus *events.Bus) *Handlers {
	h.bus = bus
	return h
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// writeError maps a service error onto an HTTP status and error code.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNodeNotFound),
		errors.Is(err, store.ErrSnapshotNotFound),
		errors.Is(err, store.ErrNoCurrentSnapshot),
		errors.Is(err, codegraph.ErrRowNotFound),
		errors.Is(err, codegraph.ErrNoCandidate),
		errors.Is(err, codegraph.ErrNoValidation):
		logger.Warn("Resource not found", "error", err)
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})

	case errors.Is(err, codegraph.ErrApprovalRequired),
		errors.Is(err, codegraph.ErrTokenExpired),
		errors.Is(err, codegraph.ErrTokenMismatch):
		logger.Warn("Approval rejected", "error", err)
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error: err.Error(),
			Code:  "APPROVAL_DENIED",
		})

	case errors.Is(err, gate.ErrGateBusy):
		logger.Warn("Gate at capacity", "error", err)
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: err.Error(),
			Code:  "GATE_BUSY",
		})

	case errors.Is(err, gate.ErrCancelled),
		errors.Is(err, codegraph.ErrStaleCandidate),
		errors.Is(err, codegraph.ErrInvalidTransition),
		errors.Is(err, codegraph.ErrRowBlocked),
		errors.Is(err, apply.ErrApplyInProgress),
		errors.Is(err, store.ErrCurrentSnapshot):
		logger.Warn("State conflict", "error", err)
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "CONFLICT",
		})

	case errors.Is(err, codegraph.ErrNoTargetFile),
		errors.Is(err, codegraph.ErrBadPatch),
		errors.Is(err, codegraph.ErrFutureInvariant),
		errors.Is(err, codegraph.ErrInvalidRow),
		errors.Is(err, store.ErrInvalidTraversal),
		errors.Is(err, retrieve.ErrEmptyQuery),
		errors.Is(err, vector.ErrDimMismatch):
		logger.Warn("Invalid request", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})

	default:
		logger.Error("Request failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "INTERNAL",
		})
	}
}

// resolveSnapshot returns the requested snapshot id, defaulting to the
// current snapshot when the query parameter is empty.
func (h *Handlers) resolveSnapshot(c *gin.Context) (string, error) {
	if snap := c.Query("snapshot"); snap != "" {
		return snap, nil
	}
	return h.st.CurrentSnapshotID(c.Request.Context())
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

// HandleGetNode handles GET /v1/nodes/:id.
//
// Description:
//
//	Returns one interface node by id, resolved against the current
//	snapshot or the snapshot named in the query.
//
// Query Parameters:
//
//	snapshot: Snapshot id to read from (optional, default current)
//
// Response:
//
//	200 OK: NodeResponse
//	404 Not Found: Unknown node or snapshot
func (h *Handlers) HandleGetNode(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetNode")

	snapID, err := h.resolveSnapshot(c)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	node, err := h.st.GetNode(c.Request.Context(), snapID, isg.NodeID(c.Param("id")))
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, NodeResponse{SnapshotID: snapID, Node: *node})
}

// HandleTraverse handles POST /v1/traverse.
//
// Description:
//
//	Expands the bounded k-hop neighborhood of one node. Depth, fan-out,
//	edge kinds, and the node budget are all capped server-side, so a
//	hub node cannot explode the response.
//
// Request Body:
//
//	TraverseRequest
//
// Response:
//
//	200 OK: TraverseResponse
//	400 Bad Request: Invalid bounds or direction
//	404 Not Found: Unknown root or snapshot
func (h *Handlers) HandleTraverse(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTraverse")

	var req TraverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	opts := store.DefaultTraversalOptions()
	if req.Direction != "" {
		dir := store.ParseDirection(req.Direction)
		if dir < 0 {
			logger.Warn("Unknown direction", "direction", req.Direction)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Unknown direction: " + req.Direction,
				Code:  "INVALID_REQUEST",
			})
			return
		}
		opts.Direction = dir
	}
	if req.MaxDepth > 0 {
		opts.MaxDepth = req.MaxDepth
	}
	if req.FanOut > 0 {
		opts.FanOut = req.FanOut
	}
	if req.NodeBudget > 0 {
		opts.NodeBudget = req.NodeBudget
	}
	for _, name := range req.Kinds {
		kind := isg.ParseEdgeKind(name)
		if kind == isg.EdgeUnknown {
			logger.Warn("Unknown edge kind", "kind", name)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Unknown edge kind: " + name,
				Code:  "INVALID_REQUEST",
			})
			return
		}
		opts.Kinds = append(opts.Kinds, kind)
	}

	snapID := req.Snapshot
	if snapID == "" {
		var err error
		snapID, err = h.st.CurrentSnapshotID(c.Request.Context())
		if err != nil {
			writeError(c, logger, err)
			return
		}
	}

	trav, err := h.st.Neighborhood(c.Request.Context(), snapID, isg.NodeID(req.Root), opts)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Traversal complete",
		"root", req.Root,
		"nodes", len(trav.Nodes),
		"truncated", trav.Truncated)

	c.JSON(http.StatusOK, TraverseResponse{SnapshotID: snapID, Traversal: trav})
}

// HandleRetrieve handles POST /v1/retrieve.
//
// Description:
//
//	Runs the hybrid retriever: exact traversal from the seeds fused
//	with similarity search, ranked and budgeted. Free text is embedded
//	server-side when an embedder is configured; a precomputed embedding
//	bypasses it.
//
// Request Body:
//
//	RetrieveRequest
//
// Response:
//
//	200 OK: retrieve.ResultSet
//	400 Bad Request: Neither seeds nor a usable query
//	503 Service Unavailable: Retriever not configured
func (h *Handlers) HandleRetrieve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRetrieve")

	if h.retriever == nil {
		logger.Warn("Retrieve requested but retriever not configured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Retriever requires a vector index configuration",
			Code:  "RETRIEVER_NOT_CONFIGURED",
		})
		return
	}

	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	embedding := req.Embedding
	if len(embedding) == 0 && req.Query != "" {
		if h.embedder == nil {
			logger.Warn("Text query requested but embedder not configured")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "Free-text queries require an embedder configuration",
				Code:  "EMBEDDER_NOT_CONFIGURED",
			})
			return
		}
		vec, err := h.embedder.Embed(c.Request.Context(), req.Query)
		if err != nil {
			logger.Error("Query embedding failed", "error", err)
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error: err.Error(),
				Code:  "EMBEDDING_FAILED",
			})
			return
		}
		embedding = vec
	}

	seeds := make([]isg.NodeID, 0, len(req.Seeds))
	for _, s := range req.Seeds {
		seeds = append(seeds, isg.NodeID(s))
	}

	rs, err := h.retriever.Retrieve(c.Request.Context(), retrieve.Query{
		Seeds:      seeds,
		Embedding:  embedding,
		HopLimit:   req.HopLimit,
		FanOut:     req.FanOut,
		K:          req.K,
		MaxResults: req.MaxResults,
		MaxBytes:   req.MaxBytes,
	})
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Retrieval complete",
		"results", len(rs.Results),
		"truncated", rs.Truncated,
		"degraded", rs.Degraded)

	c.JSON(http.StatusOK, rs)
}

// HandleListRows handles GET /v1/rows.
//
// Description:
//
//	Lists candidate rows with optional filtering.
//
// Query Parameters:
//
//	state: Filter by row state, repeatable or comma-separated (optional)
//	file: Filter by workspace-relative file path (optional)
//	has_candidate: true keeps only rows with attached candidates,
//	  false only rows without (optional)
//
// Response:
//
//	200 OK: RowsResponse
//	400 Bad Request: Unknown state name
func (h *Handlers) HandleListRows(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListRows")

	var filter codegraph.RowFilter
	for _, raw := range c.QueryArray("state") {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			state := codegraph.ParseRowState(name)
			if !state.Valid() {
				logger.Warn("Unknown row state", "state", name)
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error: "Unknown row state: " + name,
					Code:  "INVALID_REQUEST",
				})
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	filter.FilePath = c.Query("file")
	if raw := c.Query("has_candidate"); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Warn("Invalid has_candidate", "value", raw)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid has_candidate: " + raw,
				Code:  "INVALID_REQUEST",
			})
			return
		}
		filter.HasCandidate = &val
	}

	rows, err := h.rows.Rows(c.Request.Context(), &filter)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, RowsResponse{Rows: rows, Total: len(rows)})
}

// HandleGetRow handles GET /v1/rows/:id.
func (h *Handlers) HandleGetRow(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetRow")

	row, err := h.rows.Row(c.Request.Context(), isg.NodeID(c.Param("id")))
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, row)
}

// HandleGetDiff handles GET /v1/rows/:id/diff.
//
// Response:
//
//	200 OK: DiffResponse
//	404 Not Found: Unknown row or no attached candidate
func (h *Handlers) HandleGetDiff(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetDiff")

	id := isg.NodeID(c.Param("id"))
	diff, err := h.rows.Diff(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, DiffResponse{NodeID: id, Diff: diff})
}

// HandleGetRuns handles GET /v1/runs/:id.
//
// Description:
//
//	Returns the validation run history for one row, oldest first.
//	The id is the row's node id.
//
// Response:
//
//	200 OK: RunsResponse
//	404 Not Found: Unknown row
func (h *Handlers) HandleGetRuns(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetRuns")

	id := isg.NodeID(c.Param("id"))
	runs, err := h.rows.Runs(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, RunsResponse{NodeID: id, Runs: runs})
}

// HandleListSnapshots handles GET /v1/snapshots.
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListSnapshots")

	snaps, err := h.st.ListSnapshots(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}

	current, err := h.st.CurrentSnapshotID(c.Request.Context())
	if err != nil && !errors.Is(err, store.ErrNoCurrentSnapshot) {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, SnapshotsResponse{Current: current, Snapshots: snaps})
}

// HandleListOrphans handles GET /v1/orphans.
//
// Description:
//
//	Lists quarantined edges for the current snapshot or the snapshot
//	named in the query. An orphan edge references an endpoint the
//	snapshot does not contain; the builder quarantines it instead of
//	dropping it.
//
// Query Parameters:
//
//	snapshot: Snapshot id to read from (optional, default current)
//
// Response:
//
//	200 OK: OrphansResponse
//	404 Not Found: Unknown snapshot
func (h *Handlers) HandleListOrphans(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListOrphans")

	snapID, err := h.resolveSnapshot(c)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	orphans, err := h.st.Orphans(c.Request.Context(), snapID)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, OrphansResponse{
		SnapshotID: snapID,
		Orphans:    orphans,
		Total:      len(orphans),
	})
}

// =============================================================================
// WRITE ENDPOINTS
// =============================================================================

// HandleSetFuture handles POST /v1/rows/:id/future.
//
// Description:
//
//	Attaches or replaces the row's candidate code. A row with a live
//	validation run gets its run cancelled and its candidate id
//	reissued; validation verdicts for the old candidate no longer
//	count. Either inline code or a unified diff patch carries the
//	candidate.
//
// Request Body:
//
//	FutureRequest
//
// Response:
//
//	200 OK: codegraph.Row (the updated row)
//	400 Bad Request: Unknown action, bad patch, or missing target file
//	409 Conflict: Row blocked
func (h *Handlers) HandleSetFuture(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSetFuture")

	var req FutureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := isg.NodeID(c.Param("id"))
	ctx := c.Request.Context()

	if req.Patch != "" {
		if err := h.rows.SetFutureFromPatch(ctx, id, req.Patch); err != nil {
			writeError(c, logger, err)
			return
		}
	} else {
		if req.Action == "" {
			logger.Warn("Request carries neither action nor patch")
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Request requires an action or a patch",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		action := codegraph.ParseFutureAction(req.Action)
		if !action.Valid() || action == codegraph.ActionNone {
			logger.Warn("Unknown action", "action", req.Action)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Unknown action: " + req.Action,
				Code:  "INVALID_REQUEST",
			})
			return
		}
		var opts []codegraph.ProposeOption
		if req.File != "" {
			opts = append(opts, codegraph.WithFile(req.File))
		}
		if err := h.rows.SetFuture(ctx, id, req.Code, action, opts...); err != nil {
			writeError(c, logger, err)
			return
		}
	}

	row, err := h.rows.Row(ctx, id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Candidate attached",
		"node_id", string(id),
		"action", req.Action,
		"candidate_id", row.CandidateID)

	c.JSON(http.StatusOK, row)
}

// HandleValidate handles POST /v1/rows/:id/validate.
//
// Description:
//
//	Runs the three-stage safety gate against the row's candidate and
//	returns the finished run. Supersession during the run cancels it.
//
// Response:
//
//	200 OK: codegraph.ValidationRun
//	404 Not Found: Unknown row or no candidate
//	409 Conflict: Run cancelled by supersession
//	429 Too Many Requests: Gate at concurrency capacity
//	503 Service Unavailable: Gate not configured
func (h *Handlers) HandleValidate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleValidate")

	if h.gate == nil {
		logger.Warn("Validation requested but gate not configured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Validation requires a gate configuration",
			Code:  "GATE_NOT_CONFIGURED",
		})
		return
	}

	id := isg.NodeID(c.Param("id"))
	run, err := h.gate.Validate(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Validation finished",
		"node_id", string(id),
		"run_id", run.ID,
		"final", run.Final.String())

	c.JSON(http.StatusOK, run)
}

// HandleIssueApproval handles POST /v1/approvals.
//
// Description:
//
//	Issues a single-use approval token covering exactly the given row
//	set. Every row must be ReadyToApply. The token is consumed by the
//	apply that uses it and expires on its own otherwise.
//
// Request Body:
//
//	ApprovalRequest
//
// Response:
//
//	200 OK: codegraph.Approval
//	409 Conflict: A row is not ReadyToApply
func (h *Handlers) HandleIssueApproval(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIssueApproval")

	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.NodeIDs) == 0 {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Request requires a non-empty node_ids list",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	ids := make([]isg.NodeID, 0, len(req.NodeIDs))
	for _, s := range req.NodeIDs {
		ids = append(ids, isg.NodeID(s))
	}

	ctx := c.Request.Context()
	token, err := h.rows.IssueApproval(ctx, ids)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	apv, err := h.rows.LookupApproval(ctx, token)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Approval issued", "rows", len(ids))

	c.JSON(http.StatusOK, apv)
}

// HandleApply handles POST /v1/apply.
//
// Description:
//
//	Promotes every row covered by the approval token: writes the
//	candidate files, rebuilds the graph, re-verifies, and rolls the
//	whole set back if anything fails. At most one promotion runs at a
//	time.
//
// Request Body:
//
//	ApplyRequest
//
// Response:
//
//	200 OK: apply.Report
//	403 Forbidden: Missing, expired, or mismatched token
//	409 Conflict: Promotion already in progress, or re-verification
//	  failed and the set was rolled back
//	503 Service Unavailable: Apply controller not configured
func (h *Handlers) HandleApply(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleApply")

	if h.apply == nil {
		logger.Warn("Apply requested but controller not configured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Apply requires a workspace configuration",
			Code:  "APPLY_NOT_CONFIGURED",
		})
		return
	}

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rep, err := h.apply.Promote(c.Request.Context(), req.Token)
	if errors.Is(err, apply.ErrReverted) {
		logger.Warn("Promotion reverted", "reason", rep.Reason)
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Promotion reverted",
			Code:    "PROMOTION_REVERTED",
			Details: rep.Reason,
		})
		return
	}
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Promotion complete",
		"commit_id", rep.CommitID,
		"rows", len(rep.NodeIDs),
		"files", len(rep.Files))

	c.JSON(http.StatusOK, rep)
}

// HandleClearFuture handles DELETE /v1/rows/:id/future.
//
// Description:
//
//	Withdraws the row's candidate: cancels any live validation run,
//	clears the future code, and returns the row to Clean.
//
// Response:
//
//	200 OK: codegraph.Row (the updated row)
//	404 Not Found: Unknown row
func (h *Handlers) HandleClearFuture(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClearFuture")

	id := isg.NodeID(c.Param("id"))
	ctx := c.Request.Context()

	if err := h.rows.ClearFuture(ctx, id); err != nil {
		writeError(c, logger, err)
		return
	}

	row, err := h.rows.Row(ctx, id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Candidate withdrawn", "node_id", string(id))

	c.JSON(http.StatusOK, row)
}

// =============================================================================
// HEALTH
// =============================================================================

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	}
	if snap, err := h.st.CurrentSnapshotID(c.Request.Context()); err == nil {
		resp.SnapshotID = snap
	}
	c.JSON(http.StatusOK, resp)
}
