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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
)

// Websocket timing. The server pings; a client that misses pongWait is
// dropped.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// streamBuffer is the per-connection event buffer. A slow client
	// loses the oldest events rather than stalling the bus.
	streamBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a websocket and streams bus events as JSON, one event
//	per message. The client may filter by type and request a replay of
//	retained recent events. Events dropped to backpressure are counted,
//	not redelivered.
//
// Query Parameters:
//
//	types: Comma-separated event types to deliver (optional, default all)
//	replay: true pre-loads retained recent events (optional)
//
// Response:
//
//	101 Switching Protocols: JSON event stream
//	503 Service Unavailable: Event bus not configured or shut down
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEvents")

	if h.bus == nil {
		logger.Warn("Event stream requested but bus not configured")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "Event streaming requires an event bus configuration",
			Code:  "BUS_NOT_CONFIGURED",
		})
		return
	}

	opts := []events.SubscribeOption{events.WithBuffer(streamBuffer)}
	if raw := c.Query("types"); raw != "" {
		var types []events.Type
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				types = append(types, events.Type(name))
			}
		}
		opts = append(opts, events.WithTypes(types...))
	}
	if replay, _ := strconv.ParseBool(c.Query("replay")); replay {
		opts = append(opts, events.WithReplay())
	}

	sub, err := h.bus.Subscribe(opts...)
	if err != nil {
		logger.Warn("Subscription failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "BUS_CLOSED",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.bus.Unsubscribe(sub.ID())
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	defer h.bus.Unsubscribe(sub.ID())

	logger.Info("Event stream connected", "subscription", sub.ID())

	// Reader goroutine: the client sends nothing we care about, but the
	// read loop surfaces disconnects and services pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Bus shut down.
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Info("Event stream disconnected", "error", err.Error())
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Info("Event stream disconnected", "error", err.Error())
				return
			}

		case <-done:
			if dropped := sub.Dropped(); dropped > 0 {
				logger.Warn("Event stream closed with drops", "dropped", dropped)
			}
			return
		}
	}
}
