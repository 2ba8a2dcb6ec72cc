// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rackbook/racksync/services/racksync/datatypes"
	"github.com/rackbook/racksync/services/racksync/observability"
)

const (
	eventBufferSize = 16
	writeWait       = 10 * time.Second
	pingInterval    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy is enforced upstream; the service itself accepts
	// any origin so local tooling can subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	recordID string
	ch       chan datatypes.SaveEvent
}

// EventHub fans save and conflict events out to websocket subscribers.
// Slow subscribers lose events rather than blocking the save path.
type EventHub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(metrics *observability.Metrics, logger *slog.Logger) *EventHub {
	return &EventHub{
		subs:    make(map[*subscriber]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Publish delivers an event to every subscriber watching the record.
// Never blocks: full buffers drop the event and count it.
func (h *EventHub) Publish(event datatypes.SaveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.recordID != event.RecordID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.metrics.EventsDropped.Inc()
		}
	}
}

func (h *EventHub) subscribe(recordID string) *subscriber {
	sub := &subscriber{
		recordID: recordID,
		ch:       make(chan datatypes.SaveEvent, eventBufferSize),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.EventSubscribers.Inc()
	return sub
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	h.metrics.EventSubscribers.Dec()
}

// Events streams a record's save and conflict events over a websocket, so
// other open sessions can refresh fields as they change.
func Events(hub *EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		recordID := c.Param("id")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			hub.logger.Warn("websocket upgrade failed",
				slog.String("record_id", recordID),
				slog.String("error", err.Error()),
			)
			return
		}

		sub := hub.subscribe(recordID)
		defer hub.unsubscribe(sub)
		defer conn.Close()

		// Reader goroutine: we never expect client frames, but reading is
		// what surfaces the close handshake.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.Request.Context().Done():
				return
			case event := <-sub.ch:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
