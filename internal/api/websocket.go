package api

import (
	"net/http"

	"pamm-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket pushes order lifecycle milestones to connected clients.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := []events.Event{
		events.EventAggregatePlaced,
		events.EventAggregateClosed,
		events.EventChildPlaced,
		events.EventChildClosed,
		events.EventChildRejected,
		events.EventChildCancelled,
		events.EventEquityTriggered,
	}

	merged := make(chan gin.H, 256)
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- gin.H{"event": string(topic), "payload": msg}:
				default:
				}
			}
		}(topic, stream)
	}

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
