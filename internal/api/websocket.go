package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"options-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents is everything the dashboard subscribes to.
var streamedEvents = []events.Event{
	events.EventSignalReceived,
	events.EventSignalRejected,
	events.EventOrderSubmitted,
	events.EventOrderRejected,
	events.EventTradeOpened,
	events.EventTradeResolved,
	events.EventLaneCreated,
	events.EventLaneAdvanced,
	events.EventLaneCompleted,
	events.EventBalanceUpdated,
	events.EventWorkerState,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany(streamedEvents, 256)
	defer unsub()

	for env := range stream {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
