package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the bus topics forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventPriceTick,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventRiskRejected,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventStopTriggered,
	events.EventDeadLetter,
}

type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
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

	// Fan the subscribed topics into one channel so a single goroutine
	// owns all writes to the connection.
	merged := make(chan wsFrame, 256)
	var wg sync.WaitGroup
	done := make(chan struct{})
	for _, topic := range streamTopics {
		ch, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()

		wg.Add(1)
		go func(topic events.Event, ch <-chan any) {
			defer wg.Done()
			for msg := range ch {
				select {
				case merged <- wsFrame{Topic: string(topic), Payload: msg}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	defer close(done)

	// Reads are discarded; their only purpose is noticing the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case frame, ok := <-merged:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
