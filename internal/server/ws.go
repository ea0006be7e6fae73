package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller receives the UI commands. Satisfied by the session manager.
type Controller interface {
	Start() error
	Stop()
	ProvisionKey(key string)
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, controller Controller, logger zerolog.Logger) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer func() { _ = conn.Close() }()

		for _, payload := range hub.snapshot() {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		// Writer drains the subscription; the read loop below owns the
		// connection lifetime.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range ch {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cmd Command
			if err := json.Unmarshal(payload, &cmd); err != nil {
				logger.Warn().Err(err).Msg("Undecodable client command")
				continue
			}
			dispatchCommand(cmd, controller, logger)
		}

		_ = conn.Close()
		<-done
	})
}

func dispatchCommand(cmd Command, controller Controller, logger zerolog.Logger) {
	switch cmd.Type {
	case CommandStart:
		if err := controller.Start(); err != nil {
			logger.Debug().Err(err).Msg("Start command rejected")
		}
	case CommandStop:
		controller.Stop()
	case CommandSetKey:
		controller.ProvisionKey(cmd.Key)
	default:
		logger.Warn().Str("type", cmd.Type).Msg("Unknown client command")
	}
}
