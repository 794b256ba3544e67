package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LeonardoBeccarini/aviary/internal/model/messages"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4096
	commandTimeout = 5 * time.Second
)

// Toggler executes an actuator command on behalf of a viewer.
type Toggler interface {
	Toggle(ctx context.Context, actuator string, on bool) error
}

// WSHandler serves the viewer push channel over a websocket.
type WSHandler struct {
	hub      *Hub
	toggler  Toggler
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewWSHandler(hub *Hub, toggler Toggler, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHandler{
		hub:     hub,
		toggler: toggler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Printf("fanout: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s := h.hub.NewSession()
	if err := h.hub.Connect(r.Context(), s); err != nil {
		h.logger.Printf("fanout: connect viewer %s: %v", s.ID, err)
		_ = conn.Close()
		return
	}

	go h.writePump(conn, s)
	h.readPump(conn, s)
}

// readPump runs until the viewer goes away; it owns the disconnect.
func (h *WSHandler) readPump(conn *websocket.Conn, s *Session) {
	defer func() {
		h.hub.Disconnect(s)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("fanout: viewer %s read: %v", s.ID, err)
			}
			return
		}
		if err := h.handleInbound(data); err != nil {
			h.hub.Send(s, messages.EventError, messages.ErrorEvent{
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (h *WSHandler) handleInbound(data []byte) error {
	var env messages.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Event {
	case messages.EventToggleActuator:
		var cmd messages.ToggleActuator
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return fmt.Errorf("malformed toggle_actuator: %w", err)
		}
		if cmd.State != 0 && cmd.State != 1 {
			return fmt.Errorf("state must be 0 or 1, got %d", cmd.State)
		}
		if h.toggler == nil {
			return errors.New("commands are disabled")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return h.toggler.Toggle(ctx, cmd.Type, cmd.State == 1)
	default:
		h.logger.Printf("fanout: ignoring viewer event %q", env.Event)
		return nil
	}
}

// writePump drains the session queue onto the socket. A write error ends
// this viewer only.
func (h *WSHandler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Disconnect(s)
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-s.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Printf("fanout: viewer %s write: %v", s.ID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
