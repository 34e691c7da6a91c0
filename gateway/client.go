package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderelay/agentmux/agentwire"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// client is one WebSocket consumer with its own send queue; a slow
// client drops messages instead of stalling the broadcast.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

func (c *client) ctx() context.Context { return context.Background() }

// readPump consumes client frames until the connection dies.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.server.handleMessage(c, message)
	}
}

// writePump flushes the send queue and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue pushes one marshaled envelope, dropping when full.
func (c *client) enqueue(env *agentwire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) sendError(id, code, message string) {
	env, err := agentwire.NewEnvelope(agentwire.EnvelopeError, id, "",
		agentwire.ErrorEnvelopePayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *client) sendQueryResult(id, sessionID string, payload agentwire.QueryResultPayload) {
	if id == "" {
		id = newEnvelopeID()
	}
	env, err := agentwire.NewEnvelope(agentwire.EnvelopeQueryResult, id, sessionID, payload)
	if err != nil {
		return
	}
	c.enqueue(env)
}
