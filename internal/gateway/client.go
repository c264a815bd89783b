package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claudia-dev/claudia/internal/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	maxReadBuffer = 1 << 20
)

// Client is one connected WebSocket session: a browser tab, a CLI, or an
// extension-adjacent tool speaking the gateway's client protocol (§4.1).
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{} // event-name globs this client wants

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, server *Server) *Client {
	conn.SetReadLimit(maxReadBuffer)
	return &Client{
		id:            uuid.NewString(),
		conn:          conn,
		server:        server,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]struct{}),
	}
}

// run blocks pumping reads and writes until the connection closes or ctx
// is canceled.
func (c *Client) run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(ctx)
	close(done)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}

	switch head.Type {
	case protocol.FrameReq:
		c.handleRequest(ctx, raw)
	case protocol.FrameSubscribe:
		c.handleSubscribe(raw, true)
	case protocol.FrameUnsubscribe:
		c.handleSubscribe(raw, false)
	case protocol.FramePing:
		var f protocol.PingFrame
		json.Unmarshal(raw, &f)
		c.writeJSON(protocol.PongFrame{Type: protocol.FramePong, ID: f.ID})
	}
}

func (c *Client) handleRequest(ctx context.Context, raw []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	req.ConnectionID = c.id

	if !c.server.rateLimiter.Allow(c.id) {
		c.writeJSON(protocol.NewErrorResponse(req.ID, protocol.ErrDeadlineExceeded, "rate limit exceeded"))
		return
	}

	resp := c.server.router.Dispatch(ctx, &req)
	c.writeJSON(resp)
}

func (c *Client) handleSubscribe(raw []byte, subscribe bool) {
	var f protocol.SubscribeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, glob := range f.Params {
		if subscribe {
			c.subscriptions[glob] = struct{}{}
		} else {
			delete(c.subscriptions, glob)
		}
	}
}

func (c *Client) isSubscribedTo(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for glob := range c.subscriptions {
		if glob == name || (strings.HasSuffix(glob, ".*") && strings.HasPrefix(name, strings.TrimSuffix(glob, "*"))) {
			return true
		}
	}
	return false
}

func (c *Client) sendEvent(name string, payload interface{}) {
	c.writeJSON(protocol.NewEvent(name, payload))
}

func (c *Client) writeJSON(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal frame failed", "error", err)
		return
	}
	if _, isResponse := v.(*protocol.ResponseFrame); isResponse {
		// RPC responses wait for room instead of being dropped; one is
		// abandoned only if the write pump takes nothing for writeTimeout.
		select {
		case c.send <- raw:
		case <-time.After(writeTimeout):
			slog.Warn("gateway: client send buffer stalled, dropping response", "client", c.id)
		}
		return
	}
	select {
	case c.send <- raw:
	default:
		slog.Warn("gateway: client send buffer full, dropping frame", "client", c.id)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
