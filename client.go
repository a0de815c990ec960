package main

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256

	// Document contents pass through whole; the upload collaborator caps
	// files at 50MB, so the read limit sits just above that.
	maxFrameSize = 64 << 20
)

// Client represents a single websocket connection. The connection id doubles
// as the editorId visible to other clients.
type Client struct {
	id     string
	name   string
	conn   *websocket.Conn
	reg    *Registry
	send   chan []byte
	closed atomic.Bool
}

func NewClient(name string, conn *websocket.Conn, reg *Registry) *Client {
	return &Client{
		id:   uuid.NewString(),
		name: name,
		conn: conn,
		reg:  reg,
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the opaque connection identifier.
func (c *Client) ID() string { return c.id }

// Name returns the display name supplied at connect time.
func (c *Client) Name() string { return c.name }

func (c *Client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("read message")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.reg.Route(c, payload)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("write frame")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push queues a pre-encoded frame for delivery. Delivery is best effort: a
// slow consumer loses its oldest queued frame rather than blocking the
// sender or starving other targets.
func (c *Client) push(frame []byte) {
	// The send channel closes when the connection tears down; a concurrent
	// fanout may still hold this client in its target snapshot.
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("conn", c.id).Msg("push to closed connection")
		}
	}()
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- frame:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

// pushEvent encodes and queues an outbound event for this connection.
func (c *Client) pushEvent(kind string, data any) {
	frame, err := EncodeEvent(kind, data)
	if err != nil {
		log.Error().Err(err).Str("conn", c.id).Str("event", kind).Msg("encode event")
		return
	}
	c.push(frame)
}

// close tears the connection down exactly once: registry cleanup first so
// editor-left and room removal fan out, then the socket itself.
func (c *Client) close() {
	if c.closed.Swap(true) {
		return
	}
	c.reg.Detach(c)
	close(c.send)
	_ = c.conn.Close()
}
