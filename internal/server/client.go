package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is a server to client push channel over a websocket. Messages from
// the client are read and discarded so that disconnects and pongs are seen.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *log.Logger
	user     types.User
	send     chan *Event
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, hub *Hub, l *log.Logger) *Client {
	return &Client{
		conn: conn,
		hub:  hub,
		log:  l,
		user: user,
		send: make(chan *Event, sendBufferSize),
		stop: make(chan struct{}),
	}
}

func (c *Client) User() types.User {
	return c.user
}

// Done is closed once the client has disconnected or been stopped.
func (c *Client) Done() <-chan struct{} {
	return c.stop
}

// Queue schedules an event for delivery without blocking.
func (c *Client) Queue(event string, data any) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- &Event{Event: event, Data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Serve registers the client with its hub, starts the write pump and blocks
// in the read pump until the connection ends.
func (c *Client) Serve() {
	if c.hub != nil {
		c.hub.register(c)
	}
	go c.Write()
	c.Read()
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e := <-c.send:
			bytes, err := serializeEvent(e)
			if err != nil {
				c.log.Printf("serialize %s event: %v", e.Event, err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				c.stopClient()
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				c.stopClient()
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient ends both pumps. It is safe to call more than once.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.stopClient()
	if c.hub != nil {
		c.hub.deregister(c)
	}
}
