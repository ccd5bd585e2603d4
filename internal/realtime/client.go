package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 10 << 20 // inline images ride in chat frames
)

var clientIDCounter atomic.Uint64

// Client is one server-side websocket. Reads happen on the serving
// goroutine; all writes go through send and a single writePump.
type Client struct {
	id     uint64
	userID uint64 // identity proven at upgrade
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce  sync.Once
	registered atomic.Bool
}

func NewClient(conn *websocket.Conn, userID uint64, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		id:     clientIDCounter.Add(1),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() uint64     { return c.id }
func (c *Client) UserID() uint64 { return c.userID }

func (c *Client) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues v without blocking; a full buffer is reported as a failure.
func (c *Client) Send(v any) error {
	if !c.Open() {
		return ErrConnClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump delivers text frames to handle until the peer goes away or stops
// answering pings within pongWait.
func (c *Client) readPump(pongWait time.Duration, handle func([]byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt == websocket.TextMessage {
			handle(data)
		}
	}
}
