package broadcast

import (
	"sync"
	"time"
)

// Conn is the minimal connection surface the hub writes to. The transport
// layer adapts a websocket connection (deadline handling included) to this.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Client is one connected peer. All delivery to the peer funnels through a
// bounded outbox drained by a single writer goroutine, so a slow connection
// backs up its own queue instead of the tick loop.
type Client struct {
	ID          string
	conn        Conn
	connectedAt time.Time

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onDrop    func(clientID string, reason string)
}

func newClient(id string, conn Conn, connectedAt time.Time, outboxDepth int, onDrop func(string, string)) *Client {
	if outboxDepth <= 0 {
		outboxDepth = 32
	}
	return &Client{
		ID:          id,
		conn:        conn,
		connectedAt: connectedAt,
		outbox:      make(chan []byte, outboxDepth),
		done:        make(chan struct{}),
		onDrop:      onDrop,
	}
}

// start runs the writer goroutine until the client closes.
func (c *Client) start() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case data := <-c.outbox:
				if err := c.conn.Write(data); err != nil {
					if c.onDrop != nil {
						c.onDrop(c.ID, "write failed")
					}
					return
				}
			}
		}
	}()
}

// send enqueues a frame without blocking. A full outbox means the peer cannot
// keep up even with backpressure in effect; it gets dropped rather than
// allowed to stall the broadcast.
func (c *Client) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.outbox <- data:
		return true
	default:
		if c.onDrop != nil {
			c.onDrop(c.ID, "outbox overflow")
		}
		return false
	}
}

// close shuts the writer down and closes the connection. Safe to call more
// than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
