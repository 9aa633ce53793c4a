package modemmgr

import (
	"encoding/json"
	"net"
	"sync"
	"time"
)

// Conn is an accepted control connection. Every write goes through its own
// write lock, so immediate responses, asynchronous place_call outcomes and
// notifications never interleave on the wire.
type Conn struct {
	conn         net.Conn
	wmu          sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newConn(c net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{conn: c, writeTimeout: writeTimeout}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Respond writes a response line.
func (c *Conn) Respond(resp *Response) error {
	return c.writeJSON(resp)
}

// Notify writes a notification line.
func (c *Conn) Notify(n *Notification) error {
	return c.writeJSON(n)
}

func (c *Conn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.conn.Write(b)
	return err
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// orderedResponder holds asynchronous responses back until the immediate
// response of the same request has been written.
type orderedResponder struct {
	mu    sync.Mutex
	c     *Conn
	ready bool
	held  []*Response
}

func (o *orderedResponder) Respond(resp *Response) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		o.held = append(o.held, resp)
		return nil
	}
	return o.c.Respond(resp)
}

func (o *orderedResponder) release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = true
	var firstErr error
	for _, resp := range o.held {
		if err := o.c.Respond(resp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.held = nil
	return firstErr
}
