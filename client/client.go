// Package client talks to a modemmgr control server.
//
//	c, err := client.Dial("localhost:5555", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//	reply, err := c.PlaceCall("+15551234567", false)
//	if err == nil && reply.Status == modemmgr.StatusPending {
//		reply, err = c.WaitResult(reply.RequestID, 40*time.Second)
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ENGK3/modemmgr"
)

// DefaultTimeout bounds a request round trip.
const DefaultTimeout = 30 * time.Second

// ErrSubscribed is returned by request methods once the connection is in notification mode.
var ErrSubscribed = errors.New("connection is subscribed to notifications")

// Reply is a server response with the payload left undecoded.
type Reply struct {
	Status    modemmgr.ResponseStatus `json:"status"`
	Message   string                  `json:"message"`
	RequestID string                  `json:"request_id"`
	Data      json.RawMessage         `json:"data"`
}

// OK reports whether the server answered success.
func (r *Reply) OK() bool {
	return r.Status == modemmgr.StatusSuccess
}

// Decode unmarshals the payload into v.
func (r *Reply) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("%s reply has no data", r.RequestID)
	}
	return json.Unmarshal(r.Data, v)
}

// Options configures Dial.
type Options struct {
	// Timeout bounds dialing and each request (default: DefaultTimeout)
	Timeout time.Duration
	// Logger is the log entry used by the client
	Logger *logrus.Entry
}

// Client is one control connection. Requests are serialized.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	dec        *json.Decoder
	timeout    time.Duration
	seq        atomic.Uint64
	subscribed bool
	log        *logrus.Entry
}

// Dial connects to the control server at addr. opts may be nil.
func Dial(addr string, opts *Options) (*Client, error) {
	return DialContext(context.Background(), addr, opts)
}

// DialContext is Dial with a context for the connection attempt.
func DialContext(ctx context.Context, addr string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to modem manager: %w", err)
	}
	log.Debugf("Connected to modem manager at %s", addr)
	return &Client{conn: conn, dec: json.NewDecoder(conn), timeout: timeout, log: log}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) nextID(command string) string {
	return fmt.Sprintf("%s-%d-%d", command, time.Now().Unix(), c.seq.Add(1))
}

// Do sends command and returns the first reply.
func (c *Client) Do(command string, params modemmgr.Params) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return nil, ErrSubscribed
	}
	req := modemmgr.Request{Command: command, Params: params, RequestID: c.nextID(command)}
	if err := c.send(&req); err != nil {
		return nil, err
	}
	return c.read(c.timeout)
}

func (c *Client) send(req *modemmgr.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", req.Command, err)
	}
	c.log.Debugf("Sent command: %s (request_id: %s)", req.Command, req.RequestID)
	return nil
}

func (c *Client) read(timeout time.Duration) (*Reply, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	var r Reply
	if err := c.dec.Decode(&r); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, modemmgr.ErrTimeout
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return &r, nil
}

// PlaceCall requests an outgoing call. The reply is usually pending; use
// WaitResult for the outcome.
func (c *Client) PlaceCall(number string, noAudioRouting bool) (*Reply, error) {
	return c.Do(modemmgr.CmdPlaceCall, modemmgr.Params{Number: number, NoAudioRouting: noAudioRouting})
}

// WaitResult waits for the final reply of requestID. Replies to other requests are discarded.
func (c *Client) WaitResult(requestID string, timeout time.Duration) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, modemmgr.ErrTimeout
		}
		r, err := c.read(left)
		if err != nil {
			return nil, err
		}
		if r.RequestID == requestID && r.Status != modemmgr.StatusPending {
			return r, nil
		}
		c.log.Debugf("Skipping reply for %s", r.RequestID)
	}
}

// Call places a call and waits for its outcome.
func (c *Client) Call(number string, noAudioRouting bool, timeout time.Duration) (*Reply, error) {
	r, err := c.PlaceCall(number, noAudioRouting)
	if err != nil || r.Status != modemmgr.StatusPending {
		return r, err
	}
	return c.WaitResult(r.RequestID, timeout)
}

// Hangup ends the active call.
func (c *Client) Hangup() (*Reply, error) {
	return c.Do(modemmgr.CmdHangup, modemmgr.Params{})
}

// Shutdown asks the server to stop.
func (c *Client) Shutdown() (*Reply, error) {
	return c.Do(modemmgr.CmdShutdown, modemmgr.Params{})
}

// Status returns the modem status.
func (c *Client) Status() (*modemmgr.StatusData, error) {
	r, err := c.Do(modemmgr.CmdStatus, modemmgr.Params{})
	if err != nil {
		return nil, err
	}
	if !r.OK() {
		return nil, errors.New(r.Message)
	}
	var st modemmgr.StatusData
	if err := r.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// History returns up to limit recorded calls, newest first.
func (c *Client) History(limit int) ([]modemmgr.CallSummary, error) {
	return c.history(modemmgr.Params{Limit: limit})
}

// NumberHistory returns up to limit recorded calls to or from number, newest first.
func (c *Client) NumberHistory(number string, limit int) ([]modemmgr.CallSummary, error) {
	return c.history(modemmgr.Params{Number: number, Limit: limit})
}

func (c *Client) history(params modemmgr.Params) ([]modemmgr.CallSummary, error) {
	r, err := c.Do(modemmgr.CmdCallHistory, params)
	if err != nil {
		return nil, err
	}
	if !r.OK() {
		return nil, errors.New(r.Message)
	}
	var h modemmgr.HistoryData
	if err := r.Decode(&h); err != nil {
		return nil, err
	}
	return h.Calls, nil
}

// Subscribe switches the connection to notification mode and calls fn for
// each notification until ctx is done or the connection fails. The client
// cannot send requests afterwards.
func (c *Client) Subscribe(ctx context.Context, fn func(*modemmgr.Notification)) error {
	r, err := c.Do(modemmgr.CmdSubscribeNotifications, modemmgr.Params{})
	if err != nil {
		return err
	}
	if !r.OK() {
		return errors.New(r.Message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	_ = c.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		var n modemmgr.Notification
		if err := c.dec.Decode(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read notification: %w", err)
		}
		fn(&n)
	}
}
