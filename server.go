package modemmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Call history limits of the call_history command.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500
)

// ServerConfig contains the parameters of a Server. All fields are optional.
type ServerConfig struct {
	// IdleTimeout closes connections that send nothing for this long (default: 60s)
	IdleTimeout time.Duration
	// WriteTimeout bounds every write to a client (default: 10s)
	WriteTimeout time.Duration
	// History serves the call_history command. Nil disables it.
	History HistorySource
	// Logger is the log entry of the server
	Logger *logrus.Entry
}

// Server is the TCP control server. Each connection carries one JSON object
// per message; responses and notifications are written one JSON object per line.
type Server struct {
	manager      *Manager
	broadcaster  *Broadcaster
	history      HistorySource
	idleTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	log *logrus.Entry
}

// NewServer creates a Server routing commands to m and registers its
// broadcaster for m's incoming call, call ended and DTMF events.
//
// Returns ErrConfigRequired if m is nil.
func NewServer(m *Manager, config *ServerConfig) (*Server, error) {
	if m == nil {
		return nil, ErrConfigRequired
	}
	if config == nil {
		config = &ServerConfig{}
	}
	s := &Server{
		manager:      m,
		history:      config.History,
		idleTimeout:  config.IdleTimeout,
		writeTimeout: config.WriteTimeout,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[*Conn]struct{}),
		log:          config.Logger,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "server")
	}
	s.broadcaster = NewBroadcaster(s.log.WithField("name", "broadcast"))

	m.OnIncomingCall(func(call CallInfo) {
		s.broadcaster.BroadcastIncomingCall(call.Number, call.Audio != nil)
	})
	m.OnCallEnded(func(_ CallInfo, reason string) {
		s.broadcaster.BroadcastCallEnded(reason)
	})
	m.OnDTMF(func(digit string) {
		s.broadcaster.BroadcastDTMF(digit)
	})
	return s, nil
}

// Broadcaster returns the notification broadcaster of the server.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It always returns a non-nil
// error; after Close the error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		ln.Close()
	}()

	s.log.Infof("TCP server listening on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		c := newConn(nc, s.writeTimeout)
		if !s.track(c) {
			c.Close()
			return ErrServerClosed
		}
		s.log.Infof("Client connected from %s", c.RemoteAddr())
		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) serveConn(c *Conn) {
	defer s.wg.Done()
	log := s.log.WithField("client", c.RemoteAddr())
	subscribed := false
	defer func() {
		if subscribed {
			return
		}
		s.untrack(c)
		c.Close()
		log.Info("Client disconnected")
	}()

	dec := json.NewDecoder(c.conn)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		var req Request
		if err := dec.Decode(&req); err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				log.Debugf("Client closed connection: %v", err)
			case errors.As(err, &ne) && ne.Timeout():
				log.Infof("Client idle for %s, closing", s.idleTimeout)
			case isTypeError(err):
				// The whole value was consumed, the stream is still in sync.
				log.Errorf("Invalid request: %v", err)
				if err := c.Respond(Failure("unknown", fmt.Sprintf("Invalid JSON: %v", err), nil)); err != nil {
					return
				}
				continue
			case isSyntaxError(err):
				log.Errorf("Invalid JSON: %v", err)
				_ = c.Respond(Failure("unknown", fmt.Sprintf("Invalid JSON: %v", err), nil))
			default:
				log.WithError(err).Warn("Read failed")
			}
			return
		}
		if req.RequestID == "" {
			req.RequestID = "req-" + uuid.NewString()
		}
		log.Infof("Received command: %s (request_id: %s)", req.Command, req.RequestID)

		if req.Command == CmdSubscribeNotifications {
			resp := Success(req.RequestID, "Subscribed to incoming call notifications", SubscribeData{NotificationMode: true})
			if err := c.Respond(resp); err != nil {
				log.WithError(err).Warn("Failed to confirm subscription")
				return
			}
			// The broadcaster owns the connection from here on.
			s.untrack(c)
			s.broadcaster.Add(c)
			subscribed = true
			log.Info("Client entering notification-only mode")
			return
		}

		origin := &orderedResponder{c: c}
		resp := s.Handle(&CommandRequest{
			Command:   req.Command,
			Params:    req.Params,
			RequestID: req.RequestID,
			Origin:    origin,
		})
		if err := c.Respond(resp); err != nil {
			log.WithError(err).Warnf("Failed to send response to %s", req.RequestID)
			return
		}
		if err := origin.release(); err != nil {
			log.WithError(err).Warnf("Failed to send asynchronous response to %s", req.RequestID)
		}
	}
}

func isSyntaxError(err error) bool {
	var syn *json.SyntaxError
	return errors.As(err, &syn)
}

func isTypeError(err error) bool {
	var typ *json.UnmarshalTypeError
	return errors.As(err, &typ)
}

// Handle routes one request to the Manager and returns the immediate
// response. subscribe_notifications needs a connection and is served by
// the connection handler only.
func (s *Server) Handle(req *CommandRequest) *Response {
	switch req.Command {
	case CmdPlaceCall:
		return s.manager.PlaceCall(req)
	case CmdHangup:
		return s.manager.Hangup(req.RequestID)
	case CmdStatus:
		return s.manager.Status(req.RequestID)
	case CmdShutdown:
		s.manager.Shutdown()
		return Success(req.RequestID, "Shutdown initiated", nil)
	case CmdCallHistory:
		return s.callHistory(req)
	case CmdSubscribeNotifications:
		return Failure(req.RequestID, "No client connection available", nil)
	default:
		return Failure(req.RequestID, fmt.Sprintf("Unknown command: %s", req.Command), nil)
	}
}

func (s *Server) callHistory(req *CommandRequest) *Response {
	if s.history == nil {
		return Failure(req.RequestID, "Call history is disabled", nil)
	}
	limit := req.Params.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	var calls []CallSummary
	var err error
	if req.Params.Number != "" {
		calls, err = s.history.ByNumber(req.Params.Number, limit)
	} else {
		calls, err = s.history.Recent(limit)
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to read call history")
		return Failure(req.RequestID, fmt.Sprintf("Failed to read call history: %v", err), nil)
	}
	if calls == nil {
		calls = []CallSummary{}
	}
	return Success(req.RequestID, fmt.Sprintf("%d calls", len(calls)), HistoryData{Calls: calls})
}

// Close stops all listeners, closes every connection and subscriber and
// waits for the connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()

	s.broadcaster.CloseAll()
	s.wg.Wait()
	s.log.Info("TCP server shut down")
	return err
}
