// Package httpapi exposes the modem manager control commands over HTTP and
// streams notifications to websocket clients.
//
// Routes:
//
//	GET  /api/v1/status
//	POST /api/v1/call      {"number": "...", "no_audio_routing": false}
//	POST /api/v1/hangup
//	GET  /api/v1/calls?limit=N&number=...
//	GET  /ws
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/ENGK3/modemmgr"
)

const apiPrefix = "/api/v1"

// Config configures a Gateway. All fields are optional.
type Config struct {
	// CallTimeout bounds the wait for a place_call outcome (default: 40s)
	CallTimeout time.Duration
	// WriteTimeout bounds websocket writes (default: 10s)
	WriteTimeout time.Duration
	// Logger is the log entry of the gateway
	Logger *logrus.Entry
}

// Gateway translates HTTP requests into control commands of a modemmgr.Server.
type Gateway struct {
	srv          *modemmgr.Server
	callTimeout  time.Duration
	writeTimeout time.Duration
	router       *mux.Router
	hs           *http.Server
	log          *logrus.Entry
}

// New creates a Gateway for srv. Returns modemmgr.ErrConfigRequired if srv is nil.
func New(srv *modemmgr.Server, config *Config) (*Gateway, error) {
	if srv == nil {
		return nil, modemmgr.ErrConfigRequired
	}
	if config == nil {
		config = &Config{}
	}
	g := &Gateway{
		srv:          srv,
		callTimeout:  config.CallTimeout,
		writeTimeout: config.WriteTimeout,
		log:          config.Logger,
	}
	if g.callTimeout <= 0 {
		g.callTimeout = 40 * time.Second
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = 10 * time.Second
	}
	if g.log == nil {
		g.log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "http")
	}

	r := mux.NewRouter()
	api := r.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/status", g.handleStatus).Methods("GET")
	api.HandleFunc("/call", g.handleCall).Methods("POST")
	api.HandleFunc("/hangup", g.handleHangup).Methods("POST")
	api.HandleFunc("/calls", g.handleCalls).Methods("GET")
	r.HandleFunc("/ws", g.handleWebSocket)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	g.router = r
	g.hs = &http.Server{Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return g, nil
}

// Handler returns the routes wrapped with a permissive CORS policy.
func (g *Gateway) Handler() http.Handler {
	return cors.AllowAll().Handler(g.router)
}

// Serve serves HTTP on ln until Shutdown.
func (g *Gateway) Serve(ln net.Listener) error {
	g.log.Infof("HTTP gateway listening on %s", ln.Addr())
	err := g.hs.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (g *Gateway) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Shutdown stops the HTTP server. Websocket clients are closed by the
// control server's broadcaster.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.hs.Shutdown(ctx)
}

func newRequest(command string, params modemmgr.Params) *modemmgr.CommandRequest {
	return &modemmgr.CommandRequest{Command: command, Params: params, RequestID: "http-" + uuid.NewString()}
}

// httpStatus maps a control response to an HTTP status code.
func httpStatus(resp *modemmgr.Response) int {
	switch resp.Status {
	case modemmgr.StatusSuccess:
		return http.StatusOK
	case modemmgr.StatusPending:
		return http.StatusAccepted
	default:
		return http.StatusConflict
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := g.srv.Handle(newRequest(modemmgr.CmdStatus, modemmgr.Params{}))
	respondJSON(w, httpStatus(resp), resp)
}

func (g *Gateway) handleHangup(w http.ResponseWriter, r *http.Request) {
	resp := g.srv.Handle(newRequest(modemmgr.CmdHangup, modemmgr.Params{}))
	respondJSON(w, httpStatus(resp), resp)
}

func (g *Gateway) handleCalls(w http.ResponseWriter, r *http.Request) {
	var params modemmgr.Params
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		params.Limit = n
	}
	params.Number = r.URL.Query().Get("number")
	resp := g.srv.Handle(newRequest(modemmgr.CmdCallHistory, params))
	respondJSON(w, httpStatus(resp), resp)
}

// handleCall places a call and waits for its outcome. If the outcome does
// not arrive in time the pending response is returned with 202.
func (g *Gateway) handleCall(w http.ResponseWriter, r *http.Request) {
	var params modemmgr.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if params.Number == "" {
		respondError(w, http.StatusBadRequest, "Missing required parameter: number")
		return
	}
	req := newRequest(modemmgr.CmdPlaceCall, params)
	result := make(chanResponder, 1)
	req.Origin = result
	g.log.Infof("HTTP place_call %s (%s)", params.Number, req.RequestID)

	resp := g.srv.Handle(req)
	if resp.Status == modemmgr.StatusPending {
		timer := time.NewTimer(g.callTimeout)
		defer timer.Stop()
		select {
		case final := <-result:
			resp = final
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	respondJSON(w, httpStatus(resp), resp)
}

// chanResponder delivers the asynchronous outcome of one request.
type chanResponder chan *modemmgr.Response

func (c chanResponder) Respond(resp *modemmgr.Response) error {
	select {
	case c <- resp:
	default:
	}
	return nil
}

type errorBody struct {
	Status  modemmgr.ResponseStatus `json:"status"`
	Message string                  `json:"message"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "Method not allowed: "+r.Method)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, errorBody{Status: modemmgr.StatusError, Message: message})
}
