package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ENGK3/modemmgr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber is a websocket client registered with the broadcaster.
type wsSubscriber struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (s *wsSubscriber) Notify(n *modemmgr.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(n)
}

func (s *wsSubscriber) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// handleWebSocket upgrades the connection and streams notifications until
// the client goes away.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	sub := &wsSubscriber{conn: conn, writeTimeout: g.writeTimeout}
	b := g.srv.Broadcaster()
	b.Add(sub)
	g.log.Infof("Websocket subscriber %s connected (%d subscribers)", r.RemoteAddr, b.Len())

	// Inbound messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.Remove(sub)
	sub.Close()
	g.log.Infof("Websocket subscriber %s disconnected", r.RemoteAddr)
}
