package modemmgr

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Subscriber receives pushed notifications. A Conn in notification mode is
// one; the HTTP gateway adds websocket subscribers.
type Subscriber interface {
	Notify(n *Notification) error
	Close() error
}

// Broadcaster fans notifications out to the current subscribers. A
// subscriber whose delivery fails is closed and removed; the others still
// receive the notification.
type Broadcaster struct {
	mu   sync.Mutex
	subs []Subscriber
	now  func() time.Time
	log  *logrus.Entry
}

// NewBroadcaster returns an empty Broadcaster. A nil log uses the standard logger.
func NewBroadcaster(log *logrus.Entry) *Broadcaster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "broadcast")
	}
	return &Broadcaster{now: time.Now, log: log}
}

// Add registers s. Adding the same subscriber twice has no effect.
func (b *Broadcaster) Add(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cur := range b.subs {
		if cur == s {
			return
		}
	}
	b.subs = append(b.subs, s)
}

// Remove unregisters s without closing it.
func (b *Broadcaster) Remove(s Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Broadcast delivers n to every subscriber and returns how many accepted it.
func (b *Broadcaster) Broadcast(n *Notification) int {
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if err := s.Notify(n); err != nil {
			b.log.WithError(err).Warnf("Failed to send %s notification, dropping subscriber", n.Type)
			if b.Remove(s) {
				_ = s.Close()
			}
			continue
		}
		delivered++
	}
	b.log.Debugf("Sent %s notification to %d of %d subscribers", n.Type, delivered, len(subs))
	return delivered
}

// BroadcastIncomingCall announces an answered incoming call.
func (b *Broadcaster) BroadcastIncomingCall(caller string, audioRouting bool) int {
	b.log.Infof("Broadcasting incoming call from %s", caller)
	return b.Broadcast(&Notification{
		Type:         NotifyIncomingCall,
		CallerNumber: caller,
		AudioRouting: boolPtr(audioRouting),
	})
}

// BroadcastCallEnded announces the end of a call.
func (b *Broadcaster) BroadcastCallEnded(reason string) int {
	if reason == "" {
		reason = "unknown"
	}
	b.log.Infof("Broadcasting call ended: %s", reason)
	return b.Broadcast(&Notification{Type: NotifyCallEnded, Reason: reason})
}

// BroadcastDTMF announces a DTMF digit.
func (b *Broadcaster) BroadcastDTMF(digit string) int {
	return b.Broadcast(&Notification{Type: NotifyDTMF, Digit: digit})
}

// CloseAll closes and removes every subscriber.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}
