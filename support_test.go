package modemmgr

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+19725551234", "+19725551234"},
		{"9725551234", "+19725551234"},
		{" 9725551234 ", "+19725551234"},
		{"+447700900123", "+447700900123"},
		// Non-domestic numbers without a plus still get +1.
		{"447700900123", "+1447700900123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeNumber(tt.in); got != tt.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWhitelist(t *testing.T) {
	w := NewWhitelist("9725551234", "+19725550000", "", "+19725550000")
	if w.Len() != 2 {
		t.Errorf("Len() = %d, want 2", w.Len())
	}
	if !w.Allowed("+19725551234") || !w.Allowed("+19725550000") {
		t.Error("whitelisted numbers rejected")
	}
	if w.Allowed("9725551234") {
		t.Error("caller numbers are compared as received")
	}
	if got := w.Numbers(); !reflect.DeepEqual(got, []string{"+19725550000", "+19725551234"}) {
		t.Errorf("Numbers() = %v", got)
	}
	var empty *Whitelist
	if empty.Allowed("+19725551234") || empty.Len() != 0 {
		t.Error("nil whitelist must reject everything")
	}
}

func TestCommandQueue(t *testing.T) {
	q := NewCommandQueue(2)
	a := &CommandRequest{RequestID: "a"}
	b := &CommandRequest{RequestID: "b"}
	if err := q.Push(a); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(b); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(&CommandRequest{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() at capacity error = %v, want ErrQueueFull", err)
	}
	got, _ := q.Pop()
	if got != a {
		t.Errorf("Pop() = %v, want a", got.RequestID)
	}
	q.PushFront(got)
	for _, want := range []string{"a", "b"} {
		got, ok := q.Pop()
		if !ok || got.RequestID != want {
			t.Errorf("Pop() = %v, want %s", got, want)
		}
	}
	if _, ok := q.Pop(); ok || q.Len() != 0 {
		t.Error("queue should be empty")
	}
	if NewCommandQueue(0).max != DefaultMaxQueued {
		t.Error("default capacity not applied")
	}
}

type mockSubscriber struct {
	mu     sync.Mutex
	got    []*Notification
	fail   error
	closed bool
}

func (s *mockSubscriber) Notify(n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, n)
	return nil
}

func (s *mockSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestBroadcaster_DropsFailingSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())
	good1 := &mockSubscriber{}
	bad := &mockSubscriber{fail: errors.New("broken pipe")}
	good2 := &mockSubscriber{}
	b.Add(good1)
	b.Add(bad)
	b.Add(good2)
	b.Add(good1)
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	if n := b.BroadcastDTMF("7"); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if b.Len() != 2 || !bad.closed {
		t.Errorf("failing subscriber not dropped: len=%d closed=%v", b.Len(), bad.closed)
	}
	for _, s := range []*mockSubscriber{good1, good2} {
		if len(s.got) != 1 || s.got[0].Type != NotifyDTMF || s.got[0].Digit != "7" || s.got[0].Timestamp.IsZero() {
			t.Errorf("subscriber got %+v", s.got)
		}
	}

	b.BroadcastCallEnded("")
	b.BroadcastIncomingCall("+19725551234", false)
	if good2.got[1].Reason != "unknown" {
		t.Errorf("reason = %q, want unknown", good2.got[1].Reason)
	}
	if n := good2.got[2]; n.Type != NotifyIncomingCall || n.CallerNumber != "+19725551234" || n.AudioRouting == nil || *n.AudioRouting {
		t.Errorf("incoming notification = %+v", n)
	}

	b.CloseAll()
	if b.Len() != 0 || !good1.closed || !good2.closed {
		t.Error("CloseAll() left subscribers open")
	}
}
