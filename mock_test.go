package modemmgr

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// mockDevice implements Device for testing. Lines are fed through a channel
// and reads time out with (0, nil) like a serial port with a read timeout.
type mockDevice struct {
	mu      sync.Mutex
	input   chan []byte
	pending []byte
	writes  []string
	timeout time.Duration
	readErr error
	resets  int
	// replies maps a command to the lines answered when it is written.
	// Commands without an entry are answered with OK.
	replies map[string][]string
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		input:   make(chan []byte, 256),
		timeout: 10 * time.Millisecond,
		replies: make(map[string][]string),
	}
}

func (d *mockDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.readErr != nil {
		err := d.readErr
		d.mu.Unlock()
		return 0, err
	}
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		d.mu.Unlock()
		return n, nil
	}
	timeout := d.timeout
	d.mu.Unlock()

	select {
	case b := <-d.input:
		n := copy(p, b)
		if n < len(b) {
			d.mu.Lock()
			d.pending = append(d.pending, b[n:]...)
			d.mu.Unlock()
		}
		return n, nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (d *mockDevice) Write(p []byte) (int, error) {
	cmd := strings.TrimRight(string(p), "\r\n")
	d.mu.Lock()
	d.writes = append(d.writes, cmd)
	lines, ok := d.replies[cmd]
	if !ok {
		for prefix, l := range d.replies {
			if strings.HasSuffix(prefix, "*") && strings.HasPrefix(cmd, strings.TrimSuffix(prefix, "*")) {
				lines, ok = l, true
				break
			}
		}
	}
	d.mu.Unlock()
	if !ok {
		lines = []string{"OK"}
	}
	for _, l := range lines {
		d.feed(l)
	}
	return len(p), nil
}

func (d *mockDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.pending = nil
	for {
		select {
		case <-d.input:
		default:
			return nil
		}
	}
}

func (d *mockDevice) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
	return nil
}

func (d *mockDevice) reply(cmd string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[cmd] = lines
}

func (d *mockDevice) feed(line string) {
	d.feedRaw("\r\n" + line + "\r\n")
}

func (d *mockDevice) feedRaw(s string) {
	d.input <- []byte(s)
}

func (d *mockDevice) setReadErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

func (d *mockDevice) written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

func (d *mockDevice) count(cmd string) int {
	n := 0
	for _, w := range d.written() {
		if w == cmd {
			n++
		}
	}
	return n
}

func (d *mockDevice) countPrefix(prefix string) int {
	n := 0
	for _, w := range d.written() {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

// recordingResponder collects asynchronous responses.
type recordingResponder struct {
	mu    sync.Mutex
	resps []*Response
}

func (r *recordingResponder) Respond(resp *Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resps = append(r.resps, resp)
	return nil
}

func (r *recordingResponder) responses() []*Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Response(nil), r.resps...)
}

// mockAudio records bridge operations.
type mockAudio struct {
	mu       sync.Mutex
	starts   int
	stops    []AudioHandles
	startErr error
}

func (a *mockAudio) Start() (AudioHandles, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.startErr != nil {
		return AudioHandles{}, a.startErr
	}
	return AudioHandles{A: "101", B: "102"}, nil
}

func (a *mockAudio) Stop(h AudioHandles) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops = append(a.stops, h)
	return nil
}

func (a *mockAudio) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, len(a.stops)
}

// mockRecorder records finished calls.
type mockRecorder struct {
	mu    sync.Mutex
	calls []CallSummary
}

func (r *mockRecorder) RecordCall(c CallSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return nil
}

func (r *mockRecorder) Recent(limit int) ([]CallSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallSummary, 0, len(r.calls))
	for i := len(r.calls) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.calls[i])
	}
	return out, nil
}

func (r *mockRecorder) ByNumber(number string, limit int) ([]CallSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []CallSummary{}
	for i := len(r.calls) - 1; i >= 0 && len(out) < limit; i-- {
		if r.calls[i].Number == number {
			out = append(out, r.calls[i])
		}
	}
	return out, nil
}

func (r *mockRecorder) recorded() []CallSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallSummary(nil), r.calls...)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	dev      *mockDevice
	audio    *mockAudio
	recorder *mockRecorder
	manager  *Manager
}

func newTestEnv(t *testing.T, tweak func(c *Config)) *testEnv {
	t.Helper()
	dev := newMockDevice()
	at, err := NewTransport(dev, &TransportConfig{PollInterval: 5 * time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	env := &testEnv{dev: dev, audio: &mockAudio{}, recorder: &mockRecorder{}}
	config := &Config{
		Transport:             at,
		Whitelist:             NewWhitelist("+19725551234", "9725550000"),
		Audio:                 env.audio,
		ConnectTimeout:        2 * time.Second,
		PollTimeout:           20 * time.Millisecond,
		CommandTimeout:        300 * time.Millisecond,
		AnswerSettle:          10 * time.Millisecond,
		MonitorReadTimeout:    20 * time.Millisecond,
		MonitorYield:          5 * time.Millisecond,
		CallSetupCommands:     []string{},
		IncomingSetupCommands: []string{},
		Recorder:              env.recorder,
		Logger:                testLogger(),
	}
	if tweak != nil {
		tweak(config)
	}
	m, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Shutdown)
	env.manager = m
	return env
}

func (e *testEnv) waitState(t *testing.T, st ModemState) {
	t.Helper()
	waitFor(t, "state "+st.String(), func() bool { return e.manager.State() == st })
}
