package modemmgr

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCommandTimeout bounds a single AT command round trip.
	DefaultCommandTimeout = 5 * time.Second
	// DefaultPollInterval is the read timeout of one device poll.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultMaxIdlePolls is the number of consecutive empty polls tolerated
	// after the first captured line before Send gives up waiting for a
	// terminal line.
	DefaultMaxIdlePolls = 10
)

// Device is the serial link to the modem. A go.bug.st/serial Port satisfies it.
// Read must return (0, nil) when the read timeout elapses without data.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Reply is the output captured by Transport.Send.
type Reply struct {
	// Lines holds every non-terminal line read, unsolicited ones included, in order.
	Lines []string
	// Final is the terminal line, empty if none arrived.
	Final string
}

// Text returns all captured lines, terminal line included, joined by newlines.
func (r *Reply) Text() string {
	if r == nil {
		return ""
	}
	all := r.Lines
	if r.Final != "" {
		all = append(append([]string(nil), r.Lines...), r.Final)
	}
	return strings.Join(all, "\n")
}

// Body returns the captured lines without the terminal line.
func (r *Reply) Body() []string {
	if r == nil {
		return nil
	}
	return r.Lines
}

// OK reports whether the command completed with OK.
func (r *Reply) OK() bool {
	return r != nil && r.Final == "OK"
}

// Failed reports whether the command completed with an error line.
func (r *Reply) Failed() bool {
	return r != nil && IsErrorLine(r.Final)
}

// IsErrorLine reports whether line is an AT error result.
func IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "ERROR") ||
		strings.HasPrefix(line, "+CME ERROR") ||
		strings.HasPrefix(line, "+CMS ERROR")
}

// IsTerminalLine reports whether line ends an AT command response.
func IsTerminalLine(line string) bool {
	switch {
	case line == "OK":
		return true
	case IsErrorLine(line):
		return true
	case strings.HasPrefix(line, "CONNECT"):
		return true
	case strings.HasPrefix(line, ">"):
		return true
	}
	return false
}

// Transport exchanges AT commands with the modem. Every Send and ReadLine
// holds the device lock for its own duration only, so polling loops in
// different goroutines interleave at line granularity.
type Transport struct {
	mu           sync.Mutex
	dev          Device
	buf          []byte
	chunk        [256]byte
	pollInterval time.Duration
	maxIdlePolls int
	log          *logrus.Entry
}

// TransportConfig configures a Transport. Zero values select the defaults.
type TransportConfig struct {
	PollInterval time.Duration
	MaxIdlePolls int
	Logger       *logrus.Entry
}

// NewTransport wraps dev. It returns ErrConfigRequired if dev is nil.
func NewTransport(dev Device, config *TransportConfig) (*Transport, error) {
	if dev == nil {
		return nil, ErrConfigRequired
	}
	if config == nil {
		config = &TransportConfig{}
	}
	t := &Transport{
		dev:          dev,
		pollInterval: config.PollInterval,
		maxIdlePolls: config.MaxIdlePolls,
		log:          config.Logger,
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.maxIdlePolls <= 0 {
		t.maxIdlePolls = DefaultMaxIdlePolls
	}
	if t.log == nil {
		t.log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "at")
	}
	return t, nil
}

// Send writes cmd followed by a carriage return and collects the response
// until a terminal line, the timeout, or the idle limit. Stale input is
// discarded first. A device error is returned as is; ErrTimeout is returned
// together with the partial reply when nothing terminated the read and the
// idle limit was not reached either.
func (t *Transport) Send(cmd string, timeout time.Duration) (*Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(cmd, timeout)
}

// SendIf is Send guarded by cond, which is evaluated with the device lock
// held. If cond reports false nothing is written and sent is false.
func (t *Transport) SendIf(cmd string, timeout time.Duration, cond func() bool) (reply *Reply, sent bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !cond() {
		return nil, false, nil
	}
	reply, err = t.sendLocked(cmd, timeout)
	return reply, true, err
}

func (t *Transport) sendLocked(cmd string, timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	t.discardLocked()
	cmd = strings.TrimRight(cmd, "\r\n")
	t.log.Infof("Sending command: %s", cmd)
	if _, err := t.dev.Write([]byte(cmd + "\r")); err != nil {
		return nil, err
	}

	reply := &Reply{}
	idle := 0
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := t.readLineLocked(t.pollInterval)
		if err != nil {
			return reply, err
		}
		if line == "" {
			idle++
			if len(reply.Lines) > 0 && idle > t.maxIdlePolls {
				t.log.Debugf("No terminal line after %d idle polls, giving up on %s", idle, cmd)
				return reply, nil
			}
			continue
		}
		idle = 0
		if line == cmd {
			continue
		}
		if IsTerminalLine(line) {
			reply.Final = line
			t.log.Infof("Response: %s", line)
			return reply, nil
		}
		t.log.Infof("Serial: %s", line)
		reply.Lines = append(reply.Lines, line)
	}
	return reply, ErrTimeout
}

// ReadLine returns the next non-empty line, or "" if none arrives within timeout.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		if remaining > t.pollInterval {
			remaining = t.pollInterval
		}
		line, err := t.readLineLocked(remaining)
		if err != nil || line != "" {
			return line, err
		}
	}
}

func (t *Transport) discardLocked() {
	if len(t.buf) > 0 {
		for _, l := range splitLines(t.buf) {
			t.log.Debugf("Discarding stale input: %s", l)
		}
		t.buf = t.buf[:0]
	}
	if err := t.dev.ResetInputBuffer(); err != nil {
		t.log.Debugf("Input reset failed: %v", err)
	}
}

// readLineLocked performs at most one device read. It returns a trimmed
// complete line if one is buffered, "" otherwise.
func (t *Transport) readLineLocked(timeout time.Duration) (string, error) {
	for {
		line, ok := t.nextBufferedLine()
		if !ok {
			break
		}
		if line != "" {
			return line, nil
		}
	}
	if err := t.dev.SetReadTimeout(timeout); err != nil {
		return "", err
	}
	n, err := t.dev.Read(t.chunk[:])
	if n > 0 {
		t.buf = append(t.buf, t.chunk[:n]...)
	}
	if err != nil {
		return "", err
	}
	for {
		line, ok := t.nextBufferedLine()
		if !ok {
			return t.promptLine(), nil
		}
		if line != "" {
			return line, nil
		}
	}
}

// promptLine returns a pending data prompt, which arrives without a line terminator.
func (t *Transport) promptLine() string {
	if p := bytes.TrimSpace(t.buf); len(p) == 1 && p[0] == '>' {
		t.buf = t.buf[:0]
		return ">"
	}
	return ""
}

func (t *Transport) nextBufferedLine() (string, bool) {
	i := bytes.IndexAny(t.buf, "\r\n")
	if i < 0 {
		return "", false
	}
	line := strings.TrimSpace(string(t.buf[:i]))
	t.buf = t.buf[i+1:]
	return line, true
}

func splitLines(b []byte) []string {
	var out []string
	for _, l := range strings.FieldsFunc(string(b), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
