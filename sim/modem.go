// Package sim provides a simulated Telit voice modem. It speaks the AT
// subset used by the modem manager (configuration commands, ATD, ATA,
// AT+CHUP) on a TTY and emits the unsolicited result codes of a voice call:
// RING and +CLIP for incoming calls, +CIEV call indicators, #DTMFEV tone
// events and NO CARRIER, BUSY or NO ANSWER.
//
// The core component is the Modem struct which implements a state machine
// with the following states: Idle, Dialing, Ringing, Active and Closed.
// Calls on the simulated network side are injected with Ring, DTMF and
// RemoteHangup.
//
// Example usage:
//
//	dev, err := sim.NewDevice(&sim.Config{BusyNumbers: []string{"+15550000"}})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//	at, _ := modemmgr.NewTransport(dev, nil)
//	dev.Modem().RingSync("+15551234567")
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrModemBusy is returned when a call is injected while another call exists
	ErrModemBusy = errors.New("modem busy")
	// ErrNoCall is returned when an in-call event is injected without a call
	ErrNoCall = errors.New("no call")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Status is the call state of the simulated modem.
type Status int

const (
	// StatusIdle means no call exists
	StatusIdle Status = iota
	// StatusDialing means an outgoing call is waiting for the remote party
	StatusDialing
	// StatusRinging means an incoming call is alerting
	StatusRinging
	// StatusActive means a call is connected
	StatusActive
	// StatusClosed is the terminal state after the TTY failed or was closed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusDialing:
		return "Dialing"
	case StatusRinging:
		return "Ringing"
	case StatusActive:
		return "Active"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RetCode is the final result of an AT command line.
type RetCode int

const (
	RetCodeOk RetCode = iota
	RetCodeError
	// RetCodeSilent sends no final result
	RetCodeSilent
	RetCodeNoCarrier
	RetCodeBusy
	RetCodeNoAnswer
	RetCodeRing
	// RetCodeSkip lets a CommandHook fall through to the built-in handling
	RetCodeSkip
)

// StatusTransitionType is called under the modem lock on every state change.
type StatusTransitionType func(m *Modem, prevStatus Status, newStatus Status)

// CommandHookType is called under the modem lock for every parsed command
// before the built-in handling. Return RetCodeSkip to fall through.
type CommandHookType func(m *Modem, cmd Command) RetCode

// Config configures a Modem. Only TTY is required.
type Config struct {
	// TTY is the terminal the modem is attached to (required by NewModem)
	TTY io.ReadWriteCloser
	// AnswerDelay is how long the remote party takes to answer or reject a dialed call (default: 1s)
	AnswerDelay time.Duration
	// RingInterval is the time between RING indications (default: 3s)
	RingInterval time.Duration
	// RingMax is the number of rings before the caller gives up (default: 5)
	RingMax int
	// BusyNumbers answer BUSY when dialed
	BusyNumbers []string
	// NoAnswerNumbers answer NO ANSWER when dialed
	NoAnswerNumbers []string
	// ErrorNumbers make ATD fail with ERROR
	ErrorNumbers []string
	// CommandHook is an optional callback for custom AT commands
	CommandHook CommandHookType
	// StatusTransition is an optional callback for state change notifications
	StatusTransition StatusTransitionType
	// Logger is the log entry used by the modem
	Logger *logrus.Entry
}

// Metrics holds runtime counters of a Modem.
type Metrics struct {
	Status        Status
	TtyTxBytes    int
	TtyRxBytes    int
	NumCalls      int
	NumInCalls    int
	NumOutCalls   int
	Dialed        []string
	LastTtyTxTime time.Time
	LastTtyRxTime time.Time
	LastAtCmdTime time.Time
	LastCallTime  time.Time
}

// Modem is a simulated voice modem. It is safe for concurrent use; methods
// without the Sync suffix require the caller to hold the modem lock.
type Modem struct {
	sync.Mutex
	st               Status
	stCtx            context.Context
	stCtxCancel      context.CancelFunc
	tty              io.ReadWriteCloser
	statusTransition StatusTransitionType
	commandHook      CommandHookType
	answerDelay      time.Duration
	ringInterval     time.Duration
	ringMax          int
	busy             map[string]bool
	noAnswer         map[string]bool
	failing          map[string]bool
	settings         map[string]string
	echo             bool
	shortForm        bool
	quietMode        bool
	number           string
	metrics          *Metrics
	log              *logrus.Entry
}

func numberSet(numbers []string) map[string]bool {
	set := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		set[strings.TrimSpace(n)] = true
	}
	return set
}

// NewModem creates a modem on config.TTY and starts serving it.
// Returns ErrConfigRequired if config or config.TTY is nil.
func NewModem(config *Config) (*Modem, error) {
	if config == nil || config.TTY == nil {
		return nil, ErrConfigRequired
	}
	m := &Modem{
		st:               StatusIdle,
		tty:              config.TTY,
		statusTransition: config.StatusTransition,
		commandHook:      config.CommandHook,
		answerDelay:      config.AnswerDelay,
		ringInterval:     config.RingInterval,
		ringMax:          config.RingMax,
		busy:             numberSet(config.BusyNumbers),
		noAnswer:         numberSet(config.NoAnswerNumbers),
		failing:          numberSet(config.ErrorNumbers),
		settings:         defaultSettings(),
		echo:             true,
		metrics:          &Metrics{},
		log:              config.Logger,
	}
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	if m.answerDelay == 0 {
		m.answerDelay = time.Second
	}
	if m.ringInterval == 0 {
		m.ringInterval = 3 * time.Second
	}
	if m.ringMax == 0 {
		m.ringMax = 5
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "sim")
	}
	go m.ttyReadTask()
	return m, nil
}

// Caller ID presentation and DTMF reporting start enabled so an
// unconfigured modem still reports calls.
func defaultSettings() map[string]string {
	return map[string]string{"+CLIP": "1", "#DTMF": "1"}
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		panic("Modem lock not held")
	}
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

func (m *Modem) ttyWrite(b []byte) {
	m.metrics.LastTtyTxTime = time.Now()
	n, err := m.tty.Write(b)
	if err != nil || n == 0 {
		m.setStatus(StatusClosed)
		return
	}
	m.metrics.TtyTxBytes += n
}

func (m *Modem) ttyWriteStr(s string) {
	m.ttyWrite([]byte(s))
}

// unsolicited emits a result code line outside of a command response.
func (m *Modem) unsolicited(line string) {
	if m.st == StatusClosed {
		return
	}
	m.log.Infof("URC: %s", line)
	m.ttyWriteStr("\r\n" + line + "\r\n")
}

func (m *Modem) printRetCode(ret RetCode) {
	retStr := ""
	if m.shortForm {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "0"
		case RetCodeError:
			retStr = "4"
		case RetCodeNoCarrier:
			retStr = "3"
		case RetCodeBusy:
			retStr = "7"
		case RetCodeNoAnswer:
			retStr = "8"
		case RetCodeRing:
			retStr = "2"
		}
	} else {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "OK"
		case RetCodeError:
			retStr = "ERROR"
		case RetCodeNoCarrier:
			retStr = "NO CARRIER"
		case RetCodeBusy:
			retStr = "BUSY"
		case RetCodeNoAnswer:
			retStr = "NO ANSWER"
		case RetCodeRing:
			retStr = "RING"
		}
	}
	if !m.quietMode {
		// Written without status handling to avoid recursion from setStatus
		_, _ = m.tty.Write([]byte(m.cr() + retStr + m.cr()))
	}
}

func (m *Modem) setStatus(status Status) {
	prevStatus := m.st
	if prevStatus == status {
		return
	}
	if prevStatus == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	switch status {
	case StatusDialing, StatusRinging:
		if prevStatus != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
	case StatusActive:
		if prevStatus != StatusDialing && prevStatus != StatusRinging {
			panic(ErrInvalidStateTransition)
		}
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = status
	switch status {
	case StatusIdle:
		m.number = ""
	case StatusActive:
		m.metrics.NumCalls++
		m.metrics.LastCallTime = time.Now()
		if prevStatus == StatusRinging {
			m.metrics.NumInCalls++
		} else {
			m.metrics.NumOutCalls++
		}
	case StatusRinging:
		go m.ringer(m.stCtx)
	case StatusClosed:
		m.tty.Close()
	}
	if m.statusTransition != nil {
		m.statusTransition(m, prevStatus, status)
	}
}

// Status returns the current state. The modem lock must be held.
func (m *Modem) Status() Status {
	m.checkLock()
	return m.st
}

// StatusSync returns the current state.
func (m *Modem) StatusSync() Status {
	m.Lock()
	defer m.Unlock()
	return m.st
}

// NumberSync returns the remote party of the current call.
func (m *Modem) NumberSync() string {
	m.Lock()
	defer m.Unlock()
	return m.number
}

// SettingSync returns the last value assigned to an extended command, e.g. "+CMEE".
func (m *Modem) SettingSync(name string) (string, bool) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.settings[strings.ToUpper(name)]
	return v, ok
}

// UnsolicitedSync emits an arbitrary result code line.
func (m *Modem) UnsolicitedSync(line string) {
	m.Lock()
	defer m.Unlock()
	m.unsolicited(line)
}

// Close closes the TTY. The modem lock must be held.
func (m *Modem) Close() {
	m.checkLock()
	m.setStatus(StatusClosed)
}

// CloseSync closes the TTY.
func (m *Modem) CloseSync() {
	m.Lock()
	defer m.Unlock()
	m.setStatus(StatusClosed)
}

// Metrics returns a copy of the counters. The modem lock must be held.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	c := *m.metrics
	c.Dialed = append([]string(nil), m.metrics.Dialed...)
	c.Status = m.st
	return &c
}

// MetricsSync returns a copy of the counters.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

// endCall returns to Idle unless a failed write already closed the modem.
func (m *Modem) endCall() {
	if m.st != StatusClosed {
		m.setStatus(StatusIdle)
	}
}

func (m *Modem) ring(caller string) error {
	if m.st != StatusIdle {
		return ErrModemBusy
	}
	m.number = caller
	m.setStatus(StatusRinging)
	return nil
}

// Ring starts an incoming call from caller. The modem lock must be held.
func (m *Modem) Ring(caller string) error {
	m.checkLock()
	return m.ring(caller)
}

// RingSync starts an incoming call from caller.
func (m *Modem) RingSync(caller string) error {
	m.Lock()
	defer m.Unlock()
	return m.ring(caller)
}

func (m *Modem) ringer(ctx context.Context) {
	m.Lock()
	for rings := 1; m.st == StatusRinging && ctx.Err() == nil; rings++ {
		if rings > m.ringMax {
			m.unsolicited("NO CARRIER")
			m.endCall()
			break
		}
		m.unsolicited("RING")
		if m.settings["+CLIP"] == "1" {
			m.unsolicited(fmt.Sprintf("+CLIP: %q,%d,\"\",0,\"\",0", m.number, numberType(m.number)))
		}
		m.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(m.ringInterval):
		}
		m.Lock()
	}
	m.Unlock()
}

func numberType(n string) int {
	if strings.HasPrefix(n, "+") {
		return 145
	}
	return 129
}

func (m *Modem) dtmf(digit string) error {
	if m.st != StatusActive {
		return ErrNoCall
	}
	if m.settings["#DTMF"] != "0" {
		m.unsolicited(fmt.Sprintf("#DTMFEV: %s,1", digit))
	}
	return nil
}

// DTMF reports a tone received from the remote party. The modem lock must be held.
func (m *Modem) DTMF(digit string) error {
	m.checkLock()
	return m.dtmf(digit)
}

// DTMFSync reports a tone received from the remote party.
func (m *Modem) DTMFSync(digit string) error {
	m.Lock()
	defer m.Unlock()
	return m.dtmf(digit)
}

func (m *Modem) remoteHangup() error {
	switch m.st {
	case StatusActive, StatusDialing, StatusRinging:
	default:
		return ErrNoCall
	}
	m.unsolicited("+CIEV: call,0")
	m.unsolicited("NO CARRIER")
	m.endCall()
	return nil
}

// RemoteHangup ends the call from the network side. The modem lock must be held.
func (m *Modem) RemoteHangup() error {
	m.checkLock()
	return m.remoteHangup()
}

// RemoteHangupSync ends the call from the network side.
func (m *Modem) RemoteHangupSync() error {
	m.Lock()
	defer m.Unlock()
	return m.remoteHangup()
}

func (m *Modem) processDialing(ctx context.Context, number string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.answerDelay):
	}
	m.Lock()
	defer m.Unlock()
	if ctx.Err() != nil {
		return
	}
	switch {
	case m.busy[number]:
		m.unsolicited("BUSY")
		m.endCall()
	case m.noAnswer[number]:
		m.unsolicited("NO ANSWER")
		m.endCall()
	default:
		m.setStatus(StatusActive)
		m.unsolicited("+CIEV: call,1")
	}
}

func (m *Modem) dial(value string) RetCode {
	if m.st != StatusIdle {
		return RetCodeError
	}
	number := strings.TrimSpace(value)
	voice := strings.HasSuffix(number, ";")
	number = strings.TrimSpace(strings.TrimSuffix(number, ";"))
	if number != "" && (number[0] == 'T' || number[0] == 'P' || number[0] == 't' || number[0] == 'p') {
		number = strings.TrimSpace(number[1:])
	}
	if number == "" || !voice {
		// data calls are not supported
		return RetCodeNoCarrier
	}
	if m.failing[number] {
		return RetCodeError
	}
	m.metrics.Dialed = append(m.metrics.Dialed, number)
	m.number = number
	m.setStatus(StatusDialing)
	go m.processDialing(m.stCtx, number)
	return RetCodeOk
}

func (m *Modem) hangup() RetCode {
	if m.st == StatusActive || m.st == StatusDialing || m.st == StatusRinging {
		m.setStatus(StatusIdle)
	}
	return RetCodeOk
}

func (m *Modem) processCommand(cmd Command) RetCode {
	if m.commandHook != nil {
		if r := m.commandHook(m, cmd); r != RetCodeSkip {
			return r
		}
	}
	switch cmd.Name {
	case "E":
		switch cmd.Num {
		case "", "0":
			m.echo = false
		case "1":
			m.echo = true
		default:
			return RetCodeError
		}
	case "V":
		switch cmd.Num {
		case "", "0":
			m.shortForm = true
		case "1":
			m.shortForm = false
		default:
			return RetCodeError
		}
	case "Q":
		switch cmd.Num {
		case "", "0":
			m.quietMode = false
		case "1":
			m.quietMode = true
		default:
			return RetCodeError
		}
	case "D":
		return m.dial(cmd.Value)
	case "A":
		switch m.st {
		case StatusIdle:
			return RetCodeNoCarrier
		case StatusRinging:
			m.setStatus(StatusActive)
		default:
			return RetCodeError
		}
	case "H", "+CHUP":
		return m.hangup()
	case "&F", "Z":
		m.echo = true
		m.shortForm = false
		m.quietMode = false
		m.settings = defaultSettings()
		return m.hangup()
	default:
		if cmd.Extended() {
			return m.extended(cmd)
		}
	}
	return RetCodeOk
}

// extended stores assignments and answers queries with the stored value.
func (m *Modem) extended(cmd Command) RetCode {
	switch {
	case cmd.Query && cmd.Assign:
		m.ttyWriteStr(fmt.Sprintf("\r\n%s: (0-1)\r\n", cmd.Name))
	case cmd.Query:
		v, ok := m.settings[cmd.Name]
		if !ok {
			v = "0"
		}
		m.ttyWriteStr(fmt.Sprintf("\r\n%s: %s\r\n", cmd.Name, v))
	case cmd.Assign:
		m.settings[cmd.Name] = cmd.Value
	}
	return RetCodeOk
}

func (m *Modem) processAtCommand(line string) RetCode {
	if m.st == StatusClosed {
		return RetCodeSilent
	}
	m.metrics.LastAtCmdTime = time.Now()
	m.log.Debugf("AT%s", line)
	cmds, err := ParseCommandLine(line)
	if err != nil {
		return RetCodeError
	}
	ret := RetCodeOk
	for _, c := range cmds {
		if ret = m.processCommand(c); ret != RetCodeOk {
			break
		}
	}
	return ret
}

// ProcessAtCommand runs the text following "AT" and returns the result
// code without printing it. The modem lock must be held.
func (m *Modem) ProcessAtCommand(line string) RetCode {
	m.checkLock()
	return m.processAtCommand(line)
}

// ProcessAtCommandSync is ProcessAtCommand with automatic lock management.
func (m *Modem) ProcessAtCommandSync(line string) RetCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(line)
}

func (m *Modem) ttyReadTask() {
	aFlag := false
	atFlag := false
	var buffer bytes.Buffer
	byteBuff := make([]byte, 1)
	lastCmd := ""

	m.Lock()
	for m.st != StatusClosed {
		m.Unlock()
		n, err := m.tty.Read(byteBuff)
		m.Lock()
		if m.st == StatusClosed {
			break
		}
		if err != nil || n == 0 {
			m.setStatus(StatusClosed)
			break
		}
		m.metrics.LastTtyRxTime = time.Now()
		m.metrics.TtyRxBytes += n
		b := byteBuff[0]

		if !atFlag {
			if m.echo {
				m.ttyWrite(byteBuff)
			}
			switch {
			case b == 'A' || b == 'a':
				aFlag = true
			case aFlag && b == '/':
				aFlag = false
				if m.echo {
					m.ttyWriteStr("\r")
				}
				m.printRetCode(m.processAtCommand(lastCmd))
			case aFlag && (b == 'T' || b == 't'):
				atFlag = true
				aFlag = false
			default:
				aFlag = false
			}
			continue
		}

		switch {
		case b == 0x7f:
			if buffer.Len() > 0 {
				buffer.Truncate(buffer.Len() - 1)
				if m.echo {
					m.ttyWriteStr("\x1b[D \x1b[D")
				}
			}
		case b == '\r':
			atFlag = false
			lastCmd = buffer.String()
			buffer.Reset()
			if m.echo {
				m.ttyWriteStr("\r")
			}
			m.printRetCode(m.processAtCommand(lastCmd))
		case buffer.Len() < 256 && strconv.IsPrint(rune(b)):
			buffer.WriteByte(b)
			if m.echo {
				m.ttyWrite(byteBuff)
			}
		}
	}
	m.Unlock()
}
