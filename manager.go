package modemmgr

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Termination reasons reported in call_ended notifications and call history.
const (
	ReasonLocalHangup    = "local hangup"
	ReasonCallStateDown  = "call state change (+CIEV: call,0)"
	ReasonNoCarrier      = "no carrier (remote disconnect)"
	ReasonBusy           = "busy signal"
	ReasonNoAnswer       = "no answer"
	ReasonTimeout        = "timeout"
	ReasonShutdown       = "shutdown"
	ReasonNotWhitelisted = "caller not whitelisted"
)

// Config contains the parameters of a Manager. Transport is required, the
// other fields have reasonable defaults.
type Config struct {
	// Transport is the AT command transport to the modem (required)
	Transport *Transport
	// Whitelist holds the callers whose calls are answered. A nil whitelist rejects every call.
	Whitelist *Whitelist
	// Audio is the audio bridge started on connected calls. Nil disables audio routing.
	Audio AudioBridge
	// NoIncomingAudio disables the audio bridge for incoming calls
	NoIncomingAudio bool
	// ConnectTimeout bounds the wait for an outgoing call to connect (default: 30s)
	ConnectTimeout time.Duration
	// PollTimeout is the per-read timeout of the dial worker (default: 500ms)
	PollTimeout time.Duration
	// CommandTimeout bounds single AT commands (default: DefaultCommandTimeout)
	CommandTimeout time.Duration
	// AnswerSettle is the pause after answering before the call is considered up (default: 1s)
	AnswerSettle time.Duration
	// MonitorReadTimeout is the per-read timeout of the serial monitor (default: 500ms)
	MonitorReadTimeout time.Duration
	// MonitorYield is how long the monitor backs off while a call is being placed (default: 100ms)
	MonitorYield time.Duration
	// MaxQueued caps deferred place_call requests (default: DefaultMaxQueued)
	MaxQueued int
	// CallSetupCommands are sent before dialing (default: CallSetupCommands). Use an empty slice to send none.
	CallSetupCommands []string
	// IncomingSetupCommands are sent when the monitor starts (default: IncomingSetupCommands)
	IncomingSetupCommands []string
	// CallerIDCharset is the modem character set of +CLIP numbers, "GSM" or "UCS2" (default: "GSM")
	CallerIDCharset string
	// Recorder receives every finished call. Optional.
	Recorder CallRecorder
	// StatusTransition is an optional callback for state change notifications
	StatusTransition StatusTransitionType
	// Logger is the log entry used by the manager and its monitor
	Logger *logrus.Entry
}

// Manager is the single authority over the modem call state. It is safe for
// concurrent use. The state lock is never held across a modem round trip.
type Manager struct {
	mu      sync.Mutex
	st      ModemState
	call    *CallInfo
	pending map[string]*CommandRequest

	at               *Transport
	whitelist        *Whitelist
	audio            AudioBridge
	incomingAudio    bool
	connectTimeout   time.Duration
	pollTimeout      time.Duration
	commandTimeout   time.Duration
	answerSettle     time.Duration
	monitorTimeout   time.Duration
	monitorYield     time.Duration
	callSetup        []string
	incomingSetup    []string
	ucs2CallerID     bool
	recorder         CallRecorder
	statusTransition StatusTransitionType

	queue   *CommandQueue
	drainMu sync.Mutex

	hooksMu       sync.RWMutex
	incomingHooks []IncomingCallHook
	endedHooks    []CallEndedHook
	dtmfHooks     []DTMFHook

	done     chan struct{}
	doneOnce sync.Once
	log      *logrus.Entry
}

// NewManager creates a Manager in the IDLE state.
//
// Returns ErrConfigRequired if config is nil or has no Transport.
func NewManager(config *Config) (*Manager, error) {
	if config == nil || config.Transport == nil {
		return nil, ErrConfigRequired
	}
	m := &Manager{
		st:               StateIdle,
		pending:          make(map[string]*CommandRequest),
		at:               config.Transport,
		whitelist:        config.Whitelist,
		audio:            config.Audio,
		incomingAudio:    !config.NoIncomingAudio,
		connectTimeout:   config.ConnectTimeout,
		pollTimeout:      config.PollTimeout,
		commandTimeout:   config.CommandTimeout,
		answerSettle:     config.AnswerSettle,
		monitorTimeout:   config.MonitorReadTimeout,
		monitorYield:     config.MonitorYield,
		callSetup:        config.CallSetupCommands,
		incomingSetup:    config.IncomingSetupCommands,
		ucs2CallerID:     strings.EqualFold(config.CallerIDCharset, "UCS2"),
		recorder:         config.Recorder,
		statusTransition: config.StatusTransition,
		queue:            NewCommandQueue(config.MaxQueued),
		done:             make(chan struct{}),
		log:              config.Logger,
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = 30 * time.Second
	}
	if m.pollTimeout <= 0 {
		m.pollTimeout = 500 * time.Millisecond
	}
	if m.commandTimeout <= 0 {
		m.commandTimeout = DefaultCommandTimeout
	}
	if m.answerSettle <= 0 {
		m.answerSettle = time.Second
	}
	if m.monitorTimeout <= 0 {
		m.monitorTimeout = 500 * time.Millisecond
	}
	if m.monitorYield <= 0 {
		m.monitorYield = 100 * time.Millisecond
	}
	if m.callSetup == nil {
		m.callSetup = CallSetupCommands
	}
	if m.incomingSetup == nil {
		m.incomingSetup = IncomingSetupCommands
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger()).WithField("name", "manager")
	}
	return m, nil
}

func (m *Manager) checkLock() {
	if m.mu.TryLock() {
		panic("Manager lock not held")
	}
}

func validTransition(prev, next ModemState) bool {
	switch next {
	case StatePlacingCall, StateAnsweringCall:
		return prev == StateIdle
	case StateCallActive:
		return prev == StatePlacingCall || prev == StateAnsweringCall
	case StateCallEnding:
		return prev == StatePlacingCall || prev == StateAnsweringCall || prev == StateCallActive
	case StateIdle:
		return prev == StateCallEnding || prev == StateAnsweringCall
	}
	return false
}

func (m *Manager) setState(next ModemState) {
	m.checkLock()
	prev := m.st
	if prev == next {
		return
	}
	if !validTransition(prev, next) {
		panic(fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, prev, next))
	}
	m.st = next
	m.log.Infof("State transition: %s -> %s", prev, next)
	if m.statusTransition != nil {
		m.statusTransition(m, prev, next)
	}
}

// State returns the current state.
func (m *Manager) State() ModemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Call returns a copy of the current call, if any.
func (m *Manager) Call() (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return CallInfo{}, false
	}
	return *m.call, true
}

// QueueLen returns the number of deferred place_call requests.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// OnIncomingCall registers a hook run after an incoming call became active.
func (m *Manager) OnIncomingCall(h IncomingCallHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.incomingHooks = append(m.incomingHooks, h)
}

// OnCallEnded registers a hook run after every call teardown.
func (m *Manager) OnCallEnded(h CallEndedHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.endedHooks = append(m.endedHooks, h)
}

// OnDTMF registers a hook run for DTMF digits received during an active call.
func (m *Manager) OnDTMF(h DTMFHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.dtmfHooks = append(m.dtmfHooks, h)
}

// Shutdown stops the monitor and any dial worker. It is idempotent.
func (m *Manager) Shutdown() {
	m.doneOnce.Do(func() {
		m.log.Info("Shutdown requested")
		close(m.done)
	})
}

// Done is closed by Shutdown.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) shuttingDown() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// PlaceCall starts an outgoing call. From IDLE it answers pending and the
// final outcome is delivered to req.Origin. In any other state the request is
// queued without its origin and an error is returned.
func (m *Manager) PlaceCall(req *CommandRequest) *Response {
	req.Params.Number = strings.TrimSpace(req.Params.Number)
	if req.Params.Number == "" {
		return Failure(req.RequestID, "Missing required parameter: number", nil)
	}
	if resp, ok := m.startCall(req); ok {
		return resp
	}

	queued := *req
	queued.Origin = nil
	st := m.State()
	if err := m.queue.Push(&queued); err != nil {
		m.log.Warnf("Modem busy (state: %s), dropping place_call %s: %v", st, req.RequestID, err)
		return Failure(req.RequestID, fmt.Sprintf("Modem busy in %s state - call queue full", st), nil)
	}
	m.log.Infof("Modem busy (state: %s), queued place_call request %s", st, req.RequestID)
	if m.State() == StateIdle {
		// The call we were waiting for finished before the push.
		go m.drainQueue()
	}
	return Failure(req.RequestID, fmt.Sprintf("Modem busy in %s state - call queued", st), nil)
}

// startCall moves IDLE to PLACING_CALL and launches the dial worker. It
// reports false without side effects when the modem is not idle.
func (m *Manager) startCall(req *CommandRequest) (*Response, bool) {
	m.mu.Lock()
	if m.st != StateIdle {
		m.mu.Unlock()
		return nil, false
	}
	token := uuid.NewString()
	m.setState(StatePlacingCall)
	m.call = &CallInfo{
		Number:    req.Params.Number,
		Direction: DirectionOutgoing,
		StartTime: time.Now(),
		RequestID: req.RequestID,
		token:     token,
	}
	m.pending[token] = req
	m.mu.Unlock()

	m.log.Infof("Placing call to %s", req.Params.Number)
	go m.dialWorker(req, token)
	return Pending(req.RequestID, fmt.Sprintf("Placing call to %s", req.Params.Number)), true
}

func (m *Manager) ownsLocked(token string) bool {
	m.checkLock()
	if m.call == nil || m.call.token != token {
		return false
	}
	return m.st == StatePlacingCall || m.st == StateCallActive
}

// cancelled reports whether the call identified by token was superseded.
func (m *Manager) cancelled(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ownsLocked(token)
}

func (m *Manager) dialWorker(req *CommandRequest, token string) {
	number := req.Params.Number
	log := m.log.WithFields(logrus.Fields{"number": number, "request_id": req.RequestID})
	log.Info("Dial worker started")

	m.configure(m.callSetup)
	// Ownership is checked under the device lock so a hangup cannot slip
	// in between the check and the dial.
	reply, sent, err := m.at.SendIf("ATD"+number+";", m.commandTimeout, func() bool {
		return !m.cancelled(token)
	})
	if !sent {
		log.Info("Dial worker cancelled before dialing")
		return
	}
	if err != nil && !errors.Is(err, ErrTimeout) {
		log.WithError(err).Error("Dial command failed")
		m.endCall(token, "error: "+err.Error())
		return
	}
	if reply.Failed() {
		log.Errorf("Dial command failed: %s", reply.Text())
		m.endCall(token, "error: "+reply.Final)
		return
	}

	backlog := reply.Body()
	deadline := time.Now().Add(m.connectTimeout)
	for {
		if m.cancelled(token) {
			log.Info("Dial worker superseded during call setup")
			return
		}
		if m.shuttingDown() {
			m.endCall(token, ReasonShutdown)
			return
		}
		var line string
		if len(backlog) > 0 {
			line, backlog = backlog[0], backlog[1:]
		} else {
			if time.Now().After(deadline) {
				log.Warnf("Call connection timeout after %s", m.connectTimeout)
				m.endCall(token, ReasonTimeout)
				return
			}
			line, err = m.at.ReadLine(m.pollTimeout)
			if err != nil {
				log.WithError(err).Error("Read failed during call setup")
				m.endCall(token, "error: "+err.Error())
				return
			}
			if line == "" {
				continue
			}
		}
		log.Infof("Call response: %s", line)
		switch {
		case strings.Contains(line, "+CIEV: call,1"):
			m.connect(req, token)
			return
		case IsErrorLine(line) || strings.Contains(line, "ERROR"):
			m.endCall(token, "error: "+line)
			return
		default:
			if reason := terminationReason(line); reason != "" {
				m.endCall(token, reason)
				return
			}
		}
	}
}

// connect completes an outgoing call. From here on call termination is
// picked up by the monitor.
func (m *Manager) connect(req *CommandRequest, token string) {
	requested := !req.Params.NoAudioRouting
	audioOK := true
	var handles *AudioHandles
	if requested {
		handles, audioOK = m.startAudio()
	}

	m.mu.Lock()
	if !m.ownsLocked(token) || m.st != StatePlacingCall {
		m.mu.Unlock()
		if handles != nil {
			m.stopAudio(*handles)
		}
		m.log.Info("Call connected after being superseded, ignoring")
		return
	}
	m.call.Connected = true
	m.call.ConnectedAt = time.Now()
	m.call.Audio = handles
	m.setState(StateCallActive)
	origin := m.pending[token]
	delete(m.pending, token)
	number := m.call.Number
	m.mu.Unlock()

	msg := "Call connected successfully"
	if requested && !audioOK {
		msg += " (audio routing failed)"
	}
	m.log.Info(msg)
	m.respond(origin, Success(req.RequestID, msg, CallData{
		CallConnected:         true,
		Number:                number,
		AudioRouting:          boolPtr(audioOK),
		AudioRoutingRequested: boolPtr(requested),
	}))
}

// endCall tears down the call identified by token: CALL_ENDING, audio stop,
// AT+CHUP, IDLE. A still pending place_call is answered with an
// error. It reports false if token no longer owns the call.
func (m *Manager) endCall(token, reason string) bool {
	m.mu.Lock()
	if !m.ownsLocked(token) {
		m.mu.Unlock()
		return false
	}
	call := *m.call
	m.setState(StateCallEnding)
	m.mu.Unlock()

	m.log.Infof("Ending call with %s (reason: %s)", call.Number, reason)
	if call.Audio != nil {
		m.stopAudio(*call.Audio)
	}
	m.hangupModem()

	m.mu.Lock()
	m.setState(StateIdle)
	m.call = nil
	origin := m.pending[token]
	delete(m.pending, token)
	m.mu.Unlock()

	if origin != nil {
		msg := "Call failed: " + reason
		if reason == ReasonTimeout {
			msg = "Call failed or timed out"
		}
		m.respond(origin, Failure(origin.RequestID, msg, CallData{CallConnected: false}))
	}

	outcome := OutcomeFailed
	if call.Connected {
		outcome = OutcomeCompleted
	}
	m.record(summarize(call, outcome, reason, time.Now()))

	m.hooksMu.RLock()
	hooks := append([]CallEndedHook(nil), m.endedHooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(call, reason)
	}

	m.drainQueue()
	return true
}

func (m *Manager) currentToken() (string, ModemState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil || (m.st != StateCallActive && m.st != StatePlacingCall) {
		return "", m.st
	}
	return m.call.token, m.st
}

// Hangup ends the current call. It fails unless a call is active or being placed.
func (m *Manager) Hangup(requestID string) *Response {
	token, st := m.currentToken()
	if token == "" || !m.endCall(token, ReasonLocalHangup) {
		if token != "" {
			st = m.State()
		}
		return Failure(requestID, fmt.Sprintf("No active call to hang up (state: %s)", st), nil)
	}
	return Success(requestID, "Call terminated", nil)
}

// HandleCallEnded tears down the current call after the modem reported its
// end. It is ignored unless a call is active or being placed.
func (m *Manager) HandleCallEnded(reason string) bool {
	token, st := m.currentToken()
	if token == "" {
		m.log.Debugf("Ignoring call termination (%s) in state %s", reason, st)
		return false
	}
	return m.endCall(token, reason)
}

// HandleDTMF dispatches a DTMF digit to the registered hooks during an active call.
func (m *Manager) HandleDTMF(digit string) bool {
	if st := m.State(); st != StateCallActive {
		m.log.Debugf("Ignoring DTMF %s in state %s", digit, st)
		return false
	}
	m.log.Infof("DTMF digit received: %s", digit)
	m.hooksMu.RLock()
	hooks := append([]DTMFHook(nil), m.dtmfHooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(digit)
	}
	return true
}

// HandleIncomingCall answers a call from caller if the modem is idle and the
// caller is whitelisted. Any other incoming call is hung up.
func (m *Manager) HandleIncomingCall(caller string) {
	m.mu.Lock()
	if m.st != StateIdle {
		st := m.st
		m.mu.Unlock()
		m.log.Warnf("Incoming call from %s rejected - modem busy (state: %s)", caller, st)
		m.hangupModem()
		return
	}
	m.setState(StateAnsweringCall)
	m.call = &CallInfo{
		Number:    caller,
		Direction: DirectionIncoming,
		StartTime: time.Now(),
		token:     uuid.NewString(),
	}
	call := *m.call
	m.mu.Unlock()

	m.log.Infof("Incoming call from %s", caller)
	if !m.whitelist.Allowed(caller) {
		m.log.Warnf("Number %s not in whitelist (%d entries), rejecting call", caller, m.whitelist.Len())
		m.hangupModem()
		m.mu.Lock()
		m.call = nil
		m.setState(StateIdle)
		m.mu.Unlock()
		m.record(summarize(call, OutcomeRejected, ReasonNotWhitelisted, time.Now()))
		m.drainQueue()
		return
	}

	m.log.Infof("Number %s is whitelisted, answering call", caller)
	reply, err := m.at.Send(ATAnswer, m.commandTimeout)
	if err == nil && reply.Failed() {
		err = fmt.Errorf("answer rejected: %s", reply.Final)
	}
	if err != nil {
		m.log.WithError(err).Error("Failed to answer incoming call")
		m.abortAnswer(call, err.Error())
		return
	}

	select {
	case <-time.After(m.answerSettle):
	case <-m.done:
	}

	var handles *AudioHandles
	audioOK := true
	if m.incomingAudio {
		handles, audioOK = m.startAudio()
	}

	m.mu.Lock()
	m.call.Connected = true
	m.call.ConnectedAt = time.Now()
	m.call.Audio = handles
	m.setState(StateCallActive)
	call = *m.call
	m.mu.Unlock()

	msg := fmt.Sprintf("Incoming call from %s is now active", caller)
	if !audioOK {
		msg += " (audio routing failed)"
	}
	m.log.Info(msg)

	m.hooksMu.RLock()
	hooks := append([]IncomingCallHook(nil), m.incomingHooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(call)
	}
}

func (m *Manager) abortAnswer(call CallInfo, reason string) {
	m.mu.Lock()
	m.setState(StateCallEnding)
	m.mu.Unlock()
	m.hangupModem()
	m.mu.Lock()
	m.call = nil
	m.setState(StateIdle)
	m.mu.Unlock()
	m.record(summarize(call, OutcomeFailed, reason, time.Now()))
	m.drainQueue()
}

// Snapshot returns the current status without touching the modem.
func (m *Manager) Snapshot() StatusData {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := StatusData{
		State:       m.st,
		CallActive:  m.st == StateCallActive,
		QueuedCalls: m.queue.Len(),
	}
	if c := m.call; c != nil {
		number, dir, start := c.Number, c.Direction, c.StartTime
		d.CurrentNumber = &number
		d.CallDirection = &dir
		d.CallConnected = c.Connected
		d.CallStartTime = &start
		if c.Connected {
			secs := c.Duration(time.Now()).Seconds()
			d.CallDuration = &secs
		}
	}
	return d
}

// Status answers a status request.
func (m *Manager) Status(requestID string) *Response {
	return Success(requestID, "Status retrieved", m.Snapshot())
}

// drainQueue replays deferred place_call requests in FIFO order while the
// modem is idle. It stops as soon as one of them starts a call.
func (m *Manager) drainQueue() {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	for !m.shuttingDown() {
		req, ok := m.queue.Pop()
		if !ok {
			return
		}
		m.log.Infof("Processing queued command: %s %s", req.Command, req.RequestID)
		resp, started := m.startCall(req)
		if !started {
			m.queue.PushFront(req)
			return
		}
		m.log.Infof("Queued request %s: %s", req.RequestID, resp.Message)
		return
	}
}

func (m *Manager) respond(req *CommandRequest, resp *Response) {
	if req == nil || req.Origin == nil {
		m.log.Infof("No client for response to %s: %s %s", resp.RequestID, resp.Status, resp.Message)
		return
	}
	if err := req.Origin.Respond(resp); err != nil {
		m.log.WithError(err).Warnf("Failed to deliver response to %s", resp.RequestID)
	}
}

func (m *Manager) record(s CallSummary) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordCall(s); err != nil {
		m.log.WithError(err).Warn("Failed to record call")
	}
}

func (m *Manager) configure(cmds []string) {
	for _, cmd := range cmds {
		if m.shuttingDown() {
			return
		}
		reply, err := m.at.Send(cmd, m.commandTimeout)
		switch {
		case err != nil:
			m.log.WithError(err).Warnf("Setup command %s failed", cmd)
		case reply.Failed():
			m.log.Warnf("Setup command %s rejected: %s", cmd, reply.Final)
		default:
			m.log.Debugf("Response to %s: %s", cmd, reply.Text())
		}
	}
}

func (m *Manager) hangupModem() {
	reply, err := m.at.Send(ATHangup, m.commandTimeout)
	if err != nil {
		m.log.WithError(err).Warn("Hangup command failed")
		return
	}
	if reply.Failed() {
		m.log.Warnf("Hangup command rejected: %s", reply.Final)
	}
}

func (m *Manager) startAudio() (*AudioHandles, bool) {
	if m.audio == nil {
		m.log.Warn("No audio bridge configured, call will proceed without audio routing")
		return nil, false
	}
	h, err := m.audio.Start()
	if err != nil {
		m.log.WithError(err).Warn("Audio routing failed, call will proceed without audio bridge")
		return nil, false
	}
	m.log.Infof("Audio bridge started: %s, %s", h.A, h.B)
	return &h, true
}

func (m *Manager) stopAudio(h AudioHandles) {
	if m.audio == nil {
		return
	}
	if err := m.audio.Stop(h); err != nil {
		m.log.WithError(err).Warn("Failed to stop audio bridge")
		return
	}
	m.log.Info("Audio bridge terminated")
}
