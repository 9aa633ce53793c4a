package modemmgr

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestModemState_String(t *testing.T) {
	tests := []struct {
		state    ModemState
		expected string
	}{
		{StateIdle, "IDLE"},
		{StatePlacingCall, "PLACING_CALL"},
		{StateAnsweringCall, "ANSWERING_CALL"},
		{StateCallActive, "CALL_ACTIVE"},
		{StateCallEnding, "CALL_ENDING"},
		{ModemState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestModemState_UnmarshalText(t *testing.T) {
	var s ModemState
	if err := s.UnmarshalText([]byte("CALL_ACTIVE")); err != nil || s != StateCallActive {
		t.Errorf("UnmarshalText(CALL_ACTIVE) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("UNKNOWN")); err == nil {
		t.Error("UnmarshalText(UNKNOWN) succeeded")
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		prev, next ModemState
		valid      bool
	}{
		{StateIdle, StatePlacingCall, true},
		{StateIdle, StateAnsweringCall, true},
		{StateIdle, StateCallActive, false},
		{StateIdle, StateCallEnding, false},
		{StatePlacingCall, StateCallActive, true},
		{StatePlacingCall, StateCallEnding, true},
		{StatePlacingCall, StateIdle, false},
		{StateAnsweringCall, StateCallActive, true},
		{StateAnsweringCall, StateIdle, true},
		{StateCallActive, StateCallEnding, true},
		{StateCallActive, StateIdle, false},
		{StateCallActive, StatePlacingCall, false},
		{StateCallEnding, StateIdle, true},
		{StateCallEnding, StateCallActive, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.prev, tt.next); got != tt.valid {
			t.Errorf("validTransition(%s, %s) = %v, want %v", tt.prev, tt.next, got, tt.valid)
		}
	}
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(nil); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewManager(nil) error = %v, want ErrConfigRequired", err)
	}
	if _, err := NewManager(&Config{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("NewManager(no transport) error = %v, want ErrConfigRequired", err)
	}
	at, _ := NewTransport(newMockDevice(), nil)
	m, err := NewManager(&Config{Transport: at})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("initial state = %s, want IDLE", m.State())
	}
	if m.connectTimeout != 30*time.Second {
		t.Errorf("connectTimeout = %v, want 30s", m.connectTimeout)
	}
	if len(m.callSetup) != len(CallSetupCommands) || len(m.incomingSetup) != len(IncomingSetupCommands) {
		t.Error("setup sequences should default to the Telit sequences")
	}
}

// placeConnected drives an outgoing call to CALL_ACTIVE.
func placeConnected(t *testing.T, env *testEnv, number string) *recordingResponder {
	t.Helper()
	origin := &recordingResponder{}
	resp := env.manager.PlaceCall(&CommandRequest{
		Command:   CmdPlaceCall,
		Params:    Params{Number: number},
		RequestID: "req-" + number,
		Origin:    origin,
	})
	if resp.Status != StatusPending {
		t.Fatalf("PlaceCall() status = %s (%s), want pending", resp.Status, resp.Message)
	}
	waitFor(t, "dial of "+number, func() bool { return env.dev.count("ATD"+number+";") > 0 })
	waitFor(t, "dial reply consumed", func() bool { return len(env.dev.input) == 0 })
	env.dev.feed("+CIEV: call,1")
	waitFor(t, "async response", func() bool { return len(origin.responses()) == 1 })
	env.waitState(t, StateCallActive)
	return origin
}

func TestManager_PlaceCallConnects(t *testing.T) {
	env := newTestEnv(t, nil)
	origin := placeConnected(t, env, "+15551234")

	resp := origin.responses()[0]
	if resp.Status != StatusSuccess || resp.RequestID != "req-+15551234" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Message != "Call connected successfully" {
		t.Errorf("message = %q", resp.Message)
	}
	data, ok := resp.Data.(CallData)
	if !ok {
		t.Fatalf("data = %T, want CallData", resp.Data)
	}
	if !data.CallConnected || data.Number != "+15551234" || !*data.AudioRouting || !*data.AudioRoutingRequested {
		t.Errorf("data = %+v", data)
	}

	st := env.manager.Snapshot()
	if st.State != StateCallActive || !st.CallActive || !st.CallConnected {
		t.Errorf("snapshot = %+v", st)
	}
	if st.CurrentNumber == nil || *st.CurrentNumber != "+15551234" {
		t.Errorf("current number = %v", st.CurrentNumber)
	}
	if st.CallDirection == nil || *st.CallDirection != DirectionOutgoing {
		t.Errorf("direction = %v", st.CallDirection)
	}
	if st.CallDuration == nil || st.CallStartTime == nil {
		t.Error("connected call should report duration and start time")
	}
	if starts, _ := env.audio.counts(); starts != 1 {
		t.Errorf("audio starts = %d, want 1", starts)
	}
}

func TestManager_PlaceCallBusyQueues(t *testing.T) {
	env := newTestEnv(t, nil)
	placeConnected(t, env, "+15551234")

	resp := env.manager.PlaceCall(&CommandRequest{
		Command:   CmdPlaceCall,
		Params:    Params{Number: "+15559999"},
		RequestID: "second",
		Origin:    &recordingResponder{},
	})
	if resp.Status != StatusError {
		t.Fatalf("status = %s, want error", resp.Status)
	}
	if !strings.Contains(resp.Message, "busy") || !strings.Contains(resp.Message, "queued") {
		t.Errorf("message = %q, want busy/queued", resp.Message)
	}
	if env.manager.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", env.manager.QueueLen())
	}
	queued, _ := env.manager.queue.Pop()
	if queued.Params.Number != "+15559999" || queued.Origin != nil {
		t.Errorf("queued = %+v, want number unchanged and no origin", queued)
	}
	if env.dev.countPrefix("ATD") != 1 {
		t.Errorf("dial commands = %d, want 1", env.dev.countPrefix("ATD"))
	}
}

func TestManager_PlaceCallValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.manager.PlaceCall(&CommandRequest{Command: CmdPlaceCall, RequestID: "r1"})
	if resp.Status != StatusError || resp.Message != "Missing required parameter: number" {
		t.Errorf("response = %+v", resp)
	}
	if env.manager.State() != StateIdle || env.manager.QueueLen() != 0 {
		t.Error("invalid request must not change state or queue")
	}
}

func TestManager_QueueFull(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxQueued = 1 })
	placeConnected(t, env, "+15551234")

	first := env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+1"}, RequestID: "a"})
	second := env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+2"}, RequestID: "b"})
	if !strings.Contains(first.Message, "queued") {
		t.Errorf("first = %q", first.Message)
	}
	if second.Status != StatusError || !strings.Contains(second.Message, "queue full") {
		t.Errorf("second = %+v", second)
	}
	if env.manager.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", env.manager.QueueLen())
	}
}

func TestManager_QueueDrainsFIFO(t *testing.T) {
	env := newTestEnv(t, nil)
	placeConnected(t, env, "+15551234")

	for _, n := range []string{"+15550001", "+15550002"} {
		env.manager.PlaceCall(&CommandRequest{Command: CmdPlaceCall, Params: Params{Number: n}, RequestID: n})
	}
	if resp := env.manager.Hangup("h1"); resp.Status != StatusSuccess {
		t.Fatalf("Hangup() = %+v", resp)
	}
	waitFor(t, "first queued dial", func() bool { return env.dev.count("ATD+15550001;") == 1 })
	if env.dev.count("ATD+15550002;") != 0 {
		t.Fatal("second queued call dialed while first in progress")
	}
	if !env.manager.HandleCallEnded(ReasonNoCarrier) {
		t.Fatal("HandleCallEnded() = false")
	}
	waitFor(t, "second queued dial", func() bool { return env.dev.count("ATD+15550002;") == 1 })

	var dials []string
	for _, w := range env.dev.written() {
		if strings.HasPrefix(w, "ATD") {
			dials = append(dials, w)
		}
	}
	want := []string{"ATD+15551234;", "ATD+15550001;", "ATD+15550002;"}
	if strings.Join(dials, ",") != strings.Join(want, ",") {
		t.Errorf("dials = %v, want %v", dials, want)
	}
}

func TestManager_SupersededWorkerAbortsSilently(t *testing.T) {
	env := newTestEnv(t, nil)
	first := &recordingResponder{}
	env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+15550001"}, RequestID: "first", Origin: first})
	waitFor(t, "first dial", func() bool { return env.dev.count("ATD+15550001;") == 1 })

	if resp := env.manager.Hangup("h"); resp.Status != StatusSuccess {
		t.Fatalf("Hangup() = %+v", resp)
	}
	second := &recordingResponder{}
	resp := env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+15550002"}, RequestID: "second", Origin: second})
	if resp.Status != StatusPending {
		t.Fatalf("second PlaceCall() = %+v", resp)
	}
	waitFor(t, "second dial", func() bool { return env.dev.count("ATD+15550002;") == 1 })
	time.Sleep(100 * time.Millisecond)
	env.dev.feed("+CIEV: call,1")
	waitFor(t, "second connect", func() bool { return len(second.responses()) == 1 })

	if got := second.responses()[0]; got.Status != StatusSuccess {
		t.Errorf("second response = %+v", got)
	}
	// The first request only ever sees the teardown caused by the hangup.
	got := first.responses()
	if len(got) != 1 || got[0].Status != StatusError {
		t.Errorf("first responses = %+v", got)
	}
	call, ok := env.manager.Call()
	if !ok || call.Number != "+15550002" || env.manager.State() != StateCallActive {
		t.Errorf("call = %+v, state = %s", call, env.manager.State())
	}
	if env.dev.countPrefix("ATD") != 2 {
		t.Errorf("dial commands = %d, want 2", env.dev.countPrefix("ATD"))
	}
}

func TestManager_DialFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   []string
		feed    string
		message string
		reason  string
	}{
		{"dial error", []string{"ERROR"}, "", "Call failed: error: ERROR", "error: ERROR"},
		{"cme error", []string{"+CME ERROR: no network service"}, "", "Call failed: error: +CME ERROR: no network service", "error: +CME ERROR: no network service"},
		{"busy", []string{"OK"}, "BUSY", "Call failed: busy signal", ReasonBusy},
		{"no carrier", []string{"OK"}, "NO CARRIER", "Call failed: no carrier (remote disconnect)", ReasonNoCarrier},
		{"setup torn down", []string{"OK"}, "+CIEV: call,0", "Call failed: call state change (+CIEV: call,0)", ReasonCallStateDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.dev.reply("ATD+15551234;", tt.reply...)
			var mu sync.Mutex
			var reasons []string
			env.manager.OnCallEnded(func(_ CallInfo, reason string) {
				mu.Lock()
				defer mu.Unlock()
				reasons = append(reasons, reason)
			})

			origin := &recordingResponder{}
			env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+15551234"}, RequestID: "r", Origin: origin})
			if tt.feed != "" {
				waitFor(t, "dial", func() bool { return env.dev.count("ATD+15551234;") == 1 })
				waitFor(t, "dial reply consumed", func() bool { return len(env.dev.input) == 0 })
				env.dev.feed(tt.feed)
			}
			waitFor(t, "failure response", func() bool { return len(origin.responses()) == 1 })
			env.waitState(t, StateIdle)

			resp := origin.responses()[0]
			if resp.Status != StatusError || resp.Message != tt.message {
				t.Errorf("response = %+v, want message %q", resp, tt.message)
			}
			if data, ok := resp.Data.(CallData); !ok || data.CallConnected {
				t.Errorf("data = %+v", resp.Data)
			}
			if env.dev.count(ATHangup) != 1 {
				t.Errorf("hangups = %d, want 1", env.dev.count(ATHangup))
			}
			mu.Lock()
			defer mu.Unlock()
			if len(reasons) != 1 || reasons[0] != tt.reason {
				t.Errorf("call ended reasons = %v, want [%s]", reasons, tt.reason)
			}
			calls := env.recorder.recorded()
			if len(calls) != 1 || calls[0].Outcome != OutcomeFailed {
				t.Errorf("recorded = %+v", calls)
			}
			if starts, _ := env.audio.counts(); starts != 0 {
				t.Errorf("audio started for a failed call")
			}
		})
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })
	origin := &recordingResponder{}
	env.manager.PlaceCall(&CommandRequest{Params: Params{Number: "+15551234"}, RequestID: "r", Origin: origin})
	waitFor(t, "timeout response", func() bool { return len(origin.responses()) == 1 })
	if got := origin.responses()[0]; got.Message != "Call failed or timed out" {
		t.Errorf("message = %q", got.Message)
	}
	env.waitState(t, StateIdle)
}

func TestManager_AudioRouting(t *testing.T) {
	t.Run("bridge failure degrades the call", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.audio.startErr = errors.New("no LE910C source")
		origin := placeConnected(t, env, "+15551234")
		resp := origin.responses()[0]
		if resp.Status != StatusSuccess || resp.Message != "Call connected successfully (audio routing failed)" {
			t.Errorf("response = %+v", resp)
		}
		if data := resp.Data.(CallData); *data.AudioRouting {
			t.Error("audio_routing should be false")
		}
	})
	t.Run("routing not requested", func(t *testing.T) {
		env := newTestEnv(t, nil)
		origin := &recordingResponder{}
		env.manager.PlaceCall(&CommandRequest{
			Params:    Params{Number: "+15551234", NoAudioRouting: true},
			RequestID: "r",
			Origin:    origin,
		})
		waitFor(t, "dial", func() bool { return env.dev.count("ATD+15551234;") == 1 })
		waitFor(t, "dial reply consumed", func() bool { return len(env.dev.input) == 0 })
		env.dev.feed("+CIEV: call,1")
		waitFor(t, "response", func() bool { return len(origin.responses()) == 1 })
		data := origin.responses()[0].Data.(CallData)
		if *data.AudioRoutingRequested || !*data.AudioRouting {
			t.Errorf("data = %+v", data)
		}
		if starts, _ := env.audio.counts(); starts != 0 {
			t.Errorf("audio starts = %d, want 0", starts)
		}
	})
}

func TestManager_Hangup(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.manager.Hangup("idle")
	if resp.Status != StatusError || resp.Message != "No active call to hang up (state: IDLE)" {
		t.Errorf("Hangup() while idle = %+v", resp)
	}

	placeConnected(t, env, "+15551234")
	var ended []string
	env.manager.OnCallEnded(func(_ CallInfo, reason string) { ended = append(ended, reason) })
	resp = env.manager.Hangup("h")
	if resp.Status != StatusSuccess || resp.Message != "Call terminated" {
		t.Fatalf("Hangup() = %+v", resp)
	}
	if env.manager.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", env.manager.State())
	}
	if _, ok := env.manager.Call(); ok {
		t.Error("call info not cleared")
	}
	if _, stops := env.audio.counts(); stops != 1 {
		t.Errorf("audio stops = %d, want 1", stops)
	}
	if env.dev.count(ATHangup) != 1 {
		t.Errorf("hangups = %d, want 1", env.dev.count(ATHangup))
	}
	if len(ended) != 1 || ended[0] != ReasonLocalHangup {
		t.Errorf("ended = %v", ended)
	}
	calls := env.recorder.recorded()
	if len(calls) != 1 || calls[0].Outcome != OutcomeCompleted || calls[0].ConnectedAt == nil {
		t.Errorf("recorded = %+v", calls)
	}
}

func TestManager_IncomingWhitelisted(t *testing.T) {
	env := newTestEnv(t, nil)
	var transitions []string
	var mu sync.Mutex
	env.manager.statusTransition = func(_ *Manager, prev, next ModemState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, prev.String()+">"+next.String())
	}
	var incoming []CallInfo
	env.manager.OnIncomingCall(func(c CallInfo) { incoming = append(incoming, c) })

	env.manager.HandleIncomingCall("+19725551234")

	if env.dev.count(ATAnswer) != 1 {
		t.Errorf("answers = %d, want 1", env.dev.count(ATAnswer))
	}
	st := env.manager.Snapshot()
	if st.State != StateCallActive || st.CallDirection == nil || *st.CallDirection != DirectionIncoming {
		t.Errorf("snapshot = %+v", st)
	}
	mu.Lock()
	if strings.Join(transitions, ",") != "IDLE>ANSWERING_CALL,ANSWERING_CALL>CALL_ACTIVE" {
		t.Errorf("transitions = %v", transitions)
	}
	mu.Unlock()
	if len(incoming) != 1 || incoming[0].Number != "+19725551234" || incoming[0].Audio == nil {
		t.Errorf("incoming hooks = %+v", incoming)
	}
}

func TestManager_IncomingNormalizedWhitelistEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.HandleIncomingCall("+19725550000")
	if env.manager.State() != StateCallActive {
		t.Errorf("state = %s, want CALL_ACTIVE", env.manager.State())
	}
}

func TestManager_IncomingRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.HandleIncomingCall("+19999999999")

	if env.dev.count(ATHangup) != 1 || env.dev.count(ATAnswer) != 0 {
		t.Errorf("written = %v", env.dev.written())
	}
	if env.manager.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", env.manager.State())
	}
	calls := env.recorder.recorded()
	if len(calls) != 1 || calls[0].Outcome != OutcomeRejected || calls[0].Direction != DirectionIncoming {
		t.Errorf("recorded = %+v", calls)
	}
}

func TestManager_IncomingWhileBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	placeConnected(t, env, "+15551234")

	env.manager.HandleIncomingCall("+19725551234")
	if env.dev.count(ATHangup) != 1 || env.dev.count(ATAnswer) != 0 {
		t.Errorf("written = %v", env.dev.written())
	}
	call, _ := env.manager.Call()
	if call.Number != "+15551234" || env.manager.State() != StateCallActive {
		t.Errorf("active call changed: %+v", call)
	}
}

func TestManager_IncomingAudioDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NoIncomingAudio = true })
	env.manager.HandleIncomingCall("+19725551234")
	if starts, _ := env.audio.counts(); starts != 0 {
		t.Errorf("audio starts = %d, want 0", starts)
	}
}

func TestManager_AnswerFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dev.reply(ATAnswer, "NO CARRIER", "ERROR")
	env.manager.HandleIncomingCall("+19725551234")
	if env.manager.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", env.manager.State())
	}
	if env.dev.count(ATHangup) != 1 {
		t.Errorf("hangups = %d, want 1", env.dev.count(ATHangup))
	}
}

func TestManager_HandleCallEndedIgnoredWhenIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.manager.HandleCallEnded(ReasonNoCarrier) {
		t.Error("HandleCallEnded() while idle = true")
	}
	if len(env.dev.written()) != 0 {
		t.Errorf("written = %v, want nothing", env.dev.written())
	}
}

func TestManager_HandleDTMF(t *testing.T) {
	env := newTestEnv(t, nil)
	var digits []string
	env.manager.OnDTMF(func(d string) { digits = append(digits, d) })

	if env.manager.HandleDTMF("1") {
		t.Error("DTMF accepted while idle")
	}
	env.manager.HandleIncomingCall("+19725551234")
	if !env.manager.HandleDTMF("5") {
		t.Error("DTMF rejected while active")
	}
	if len(digits) != 1 || digits[0] != "5" {
		t.Errorf("digits = %v", digits)
	}
}

func TestManager_StatusIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.manager.Status("s")
	if resp.Status != StatusSuccess || resp.Message != "Status retrieved" {
		t.Fatalf("Status() = %+v", resp)
	}
	st := resp.Data.(StatusData)
	if st.State != StateIdle || st.CallActive || st.CurrentNumber != nil || st.CallDuration != nil {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.Shutdown()
	env.manager.Shutdown()
	select {
	case <-env.manager.Done():
	default:
		t.Fatal("Done() not closed")
	}
}

func TestManager_HangupDuringSetupSkipsDial(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.CallSetupCommands = []string{"AT#SLOW"} })
	// No answer: the setup command holds the device until its timeout.
	env.dev.reply("AT#SLOW")

	resp := env.manager.PlaceCall(&CommandRequest{Command: CmdPlaceCall, Params: Params{Number: "+15551234"}, RequestID: "p"})
	if resp.Status != StatusPending {
		t.Fatalf("PlaceCall() = %+v", resp)
	}
	waitFor(t, "setup command", func() bool { return env.dev.count("AT#SLOW") == 1 })
	if resp := env.manager.Hangup("h"); resp.Status != StatusSuccess {
		t.Fatalf("Hangup() = %+v", resp)
	}
	time.Sleep(100 * time.Millisecond)
	if n := env.dev.countPrefix("ATD"); n != 0 {
		t.Errorf("dial commands = %d after hangup, want 0 (written %q)", n, env.dev.written())
	}
	if env.manager.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", env.manager.State())
	}
}
