// Package modemmgr manages a cellular voice modem attached over a serial link.
// It owns the call state machine, watches the modem for unsolicited result
// codes and exposes call control to local clients over a line-delimited JSON
// TCP protocol.
//
// The core component is the Manager, a state machine with the following
// states: IDLE, PLACING_CALL, ANSWERING_CALL, CALL_ACTIVE and CALL_ENDING.
// At most one call is ever being set up or active; place_call requests that
// arrive while the modem is busy are queued and replayed once it is idle again.
//
// Example usage:
//
//	port, _ := serial.Open("/dev/ttyUSB2", &serial.Mode{BaudRate: 115200})
//	at, _ := modemmgr.NewTransport(port, nil)
//	m, err := modemmgr.NewManager(&modemmgr.Config{
//		Transport: at,
//		Whitelist: modemmgr.NewWhitelist("+15551234567"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go m.Monitor(ctx)
//	srv, _ := modemmgr.NewServer(m, nil)
//	log.Fatal(srv.ListenAndServe("0.0.0.0:5555"))
package modemmgr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrTimeout is returned when the modem does not complete a response in time
	ErrTimeout = errors.New("timeout waiting for modem response")
	// ErrQueueFull is returned when the deferred place_call queue is at capacity
	ErrQueueFull = errors.New("command queue full")
	// ErrServerClosed is returned by Server.Serve after Close
	ErrServerClosed = errors.New("server closed")
	// ErrInvalidStateTransition is raised (as a panic) on an illegal state change
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Modem commands used by the state machine.
const (
	ATAnswer = "ATA"
	ATHangup = "AT+CHUP"
)

// IncomingSetupCommands prepares the modem for incoming call detection,
// caller ID and DTMF reporting.
var IncomingSetupCommands = []string{
	"ATE1",
	"AT#DVI=0",
	"AT#DTMF=1",
	"AT+CLIP=1",
	"AT+CMEE=2",
	"AT#ADSPC=6",
	"AT#PCMRXG=1000",
	"AT#AUSBC=1",
	"AT+CMER=2,0,0,2",
	"AT+CIND=0,0,1,0,1,1,1,1,0,1,1",
}

// CallSetupCommands prepares the modem for an outgoing voice call.
var CallSetupCommands = []string{
	"ATE1",
	"AT#DVI=0",
	"AT#PCMRXG=1000",
	"AT#DIALMODE=1",
	"AT#DTMF=1",
	"AT+CLIP=1",
	"AT+CMEE=2",
	"AT#AUSBC=1",
	"AT+CEREG=2",
	"AT+CLVL=0",
	"AT+CMER=2,0,0,2",
	"AT#ADSPC=6",
	"AT+CIND=0,0,1,0,1,1,1,1,0,1,1",
}

// ModemState is the call state of the modem. Exactly one value is current per Manager.
type ModemState int

const (
	// StateIdle means no call exists and place_call may dial immediately
	StateIdle ModemState = iota
	// StatePlacingCall means a dial worker is setting up an outgoing call
	StatePlacingCall
	// StateAnsweringCall means a whitelisted incoming call is being answered
	StateAnsweringCall
	// StateCallActive means a call is connected
	StateCallActive
	// StateCallEnding means a call is being torn down
	StateCallEnding
)

// String returns the wire name of the state.
func (s ModemState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlacingCall:
		return "PLACING_CALL"
	case StateAnsweringCall:
		return "ANSWERING_CALL"
	case StateCallActive:
		return "CALL_ACTIVE"
	case StateCallEnding:
		return "CALL_ENDING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s ModemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ModemState) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateCallEnding; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown modem state %q", b)
}

// Direction tells who originated a call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// AudioHandles identifies a running audio bridge. Both halves are needed to stop it.
type AudioHandles struct {
	A string
	B string
}

// AudioBridge routes call audio between the modem and the local audio hardware.
type AudioBridge interface {
	Start() (AudioHandles, error)
	Stop(h AudioHandles) error
}

// CallInfo describes the current call.
type CallInfo struct {
	Number      string
	Direction   Direction
	StartTime   time.Time
	ConnectedAt time.Time
	Connected   bool
	// Audio is nil unless an audio bridge is running for the call.
	Audio *AudioHandles
	// RequestID is the request that created the call, empty for incoming calls.
	RequestID string
	// token identifies the call instance; a dial worker owns the call only
	// while the live call still carries its token.
	token string
}

// Duration returns the connected time of the call, zero if it never connected.
func (c *CallInfo) Duration(now time.Time) time.Duration {
	if !c.Connected || c.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ConnectedAt)
}

// Responder receives the asynchronous outcome of a request.
type Responder interface {
	Respond(resp *Response) error
}

// CommandRequest is a control command on its way to the Manager.
type CommandRequest struct {
	Command   string
	Params    Params
	RequestID string
	// Origin receives asynchronous responses. It is nil for requests replayed
	// from the queue.
	Origin Responder
}

// StatusTransitionType is called on every state change with the Manager lock held.
// It must not call back into the Manager.
type StatusTransitionType func(m *Manager, prev ModemState, next ModemState)

// IncomingCallHook is called after an incoming call became active.
type IncomingCallHook func(call CallInfo)

// CallEndedHook is called after a call was torn down and the modem is idle again.
type CallEndedHook func(call CallInfo, reason string)

// DTMFHook is called for every DTMF digit received during an active call.
type DTMFHook func(digit string)
