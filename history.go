package modemmgr

import (
	"time"
)

// CallOutcome classifies how a call ended.
type CallOutcome string

const (
	// OutcomeCompleted is a call that connected and later ended
	OutcomeCompleted CallOutcome = "completed"
	// OutcomeFailed is a call that never connected
	OutcomeFailed CallOutcome = "failed"
	// OutcomeRejected is an incoming call from a number outside the whitelist
	OutcomeRejected CallOutcome = "rejected"
)

// CallSummary is the record of a finished call.
type CallSummary struct {
	ID           string      `json:"id"`
	Number       string      `json:"number"`
	Direction    Direction   `json:"direction"`
	Outcome      CallOutcome `json:"outcome"`
	Reason       string      `json:"reason,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	ConnectedAt  *time.Time  `json:"connected_at,omitempty"`
	EndedAt      time.Time   `json:"ended_at"`
	AudioRouting bool        `json:"audio_routing"`
	RequestID    string      `json:"request_id,omitempty"`
}

// Duration returns the connected time of the call.
func (c CallSummary) Duration() time.Duration {
	if c.ConnectedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.ConnectedAt)
}

// CallRecorder persists finished calls. RecordCall is invoked synchronously
// from teardown and should be quick.
type CallRecorder interface {
	RecordCall(call CallSummary) error
}

// HistorySource lists recorded calls, newest first.
type HistorySource interface {
	Recent(limit int) ([]CallSummary, error)
	// ByNumber lists calls to or from number.
	ByNumber(number string, limit int) ([]CallSummary, error)
}

func summarize(call CallInfo, outcome CallOutcome, reason string, ended time.Time) CallSummary {
	s := CallSummary{
		ID:           call.token,
		Number:       call.Number,
		Direction:    call.Direction,
		Outcome:      outcome,
		Reason:       reason,
		StartedAt:    call.StartTime,
		EndedAt:      ended,
		AudioRouting: call.Audio != nil,
		RequestID:    call.RequestID,
	}
	if call.Connected && !call.ConnectedAt.IsZero() {
		t := call.ConnectedAt
		s.ConnectedAt = &t
	}
	return s
}
