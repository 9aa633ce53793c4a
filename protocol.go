package modemmgr

import (
	"time"
)

// Control commands understood by the Server.
const (
	CmdPlaceCall              = "place_call"
	CmdHangup                 = "hangup"
	CmdStatus                 = "status"
	CmdSubscribeNotifications = "subscribe_notifications"
	CmdShutdown               = "shutdown"
	CmdCallHistory            = "call_history"
)

// Request is one control message sent by a client.
type Request struct {
	Command   string `json:"command"`
	Params    Params `json:"params"`
	RequestID string `json:"request_id"`
}

// Params holds the parameters of every command. Unused fields are ignored.
type Params struct {
	Number         string `json:"number,omitempty"`
	NoAudioRouting bool   `json:"no_audio_routing,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ResponseStatus is the outcome class of a Response.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
	// StatusPending means the request was accepted and its final outcome
	// follows on the same connection.
	StatusPending ResponseStatus = "pending"
)

// Response answers a Request.
type Response struct {
	Status    ResponseStatus `json:"status"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Data      ResponseData   `json:"data"`
}

// ResponseData is the typed payload of a Response. The set of
// implementations is closed: CallData, StatusData, SubscribeData and HistoryData.
type ResponseData interface {
	responseData()
}

// CallData is the payload of a place_call outcome.
type CallData struct {
	CallConnected         bool   `json:"call_connected"`
	Number                string `json:"number,omitempty"`
	AudioRouting          *bool  `json:"audio_routing,omitempty"`
	AudioRoutingRequested *bool  `json:"audio_routing_requested,omitempty"`
}

// StatusData is the payload of a status response.
type StatusData struct {
	State         ModemState `json:"state"`
	CallActive    bool       `json:"call_active"`
	CurrentNumber *string    `json:"current_number"`
	CallDirection *Direction `json:"call_direction"`
	CallConnected bool       `json:"call_connected"`
	// CallDuration is in seconds and present only while connected.
	CallDuration  *float64   `json:"call_duration,omitempty"`
	CallStartTime *time.Time `json:"call_start_time,omitempty"`
	QueuedCalls   int        `json:"queued_calls"`
}

// SubscribeData is the payload of a subscribe_notifications response.
type SubscribeData struct {
	NotificationMode bool `json:"notification_mode"`
}

// HistoryData is the payload of a call_history response.
type HistoryData struct {
	Calls []CallSummary `json:"calls"`
}

func (CallData) responseData()      {}
func (StatusData) responseData()    {}
func (SubscribeData) responseData() {}
func (HistoryData) responseData()   {}

// Success builds a success response.
func Success(requestID, message string, data ResponseData) *Response {
	return &Response{Status: StatusSuccess, Message: message, RequestID: requestID, Data: data}
}

// Failure builds an error response.
func Failure(requestID, message string, data ResponseData) *Response {
	return &Response{Status: StatusError, Message: message, RequestID: requestID, Data: data}
}

// Pending builds a pending response.
func Pending(requestID, message string) *Response {
	return &Response{Status: StatusPending, Message: message, RequestID: requestID}
}

// NotificationType names a pushed event.
type NotificationType string

const (
	NotifyIncomingCall NotificationType = "incoming_call"
	NotifyCallEnded    NotificationType = "call_ended"
	NotifyDTMF         NotificationType = "dtmf_received"
)

// Notification is pushed to subscribers without a request.
type Notification struct {
	Type         NotificationType `json:"type"`
	CallerNumber string           `json:"caller_number,omitempty"`
	AudioRouting *bool            `json:"audio_routing,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Digit        string           `json:"digit,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

func boolPtr(b bool) *bool {
	return &b
}
