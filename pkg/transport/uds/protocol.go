package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/imakube/kubeload/pkg/core"
)

var msgCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Method, err)
	}
	return nil
}

func newMessage(typ MsgType, id, method string, data any) (Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", method, err)
		}
		raw = b
	}
	return Message{Type: typ, ID: id, Method: method, Data: raw}, nil
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	return newMessage(MsgTypeReq, fmt.Sprintf("req-%d", msgCounter.Add(1)), method, data)
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	return newMessage(MsgTypeRes, reqID, method, data)
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	return newMessage(MsgTypeEvt, fmt.Sprintf("evt-%d", msgCounter.Add(1)), method, data)
}

// Methods
const (
	MethodPing           = "Ping"
	MethodGetState       = "GetState"
	MethodUpdateSettings = "UpdateSettings"
	MethodStartLoad      = "StartLoad"
	MethodStopLoad       = "StopLoad"
	MethodCrash          = "Crash"
	MethodGenerateBatch  = "GenerateBatch"
	MethodIsEven         = "IsEven"
	MethodListRuns       = "ListRuns"

	EventLogEntry      = "log.entry"
	EventBackendStatus = "backend.status"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// SettingsRequest updates the load settings. Zero fields keep their current value.
type SettingsRequest struct {
	FibN       int   `json:"fib_n,omitempty"`
	IntervalMs int64 `json:"interval_ms,omitempty"`
}

// Apply merges the request into s and clamps the result.
func (r SettingsRequest) Apply(s core.Settings) core.Settings {
	if r.FibN != 0 {
		s.FibN = r.FibN
	}
	if r.IntervalMs != 0 {
		s.IntervalMs = r.IntervalMs
	}
	return s.Normalize()
}

// ActionResponse reports the outcome of a start/stop/crash/batch action.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// BatchRequest is the payload for GenerateBatch.
type BatchRequest struct {
	Count int `json:"count"`
}

// IsEvenRequest is the payload for IsEven.
type IsEvenRequest struct {
	Number int `json:"number"`
}

// IsEvenResponse is the response for IsEven.
type IsEvenResponse struct {
	Number int  `json:"number"`
	IsEven bool `json:"is_even"`
}

// ListRunsRequest is the payload for ListRuns.
type ListRunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// BackendStatusEvent is pushed when the backend flips between online and offline.
type BackendStatusEvent struct {
	Status core.BackendStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}
