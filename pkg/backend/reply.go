package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Reply holds the response fields kubeload reads. Different backend revisions
// fill different fields.
type Reply struct {
	N                 *int            `json:"n,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ProcessedRequests *int            `json:"processedRequests,omitempty"`
	IsEven            *bool           `json:"is_even,omitempty"`
}

// BatchRequest is the body of a batch load POST.
type BatchRequest struct {
	Count int `json:"count"`
}

// Summary renders the reply for a log line.
func (r Reply) Summary() string {
	switch {
	case len(r.Result) > 0:
		return "result=" + string(r.Result)
	case r.ProcessedRequests != nil:
		return "processed=" + strconv.Itoa(*r.ProcessedRequests)
	case r.IsEven != nil:
		return "is_even=" + strconv.FormatBool(*r.IsEven)
	default:
		return "ok"
	}
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}
