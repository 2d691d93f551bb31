package dispatch

import (
	"encoding/json"
	"fmt"
)

// Envelope source values. StaleCache is kept for envelope compatibility
// with earlier TTL-based revisions; no current code path produces it.
const (
	SourceLive       = "live"
	SourceCache      = "cache"
	SourceStaleCache = "stale_cache"
)

// Envelope error codes.
const (
	CodeUnavailable = "UNAVAILABLE"
	CodeOffline     = "OFFLINE"
	CodeToolError   = "TOOL_ERROR"
)

// QueuedWarning annotates write responses that were parked in the sync
// queue instead of reaching upstream.
const QueuedWarning = "Operation queued — will sync when connection restored"

// Envelope is the uniform response shape of every tool call.
type Envelope struct {
	Data     any        `json:"data,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Metadata Metadata   `json:"_metadata"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Metadata rides every envelope, success or failure.
type Metadata struct {
	Source     string `json:"source,omitempty"`
	AgeSeconds *int64 `json:"age_seconds,omitempty"`
	Status     string `json:"status"`
	Warning    string `json:"warning,omitempty"`
}

// JSON serializes the envelope for the tool-result payload. Marshaling
// an envelope never fails for the shapes the dispatcher builds, but a
// defect in a data payload degrades to a TOOL_ERROR envelope rather
// than a broken response.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		fallback := Envelope{
			Error:    &ErrorInfo{Code: CodeToolError, Message: fmt.Sprintf("encode response: %v", err)},
			Metadata: Metadata{Status: e.Metadata.Status},
		}
		b, _ = json.Marshal(fallback)
	}
	return string(b)
}

func agePtr(seconds int64) *int64 { return &seconds }
