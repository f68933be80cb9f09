package domain

import "time"

// Classification is the guardrail verdict for a proposed tool call.
type Classification string

const (
	ClassSafe      Classification = "safe"
	ClassHazardous Classification = "hazardous"
)

// RequestState is the lifecycle of a hazardous-call confirmation.
// Confirmed, denied, and expired are terminal; a request is never reused.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateConfirmed RequestState = "confirmed"
	StateDenied    RequestState = "denied"
	StateExpired   RequestState = "expired"
)

// GuardrailRequest is one pending confirm-or-abort decision for a hazardous
// tool call, keyed by chat.
type GuardrailRequest struct {
	ID        string
	ChatKey   string
	Call      ToolCall
	State     RequestState
	CreatedAt time.Time
	Deadline  time.Time
}
