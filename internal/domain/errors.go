package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBusUnavailable signals a transient bus failure. Publishers must
	// retry with backoff; a message is never silently dropped.
	ErrBusUnavailable = errors.New("message bus unavailable")

	// ErrMalformedMessage marks an inbound message that cannot be processed.
	// It is dropped with an audit entry and not retried.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNoPendingRequest is returned when resolving a guardrail request
	// that is not pending or belongs to another chat.
	ErrNoPendingRequest = errors.New("no pending guardrail request")

	// ErrGuardrailExpired marks a confirmation that arrived after the
	// request's deadline.
	ErrGuardrailExpired = errors.New("guardrail request expired")

	// ErrUnknownExpert is returned when delegating to an expert ID that is
	// not in the skill catalog.
	ErrUnknownExpert = errors.New("unknown expert")

	// ErrReasoningUnavailable is returned after the reasoning collaborator's
	// retry budget is exhausted. Fatal to the current turn only.
	ErrReasoningUnavailable = errors.New("reasoning collaborator unavailable")
)

// DelegationError is a runtime failure inside a sub-agent run. The
// orchestrator reports it to the user and continues the conversation.
type DelegationError struct {
	ExpertID string
	Reason   string
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation to %q failed: %s", e.ExpertID, e.Reason)
}
