// Package orgreq implements the organization lifecycle request state
// machine: registration and config-update requests move through a strict
// status transition table with per-transition side effects.
package orgreq

import (
	"errors"
	"fmt"
)

// Status is the lifecycle status of an organization request.
type Status string

const (
	StatusNew            Status = "new"
	StatusBeingProcessed Status = "being_processed"
	StatusDiscarded      Status = "discarded"
	StatusAccepted       Status = "accepted"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusBeingProcessed, StatusDiscarded, StatusAccepted:
		return true
	}
	return false
}

// IsPending reports whether a request in this status counts against the
// one-pending-request-per-organization invariant.
func (s Status) IsPending() bool {
	return s == StatusNew || s == StatusBeingProcessed
}

// legalTransitions is the full transition table. StatusNew is only ever
// an initial value; no transition leads into it. StatusAccepted is
// terminal.
var legalTransitions = map[Status][]Status{
	StatusNew:            {StatusBeingProcessed, StatusDiscarded, StatusAccepted},
	StatusBeingProcessed: {StatusDiscarded, StatusAccepted},
	StatusDiscarded:      {StatusBeingProcessed},
	StatusAccepted:       {},
}

func transitionAllowed(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Kind distinguishes registration requests from config-update requests.
type Kind int

const (
	KindRegistration Kind = iota
	KindConfigUpdate
)

func (k Kind) String() string {
	if k == KindRegistration {
		return "registration"
	}
	return "config-update"
}

// FieldUpdate carries one requested field change. The update flag is
// tracked independently of the value: clearing a field (Update with an
// empty Value) is different from not touching it.
type FieldUpdate struct {
	Update bool
	Value  string
}

// Request is an organization lifecycle request.
type Request struct {
	ID         string
	OrgID      string
	Kind       Kind
	Status     Status
	OrgGroupID string
	Changes    map[string]FieldUpdate
}

// ErrClient marks client-caused failures (HTTP 4xx-equivalent), as
// opposed to backend invariant violations.
var ErrClient = errors.New("orgreq: client error")

// TransitionError is the client-facing rejection of an illegal status
// transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("orgreq: status transition from %q to %q is not allowed", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrClient }

// InvariantError signals a backend state inconsistency (a bug or a race),
// not bad client input.
type InvariantError struct {
	RequestID string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("orgreq: invariant violated for request %s: %s", e.RequestID, e.Detail)
}

// IsClientError reports whether the error should surface as a client
// error rather than an internal one.
func IsClientError(err error) bool {
	return errors.Is(err, ErrClient)
}
