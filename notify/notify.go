// Package notify defines the push-notification transport contract used
// to shorten the latency until a future reacts to run completion.
//
// Delivery is best effort: messages may be missed, duplicated, or
// reordered, and listeners must tolerate all three. Polling remains the
// correctness backstop; a channel only makes the common case fast.
package notify

import (
	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
)

// Message is the payload published when a run changes state.
type Message struct {
	Object ObjectRef `json:"object"`
	Run    RunRef    `json:"run"`
}

// ObjectRef identifies the job a message refers to.
type ObjectRef struct {
	ID id.JobID `json:"id"`
}

// RunRef identifies the run a message refers to and its reported state.
type RunRef struct {
	ID    id.RunID        `json:"id"`
	State tether.RunState `json:"state"`
}

// Status classifies transport-level events reported by a channel.
type Status int

const (
	// StatusConnected means the transport (re-)established its connection.
	StatusConnected Status = iota
	// StatusTimeout means the transport timed out.
	StatusTimeout
	// StatusNetworkIssue means the transport hit a network problem.
	StatusNetworkIssue
	// StatusUnexpectedDisconnect means the connection dropped without
	// a clean close.
	StatusUnexpectedDisconnect
	// StatusOther covers events that carry no reconnect significance.
	StatusOther
)

// Reconnectable reports whether the status is a disconnect-class event
// after which messages may have been missed and subscribers should fall
// back to polling.
func (s Status) Reconnectable() bool {
	switch s {
	case StatusTimeout, StatusNetworkIssue, StatusUnexpectedDisconnect:
		return true
	}
	return false
}

// Listener receives matching messages and disconnect events from a
// channel subscription. OnMatch may be invoked more than once for the
// same logical completion (duplicate delivery); it must be idempotent.
// OnDisconnect fires for every reconnectable status event.
type Listener struct {
	Match        func(Message) bool
	OnMatch      func()
	OnDisconnect func()
}

// Deliver runs the listener against one inbound message.
func (l Listener) Deliver(m Message) {
	if l.Match != nil && l.Match(m) && l.OnMatch != nil {
		l.OnMatch()
	}
}

// DeliverStatus runs the listener against one transport status event.
func (l Listener) DeliverStatus(s Status) {
	if s.Reconnectable() && l.OnDisconnect != nil {
		l.OnDisconnect()
	}
}

// MatchRun returns a match predicate for completion messages about one
// specific (job, run) pair.
func MatchRun(jobID id.JobID, runID id.RunID) func(Message) bool {
	return func(m Message) bool {
		return m.Object.ID == jobID && m.Run.ID == runID && m.Run.State.Terminal()
	}
}

// Channel is a push-notification transport. Subscribe registers a
// listener and returns a handle that stops delivery when closed.
type Channel interface {
	Subscribe(l Listener) (Subscription, error)
}

// Subscription is a live listener registration.
type Subscription interface {
	// Unsubscribe stops delivery to the listener. Idempotent.
	Unsubscribe() error
}
