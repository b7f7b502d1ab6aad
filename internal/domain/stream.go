package domain

import (
	"context"
	"errors"
)

// ErrConnectionGone reports that the client side of a connection is closed.
// Connection senders wrap it.
var ErrConnectionGone = errors.New("connection gone")

// EventKind tags a StreamEvent.
type EventKind int

const (
	// EventFragment carries one incremental piece of generated text.
	EventFragment EventKind = iota
	// EventCompleted marks a run that finished normally.
	EventCompleted
	// EventAborted marks a stream that ended before the run finished
	// (connection dropped, cancelled, truncated body).
	EventAborted
	// EventFailed marks a run the upstream service rejected or failed.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventCompleted:
		return "completed"
	case EventAborted:
		return "aborted"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of a FragmentStream. Exactly one terminal event
// (Completed, Aborted or Failed) ends every stream.
type StreamEvent struct {
	Kind EventKind
	Text string
	Err  error
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind != EventFragment
}

// Fragment builds a fragment event.
func Fragment(text string) StreamEvent {
	return StreamEvent{Kind: EventFragment, Text: text}
}

// Completed builds the normal terminal event.
func Completed() StreamEvent {
	return StreamEvent{Kind: EventCompleted}
}

// Aborted builds an abnormal terminal event for a stream cut short.
func Aborted(err error) StreamEvent {
	return StreamEvent{Kind: EventAborted, Err: err}
}

// Failed builds an abnormal terminal event for an upstream rejection.
func Failed(err error) StreamEvent {
	return StreamEvent{Kind: EventFailed, Err: err}
}

// FragmentStream is a lazy, finite, non-restartable sequence of generation
// events. Next blocks until the next event is available; once a terminal
// event has been returned every later call returns the same terminal event.
// Close releases the upstream connection and unblocks a pending Next.
type FragmentStream interface {
	Next(ctx context.Context) StreamEvent
	Close() error
}

// DeliveryStatus is the terminal state of relaying one stream.
type DeliveryStatus int

const (
	DeliveryCompleted DeliveryStatus = iota
	DeliveryUpstreamFailed
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryCompleted:
		return "completed"
	case DeliveryUpstreamFailed:
		return "upstream_failed"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// DeliveryOutcome summarizes a relay run.
type DeliveryOutcome struct {
	Status    DeliveryStatus
	Fragments int
	// EndSent reports whether the terminal marker reached the connection.
	EndSent bool
	Err     error
}
