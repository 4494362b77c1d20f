package domain

import "fmt"

// Event drives a message from one status to the next.
type Event string

const (
	EventSchedule      Event = "schedule"
	EventDispatch      Event = "dispatch"
	EventDelivered     Event = "delivered"
	EventAttemptFailed Event = "attempt_failed"
	EventDeferred      Event = "deferred"
	EventExhausted     Event = "exhausted"
	EventCancel        Event = "cancel"
)

var transitions = map[Event]map[Status]Status{
	EventSchedule: {
		StatusPending:   StatusScheduled,
		StatusScheduled: StatusScheduled,
		StatusRetry:     StatusScheduled,
	},
	EventDispatch: {
		StatusPending:   StatusProcessing,
		StatusScheduled: StatusProcessing,
		StatusRetry:     StatusProcessing,
	},
	EventDelivered: {
		StatusProcessing: StatusSent,
	},
	EventAttemptFailed: {
		StatusProcessing: StatusRetry,
	},
	EventDeferred: {
		StatusProcessing: StatusRetry,
	},
	EventExhausted: {
		StatusProcessing: StatusFailed,
	},
	EventCancel: {
		StatusPending:    StatusCancelled,
		StatusScheduled:  StatusCancelled,
		StatusProcessing: StatusCancelled,
		StatusRetry:      StatusCancelled,
	},
}

// Transition returns the status reached by applying event to current.
// Cancelling a message that already reached a terminal status is a no-op and
// returns current unchanged.
func Transition(current Status, event Event) (Status, error) {
	if event == EventCancel && current.IsTerminal() {
		return current, nil
	}

	edges, ok := transitions[event]
	if !ok {
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
	next, ok := edges[current]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// SourcesFor lists the statuses from which event is legal. Repositories use it
// as the precondition of an optimistic check-and-set update.
func SourcesFor(event Event) []Status {
	edges := transitions[event]
	sources := make([]Status, 0, len(edges))
	for _, status := range []Status{StatusPending, StatusScheduled, StatusProcessing, StatusRetry} {
		if _, ok := edges[status]; ok {
			sources = append(sources, status)
		}
	}
	return sources
}
