package feed

import (
	"time"

	"github.com/auctionlive/bidsync/shared/models"
)

// StateKind identifies a connection lifecycle state.
type StateKind int

const (
	StateConnecting StateKind = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is the current position of a connection in its lifecycle. Attempt and
// NextDelay are populated while reconnecting; Reason is populated once closed.
type State struct {
	Kind      StateKind
	Attempt   int
	NextDelay time.Duration
	Reason    string
}

// EventKind identifies what a feed event carries.
type EventKind int

const (
	// EventBid carries one broadcast bid record.
	EventBid EventKind = iota
	// EventOpen signals the connection reached Open. Resumed is set when the
	// open follows a lost connection, which is the consumer's cue to re-fetch
	// the historical snapshot and close any coverage gap.
	EventOpen
	// EventLost signals the connection dropped and a reconnect will be tried.
	EventLost
	// EventGaveUp signals the reconnect attempt cap was exhausted. The
	// connection is closed and no further events follow.
	EventGaveUp
)

// Event is one item delivered on the feed's event channel.
type Event struct {
	Kind    EventKind
	Bid     models.Bid
	Resumed bool
	Attempt int
	Err     error
}
