// Package tracker talks to HTTP and UDP BitTorrent trackers and merges
// announce results across a tracker list.
package tracker

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marlin/peer"
)

// Event is the announce event reported to the tracker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) httpValue() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// UDP event codes per BEP 15.
func (e Event) udpValue() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// Announce carries everything a tracker needs to know about our state.
type Announce struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Result is one tracker's successful answer.
type Result struct {
	Tracker  string
	Interval time.Duration
	Peers    []peer.Peer
}

// Error is a per-tracker failure. It never aborts an announce round on
// its own; the round keeps going with the remaining trackers.
type Error struct {
	Tracker string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tracker %s: %s", e.Tracker, e.Reason)
	}
	return fmt.Sprintf("tracker %s: %v", e.Tracker, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client announces to a single tracker at a time, speaking HTTP or UDP
// depending on the URL scheme.
type Client struct {
	HTTPTimeout time.Duration
	UDPTimeout  time.Duration
	UDPRetries  int
	UDPBackoff  time.Duration

	Log zerolog.Logger
}

const (
	DefaultHTTPTimeout = 15 * time.Second
	DefaultUDPTimeout  = 15 * time.Second
	DefaultUDPRetries  = 3
	DefaultUDPBackoff  = time.Second
)

// NewClient returns a Client with the default timeout policy.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		HTTPTimeout: DefaultHTTPTimeout,
		UDPTimeout:  DefaultUDPTimeout,
		UDPRetries:  DefaultUDPRetries,
		UDPBackoff:  DefaultUDPBackoff,
		Log:         log.With().Str("component", "tracker").Logger(),
	}
}
