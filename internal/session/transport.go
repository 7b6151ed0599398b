package session

import "context"

// TransportEventKind tells what a TransportEvent reports.
type TransportEventKind int

const (
	TransportOpened TransportEventKind = iota
	TransportFrame
	TransportError
	TransportClosed
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportOpened:
		return "opened"
	case TransportFrame:
		return "frame"
	case TransportError:
		return "error"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportEvent is emitted by a Transport. Frame is set for TransportFrame,
// Err for TransportError and, when the close was not clean, TransportClosed.
type TransportEvent struct {
	Kind  TransportEventKind
	Frame []byte
	Err   error
}

// Transport is a single connection attempt.
type Transport interface {
	// Send queues a frame. It never waits for the peer.
	Send(frame []byte) error
	Close() error
}

// Dialer starts connection attempts. Dial must return without blocking on
// the network and must not call emit before returning. Events of one
// attempt are emitted in order and end with exactly one TransportClosed,
// unless the attempt was closed by the caller.
type Dialer interface {
	Dial(ctx context.Context, url string, emit func(TransportEvent)) Transport
}
