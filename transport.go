package mcp

import (
	"context"
	"iter"
	"time"
)

// TransportStatus enumerates the lifecycle phases of a transport connection.
type TransportStatus int

// Transport lifecycle phases.
const (
	StatusDisconnected TransportStatus = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

// TransportState is the observable state of a transport. Err is populated
// only when Status is StatusFailed.
type TransportState struct {
	Status TransportStatus
	Err    error
}

// Transport is the abstract byte-stream carrier beneath an endpoint. It moves
// opaque frames in both directions; envelope encoding and correlation are the
// endpoint's concern.
//
// Implementations are message-serial: frames sent by concurrent Send calls
// never interleave within a frame, and inbound frames are yielded in wire
// order. Start is idempotent while the transport is connected, Stop is always
// idempotent, and Stop ends the Messages stream.
type Transport interface {
	// Start transitions the transport towards StatusConnected. Calling Start
	// on a transport that is already connected is a no-op.
	Start(ctx context.Context) error

	// Stop tears the connection down and finalizes the Messages stream.
	Stop()

	// Send transmits one frame. It fails with InvalidStateError when the
	// transport is not connected and MessageTooLargeError when data exceeds
	// the configured maximum, without touching the wire in either case.
	Send(ctx context.Context, data []byte) error

	// Messages returns the stream of inbound frames. The stream terminates
	// when the transport stops or fails. After a Stop, a fresh call yields a
	// fresh stream for the next Start.
	Messages() iter.Seq[[]byte]

	// State returns the current connection state.
	State() TransportState

	// StateChanges returns a channel carrying state transitions. Slow
	// receivers miss intermediate states; the channel always carries the
	// latest transition.
	StateChanges() <-chan TransportState
}

// TransportConfig carries the knobs shared by every transport.
type TransportConfig struct {
	// ConnectTimeout caps connection establishment and, at the endpoint
	// level, the initialize handshake.
	ConnectTimeout time.Duration

	// SendTimeout is the per-send deadline applied when the caller's context
	// carries none.
	SendTimeout time.Duration

	// MaxMessageSize rejects oversized outbound frames before they reach the
	// wire.
	MaxMessageSize int

	// Retry governs reconnection and retried operations for transports that
	// support them.
	Retry RetryPolicy
}

var (
	defaultConnectTimeout = 30 * time.Second
	defaultSendTimeout    = 30 * time.Second
	defaultMaxMessageSize = 4 * 1024 * 1024
)

func (c TransportConfig) withDefaults() TransportConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// checkSize validates an outbound frame against the configured limit.
func (c TransportConfig) checkSize(data []byte) error {
	if len(data) > c.MaxMessageSize {
		return &MessageTooLargeError{Size: len(data), Limit: c.MaxMessageSize}
	}
	return nil
}

// sendContext derives the deadline-carrying context for a single send. The
// caller's deadline wins when present; otherwise the configured send timeout
// applies.
func (c TransportConfig) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.SendTimeout)
}

// stateBroadcaster serializes a transport's state transitions and fans them
// out to a single observer channel. The channel holds the latest transition;
// when the observer lags, intermediate states are replaced, never blocked on.
type stateBroadcaster struct {
	state   TransportState
	changes chan TransportState
}

func newStateBroadcaster() *stateBroadcaster {
	return &stateBroadcaster{
		changes: make(chan TransportState, 1),
	}
}

// set records the transition and publishes it. The caller must hold the
// owning transport's mutex.
func (b *stateBroadcaster) set(s TransportState) {
	b.state = s
	select {
	case b.changes <- s:
	default:
		// Replace the stale unobserved transition with the newest one.
		select {
		case <-b.changes:
		default:
		}
		select {
		case b.changes <- s:
		default:
		}
	}
}
