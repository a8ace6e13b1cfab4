package transport

import (
	"context"
	"log/slog"
	"time"
)

// ReconnectPolicy configures the exponential backoff used while a relay
// session is down, mirroring the teacher's receiveLoopWithReconnect
// (fixed doubling backoff, capped, reset on success) generalized to a
// caller-supplied dial function instead of one hardcoded relay.
type ReconnectPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconnectPolicy mirrors the teacher's 1s-initial, 30s-max,
// doubling backoff.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Reconnect retries dial until it succeeds or ctx is cancelled, applying
// exponential backoff between attempts. The backoff is local to one call:
// every call starts again from InitialBackoff, so a caller that calls
// Reconnect again after a later disconnect gets a reset backoff.
func Reconnect(ctx context.Context, policy ReconnectPolicy, log *slog.Logger, dial func(context.Context) (*Conn, error)) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultReconnectPolicy.InitialBackoff
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultReconnectPolicy.MaxBackoff
	}

	for {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		log.Warn("relay dial failed, backing off", "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
