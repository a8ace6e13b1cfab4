package agent

import (
	"context"

	"github.com/simplex-agent/smpagent/pkg/config"
)

// Relay is the seam between pkg/agent's operations and the concrete
// transport/session-cache wiring (pkg/transport, pkg/runtime). Grounded
// on the teacher's Client abstracting a relayConn behind plain Go
// methods (ConnectToRelay, SendPing, ...) so the higher-level logic
// never touches a net.Conn directly; here the same shape is narrowed to
// exactly the SMP commands the connection API issues, so operations.go
// stays unit-testable against a fake.
type Relay interface {
	// NewQueue issues NEW and returns the server-assigned receive and
	// send queue ids (spec §4.2's IDS response to NEW).
	NewQueue(ctx context.Context, server config.Server, recipientKey []byte) (rcvId, sndId []byte, err error)

	// Subscribe issues SUB for an existing receive queue.
	Subscribe(ctx context.Context, server config.Server, rcvId []byte) error

	// SecureQueue issues KEY, installing the sender's public key on a
	// receive queue (recipient side of "join").
	SecureQueue(ctx context.Context, server config.Server, rcvId []byte, senderKey []byte) error

	// Send issues SEND against a send queue.
	Send(ctx context.Context, server config.Server, sndId []byte, body []byte) error

	// Suspend issues OFF against a receive queue.
	Suspend(ctx context.Context, server config.Server, rcvId []byte) error

	// Delete issues DEL against a receive queue.
	Delete(ctx context.Context, server config.Server, rcvId []byte) error
}
