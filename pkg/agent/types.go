package agent

import (
	"github.com/simplex-agent/smpagent/pkg/config"
	"github.com/simplex-agent/smpagent/pkg/ratchet"
)

// QueueURI is the out-of-band-exchanged address of a queue a peer can
// join against: the server that hosts it, the queue id a SEND must
// target, and the publisher's key bundle X3DHInitiator consumes (spec
// §4.7 "join": "from a queue_uri, derive a Snd queue").
type QueueURI struct {
	Server config.Server
	SndId  []byte
	Bundle ratchet.KeyBundle
}

// CreateResult is returned by Create: the new connection's id and the
// queue_uri to hand a peer out of band.
type CreateResult struct {
	ConnId   string
	QueueURI QueueURI
}
