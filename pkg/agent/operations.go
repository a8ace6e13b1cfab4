package agent

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/config"
	"github.com/simplex-agent/smpagent/pkg/cryptoprim"
	"github.com/simplex-agent/smpagent/pkg/queue"
	"github.com/simplex-agent/smpagent/pkg/ratchet"
	"github.com/simplex-agent/smpagent/pkg/store"
)

const oneTimePreKeyCount = 10

// PublishBundle generates a fresh signed prekey and one-time prekey pool
// for identity, the key material Create publishes in its QueueURI.
// Grounded on the teacher's key-rotation helpers in
// pkg/protocol/x3dh.go, generalized to a single call site here since the
// connection API, not the ratchet package, owns when a bundle is
// (re)published.
func PublishBundle(identity *ratchet.IdentityKeyPair) (*ratchet.KeyBundle, map[uint32]*ratchet.OneTimePreKeyPrivate, error) {
	spk, err := ratchet.GenerateSignedPreKey(1, identity, time.Now().UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	opks, err := ratchet.GenerateOneTimePreKeys(1, oneTimePreKeyCount)
	if err != nil {
		return nil, nil, err
	}
	opkByID := make(map[uint32]*ratchet.OneTimePreKeyPrivate, len(opks))
	pub := make([]ratchet.OneTimePreKey, len(opks))
	for i, opk := range opks {
		opkByID[opk.KeyID] = opk
		pub[i] = opk.OneTimePreKey
	}
	return &ratchet.KeyBundle{
		IdentityKey:    identity.DHPub,
		SignedPreKey:   spk.SignedPreKey,
		OneTimePreKeys: pub,
	}, opkByID, nil
}

// Create implements spec §4.7's "create": pick a server, run NEW,
// persist a Rcv connection, subscribe. Returns the new conn_id and the
// queue_uri to share with a peer out of band.
func (a *Agent) Create(ctx context.Context, bundle ratchet.KeyBundle) (*CreateResult, error) {
	connId := NewConnId()
	server := a.pickServer()

	rcvId, sndId, err := a.Relay.NewQueue(ctx, server, bundle.IdentityKey[:])
	if err != nil {
		return nil, err
	}

	q := &queue.Queue{Server: server.Host, QueueId: rcvId, Direction: queue.DirectionRcv, Status: queue.StatusNew}
	var result *CreateResult
	err = a.withConnLock(connId, func() error {
		if err := a.Store.CreateRcvConn(connId, q); err != nil {
			return err
		}
		a.Reg.Put(connId, &queue.Connection{Type: queue.ConnTypeRcv, Rcv: q})
		if err := a.Relay.Subscribe(ctx, server, rcvId); err != nil {
			return err
		}
		result = &CreateResult{ConnId: connId, QueueURI: QueueURI{Server: server, SndId: sndId, Bundle: bundle}}
		return nil
	})
	if err != nil {
		a.dropConnLock(connId)
		return nil, err
	}
	return result, nil
}

// Join implements spec §4.7's "join": from a peer's queue_uri, derive a
// Snd queue, run X3DH, send the confirmation envelope, and (if reply
// mode is enabled) create a second receive queue and send REPLY.
func (a *Agent) Join(ctx context.Context, identity *ratchet.IdentityKeyPair, uri QueueURI, replyMode bool) (string, error) {
	connId := NewConnId()

	sharedSecret, ephPriv, ephPub, initMsg, err := ratchet.X3DHInitiator(identity, &uri.Bundle)
	if err != nil {
		return "", err
	}
	skipped := ratchet.NewMemorySkippedKeyStore(ratchet.MaxSkip)
	state, err := ratchet.NewInitiator(sharedSecret, ephPriv, ephPub, uri.Bundle.SignedPreKey.PublicKey, skipped)
	if err != nil {
		return "", err
	}

	sndQ := &queue.Queue{Server: uri.Server.Host, QueueId: uri.SndId, Direction: queue.DirectionSnd, Status: queue.StatusNew}

	err = a.withConnLock(connId, func() error {
		if err := a.Store.CreateSndConn(connId, sndQ); err != nil {
			return err
		}
		conn := &queue.Connection{Type: queue.ConnTypeSnd, Snd: sndQ}
		a.Reg.Put(connId, conn)
		a.putRatchet(connId, state)

		confirmBody := encodeInitialMessage(initMsg)
		if err := a.Relay.Send(ctx, uri.Server, uri.SndId, confirmBody); err != nil {
			return err
		}
		if err := sndQ.SendConfirmation(); err != nil {
			return err
		}
		if err := a.Store.SetSndQueueStatus(connId, queue.StatusConfirmed); err != nil {
			return err
		}

		if !replyMode {
			return nil
		}
		return a.sendReply(ctx, connId, conn, sndQ)
	})
	if err != nil {
		a.dropConnLock(connId)
		a.dropRatchet(connId)
		return "", err
	}
	return connId, nil
}

// sendReply creates the second receive queue of a duplex upgrade and
// notifies the peer via REPLY (spec §4.5 "upgrade a simplex connection
// to duplex"). Called with connId's lock already held.
func (a *Agent) sendReply(ctx context.Context, connId string, conn *queue.Connection, sndQ *queue.Queue) error {
	server := a.pickServer()
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	rcvId, _, err := a.Relay.NewQueue(ctx, server, identity.DHPub[:])
	if err != nil {
		return err
	}
	rcvQ := &queue.Queue{Server: server.Host, QueueId: rcvId, Direction: queue.DirectionRcv, Status: queue.StatusNew}

	if err := a.Store.UpgradeSndToDuplex(connId, rcvQ); err != nil {
		return err
	}
	if err := conn.UpgradeSndToDuplex(rcvQ); err != nil {
		return err
	}
	if err := a.Relay.Subscribe(ctx, server, rcvId); err != nil {
		return err
	}
	replyBody := encodeQueueURI(QueueURI{Server: server, SndId: rcvId})
	if err := a.Relay.Send(ctx, a.serverByHost(sndQ.Server), sndQ.QueueId, replyBody); err != nil {
		return err
	}
	return sndQ.SendHelloAck()
}

// AcceptInvitation implements spec §4.7's "accept-invitation": given an
// invitation id and the peer's proposed queue, either join that queue or
// (if peerURI is nil) create a fresh connection and attach it to the
// invitation.
func (a *Agent) AcceptInvitation(ctx context.Context, invitationId string, identity *ratchet.IdentityKeyPair, peerURI *QueueURI, replyMode bool) (string, error) {
	inv, err := a.Store.GetInvitation(invitationId)
	if err != nil {
		return "", err
	}
	if inv.Status == store.InvitationAccepted && len(inv.ConnIds) > 0 {
		return inv.ConnIds[0], nil
	}

	var connId string
	if peerURI != nil {
		connId, err = a.Join(ctx, identity, *peerURI, replyMode)
	} else {
		bundle, _, bErr := PublishBundle(identity)
		if bErr != nil {
			return "", bErr
		}
		var res *CreateResult
		res, err = a.Create(ctx, *bundle)
		if err == nil {
			connId = res.ConnId
		}
	}
	if err != nil {
		return "", err
	}

	if err := a.Store.AddInvitationConn(invitationId, connId); err != nil {
		return "", err
	}
	if err := a.Store.SetInvitationStatus(invitationId, store.InvitationAccepted); err != nil {
		return "", err
	}
	return connId, nil
}

// Subscribe implements spec §4.7's "subscribe": re-attach to an existing
// connection's queue on its server. Idempotent: a connection already
// present in the in-process registry is left alone.
func (a *Agent) Subscribe(ctx context.Context, connId string) error {
	return a.withConnLock(connId, func() error {
		if _, ok := a.Reg.Get(connId); ok {
			return nil
		}
		c, err := a.Store.GetConn(connId)
		if err != nil {
			return err
		}
		if c.Rcv == nil {
			return agenterr.Cmd(agenterr.CmdProhibited)
		}
		server := a.serverByHost(c.Rcv.Server)
		if err := a.Relay.Subscribe(ctx, server, c.Rcv.QueueId); err != nil {
			return err
		}
		a.Reg.Put(connId, &queue.Connection{Type: c.Type, Rcv: c.Rcv, Snd: c.Snd})
		return nil
	})
}

// Send implements spec §4.7's "send": look up the send queue, assign the
// next internal_snd_id, compute previousMsgHash, encrypt via the
// connection's ratchet, and issue SEND.
func (a *Agent) Send(ctx context.Context, connId string, plaintext []byte) error {
	return a.withConnLock(connId, func() error {
		c, err := a.Store.GetConn(connId)
		if err != nil {
			return err
		}
		if c.Snd == nil || c.Snd.Status == queue.StatusDisabled {
			return agenterr.Cmd(agenterr.CmdProhibited)
		}
		state, ok := a.getRatchet(connId)
		if !ok {
			return agenterr.Internal("agent: no ratchet session for connection")
		}

		internalId, internalSndId, prevHash, err := a.Store.UpdateSndIds(connId)
		if err != nil {
			return err
		}

		envelope := encodeEnvelope(prevHash, plaintext)
		// PadToLen needs two bytes beyond the envelope for its length prefix.
		ciphertext, err := state.Encrypt(envelope, 2+len(envelope))
		if err != nil {
			return err
		}

		if err := a.Relay.Send(ctx, a.serverByHost(c.Snd.Server), c.Snd.QueueId, ciphertext); err != nil {
			return err
		}

		newHash := cryptoprim.SHA256(ciphertext)
		return a.Store.CreateSndMsg(connId, store.SndMsg{
			InternalId:    internalId,
			InternalSndId: internalSndId,
			PreviousHash:  newHash[:],
			Body:          ciphertext,
		})
	})
}

// Suspend implements spec §4.7's "suspend": issue OFF; the queue
// transitions to Disabled.
func (a *Agent) Suspend(ctx context.Context, connId string) error {
	return a.withConnLock(connId, func() error {
		c, err := a.Store.GetConn(connId)
		if err != nil {
			return err
		}
		if c.Rcv == nil {
			return agenterr.Cmd(agenterr.CmdProhibited)
		}
		if err := a.Relay.Suspend(ctx, a.serverByHost(c.Rcv.Server), c.Rcv.QueueId); err != nil {
			return err
		}
		if err := c.Rcv.Disable(); err != nil {
			return err
		}
		return a.Store.SetRcvQueueStatus(connId, queue.StatusDisabled)
	})
}

// Delete implements spec §4.7's "delete": issue DEL, remove the
// subscription, delete the stored rows. Per the resolution of spec §9
// open question (b) recorded in pkg/queue.Registry.Delete, the relay
// command must succeed before the in-process registry entry is dropped,
// so a late server response never finds an already-forgotten
// connection.
func (a *Agent) Delete(ctx context.Context, connId string) error {
	err := a.withConnLock(connId, func() error {
		c, err := a.Store.GetConn(connId)
		if err != nil {
			return err
		}
		if c.Rcv != nil {
			if err := a.Relay.Delete(ctx, a.serverByHost(c.Rcv.Server), c.Rcv.QueueId); err != nil {
				return err
			}
		}
		a.Reg.Delete(connId)
		return a.Store.DeleteConn(connId)
	})
	a.dropConnLock(connId)
	a.dropRatchet(connId)
	return err
}

// encodeEnvelope frames previousMsgHash ahead of the plaintext body
// (spec §4.8's integrity check), length-prefixed since the hash length
// is fixed but defensively framed the way pkg/wire frames every field.
func encodeEnvelope(prevHash, body []byte) []byte {
	out := make([]byte, 0, 2+len(prevHash)+len(body))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(prevHash)))
	out = append(out, l[:]...)
	out = append(out, prevHash...)
	out = append(out, body...)
	return out
}

// encodeInitialMessage serializes the X3DH InitialMessage carried inside
// the confirmation envelope (spec §6). Minimal fixed-field framing, not
// pkg/wire, since this message never crosses a version boundary that
// needs pkg/wire's forward-compatible tail field.
func encodeInitialMessage(m *ratchet.InitialMessage) []byte {
	out := make([]byte, 0, 64+len(m.KEMCiphertext))
	out = append(out, m.IdentityKey[:]...)
	out = append(out, m.EphemeralKey[:]...)
	var ids [8]byte
	binary.BigEndian.PutUint32(ids[0:4], m.UsedSignedPreKeyID)
	binary.BigEndian.PutUint32(ids[4:8], m.UsedOneTimePreKeyID)
	out = append(out, ids[:]...)
	out = append(out, m.KEMCiphertext...)
	return out
}

// encodeQueueURI serializes the REPLY envelope's proposed second queue.
func encodeQueueURI(uri QueueURI) []byte {
	out := []byte(uri.Server.Host + "|" + uri.Server.Port + "|")
	out = append(out, uri.SndId...)
	return out
}

// serverByHost resolves a bare hostname (all a queue.Queue persists) back
// to its full config.Server (host, port, key hash) by matching against
// the configured server list; a host not present in config yields a
// config.Server with only Host set (empty port and key hash).
func (a *Agent) serverByHost(host string) config.Server {
	for _, srv := range a.Cfg.SMPServers {
		if srv.Host == host {
			return srv
		}
	}
	return config.Server{Host: host}
}
