// Package proto implements the SMP protocol encoding (spec §4.2): typed
// command/response ADTs, per-command authorization checks, and the
// transmission envelope that carries them. It builds on pkg/wire for
// field framing, mirroring the teacher's Header/Validate "check before
// dispatch" style.
package proto

import (
	"fmt"

	"github.com/rs/xid"
	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/wire"
)

// Version is the negotiated protocol version. The parser for a given
// version accepts only fields defined at or below that version (spec
// §4.2).
type Version uint16

// Tag identifies a command or response on the wire.
type Tag string

const (
	TagNEW  Tag = "NEW"
	TagSUB  Tag = "SUB"
	TagKEY  Tag = "KEY"
	TagNKEY Tag = "NKEY"
	TagNDEL Tag = "NDEL"
	TagGET  Tag = "GET"
	TagACK  Tag = "ACK"
	TagOFF  Tag = "OFF"
	TagDEL  Tag = "DEL"
	TagSEND Tag = "SEND"
	TagPING Tag = "PING"
	TagNSUB Tag = "NSUB"

	TagIDS  Tag = "IDS"
	TagMSG  Tag = "MSG"
	TagNID  Tag = "NID"
	TagNMSG Tag = "NMSG"
	TagEND  Tag = "END"
	TagOK   Tag = "OK"
	TagERR  Tag = "ERR"
	TagPONG Tag = "PONG"
)

// Party identifies which of the three roles issues a command.
type Party int

const (
	PartyRecipient Party = iota
	PartySender
	PartyNotifier
)

// credSpec is one row of the §4.2 credential-check table.
type credSpec struct {
	party          Party
	requiresAuth   authRequirement
	requiresEntity bool
}

type authRequirement int

const (
	authNo authRequirement = iota
	authYes
	authOptionalBeforeKey
)

// commandSpec is consulted before dispatch, the way the teacher's
// Header.Validate gates on magic/version before any command-specific
// logic runs.
var commandSpec = map[Tag]credSpec{
	TagNEW:  {PartyRecipient, authYes, false},
	TagSUB:  {PartyRecipient, authYes, true},
	TagKEY:  {PartyRecipient, authYes, true},
	TagNKEY: {PartyRecipient, authYes, true},
	TagNDEL: {PartyRecipient, authYes, true},
	TagGET:  {PartyRecipient, authYes, true},
	TagACK:  {PartyRecipient, authYes, true},
	TagOFF:  {PartyRecipient, authYes, true},
	TagDEL:  {PartyRecipient, authYes, true},
	TagSEND: {PartySender, authOptionalBeforeKey, true},
	TagPING: {PartySender, authNo, false},
	TagNSUB: {PartyNotifier, authYes, true},
}

// CheckCredentials validates a command's authenticator/entity-id presence
// against the table in spec §4.2, run before any command-specific
// dispatch logic.
func CheckCredentials(tag Tag, hasAuth, hasEntity, keyInstalled bool) *agenterr.AgentError {
	spec, ok := commandSpec[tag]
	if !ok {
		return agenterr.Cmd(agenterr.CmdUnknown)
	}
	switch spec.requiresAuth {
	case authYes:
		if !hasAuth {
			return agenterr.Cmd(agenterr.CmdNoAuth)
		}
	case authNo:
		if hasAuth {
			return agenterr.Cmd(agenterr.CmdHasAuth)
		}
	case authOptionalBeforeKey:
		if !hasAuth && keyInstalled {
			return agenterr.Cmd(agenterr.CmdNoAuth)
		}
	}
	if spec.requiresEntity && !hasEntity {
		return agenterr.Cmd(agenterr.CmdNoEntity)
	}
	// NEW creates a fresh entity id; supplying one is itself a protocol
	// violation, reported the same way as a superfluous authenticator
	// (spec §8: "NEW ... with entity id -> Cmd(HasAuth)").
	if !spec.requiresEntity && hasEntity && tag == TagNEW {
		return agenterr.Cmd(agenterr.CmdHasAuth)
	}
	return nil
}

// CorrId correlates a command with its eventual response/event, crossing
// the inbound command / outbound event queue boundary (spec §4.6).
type CorrId string

// NewCorrId mints a fresh correlation id. xid is optimized for exactly
// this high-frequency, short-lived identifier workload.
func NewCorrId() CorrId {
	return CorrId(xid.New().String())
}

// EntityId addresses a queue (rcv_id / snd_id / notifier_id depending on
// party) within a command.
type EntityId []byte

// Transmission is the authorized unit on the wire (spec §3): an
// authenticator over (session_id, corr_id, entity_id, command_bytes), or
// empty for unauthenticated commands.
type Transmission struct {
	Authenticator []byte
	SessionId     []byte
	CorrId        CorrId
	EntityId      EntityId
	CommandBytes  []byte
}

// SignedPayload returns the bytes the authenticator is computed over:
// session_id ++ corr_id ++ entity_id ++ command_bytes.
func (t *Transmission) SignedPayload() []byte {
	out := make([]byte, 0, len(t.SessionId)+len(t.CorrId)+len(t.EntityId)+len(t.CommandBytes))
	out = append(out, t.SessionId...)
	out = append(out, []byte(t.CorrId)...)
	out = append(out, t.EntityId...)
	out = append(out, t.CommandBytes...)
	return out
}

// Encode frames the transmission: the authenticator as a large string,
// the session, corr and entity ids as small strings, then the command
// bytes as an unframed tail.
func (t *Transmission) Encode() ([]byte, error) {
	w := wire.NewWriter(64 + len(t.CommandBytes))
	if err := w.PutLargeString(t.Authenticator); err != nil {
		return nil, err
	}
	if err := w.PutSmallString(t.SessionId); err != nil {
		return nil, err
	}
	if err := w.PutSmallString([]byte(t.CorrId)); err != nil {
		return nil, err
	}
	if err := w.PutSmallString(t.EntityId); err != nil {
		return nil, err
	}
	w.PutTail(t.CommandBytes)
	return w.Bytes(), nil
}

// DecodeTransmission parses bytes produced by Transmission.Encode.
func DecodeTransmission(buf []byte) (*Transmission, error) {
	r := wire.NewReader(buf)
	auth, err := r.GetLargeString()
	if err != nil {
		return nil, err
	}
	sid, err := r.GetSmallString()
	if err != nil {
		return nil, err
	}
	corr, err := r.GetSmallString()
	if err != nil {
		return nil, err
	}
	entity, err := r.GetSmallString()
	if err != nil {
		return nil, err
	}
	cmd := r.GetTail()
	return &Transmission{
		Authenticator: append([]byte(nil), auth...),
		SessionId:     append([]byte(nil), sid...),
		CorrId:        CorrId(corr),
		EntityId:      append(EntityId(nil), entity...),
		CommandBytes:  append([]byte(nil), cmd...),
	}, nil
}

// ProtocolServer addresses a relay (spec §3): scheme, candidate hosts, a
// port, and the SHA-256 key_hash used both to address and pin the server
// during TLS handshake.
type ProtocolServer struct {
	Scheme  string
	Hosts   []string
	Port    string
	KeyHash [32]byte
}

func (s *ProtocolServer) String() string {
	host := ""
	if len(s.Hosts) > 0 {
		host = s.Hosts[0]
	}
	return fmt.Sprintf("%s://%s:%s/%x", s.Scheme, host, s.Port, s.KeyHash[:8])
}

// Cmd encodes a simple tagged command body: the tag as a small string,
// then an optional payload. SUB, NDEL, GET, OFF, DEL, PING, NSUB carry no
// payload beyond their entity id (already in the Transmission); NEW (the
// recipient key) and KEY/NKEY (a new key) carry a large-string key, and
// ACK carries the message id being acknowledged.
type Cmd struct {
	Tag     Tag
	KeyBody []byte // NEW (recipient key) / KEY / NKEY payload
	AckId   uint64 // ACK payload
}

// Encode serializes the command tag and its optional payload.
func (c *Cmd) Encode() []byte {
	w := wire.NewWriter(16 + len(c.KeyBody))
	_ = w.PutSmallString([]byte(c.Tag))
	switch c.Tag {
	case TagNEW, TagKEY, TagNKEY:
		_ = w.PutLargeString(c.KeyBody)
	case TagACK:
		w.PutUint64(c.AckId)
	}
	return w.Bytes()
}

// DecodeCmd parses bytes produced by Cmd.Encode.
func DecodeCmd(buf []byte) (*Cmd, error) {
	r := wire.NewReader(buf)
	tagBytes, err := r.GetSmallString()
	if err != nil {
		return nil, err
	}
	c := &Cmd{Tag: Tag(tagBytes)}
	switch c.Tag {
	case TagNEW, TagKEY, TagNKEY:
		body, err := r.GetLargeString()
		if err != nil {
			return nil, err
		}
		c.KeyBody = append([]byte(nil), body...)
	case TagACK:
		id, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		c.AckId = id
	}
	return c, nil
}

// Send encodes the SEND command's body: the (padded, ratchet-encrypted)
// message envelope.
type Send struct {
	Body []byte
}

func (s *Send) Encode() []byte {
	w := wire.NewWriter(4 + len(s.Body))
	_ = w.PutSmallString([]byte(TagSEND))
	w.PutTail(s.Body)
	return w.Bytes()
}

// Msg is the server->client response carrying a delivered message (spec
// §4.2): (msg_id, server_ts, flags, body) where body is the ciphertext
// envelope (EncRcvMsgBody).
type Msg struct {
	MsgId    uint64
	ServerTs int64
	Flags    uint16
	Body     []byte
}

func (m *Msg) Encode() []byte {
	w := wire.NewWriter(24 + len(m.Body))
	_ = w.PutSmallString([]byte(TagMSG))
	w.PutUint64(m.MsgId)
	w.PutUint64(uint64(m.ServerTs))
	w.PutUint16(m.Flags)
	w.PutTail(m.Body)
	return w.Bytes()
}

// DecodeMsg parses bytes produced by Msg.Encode (after the leading tag
// field has already been identified by the caller's dispatch).
func DecodeMsg(buf []byte) (*Msg, error) {
	r := wire.NewReader(buf)
	if _, err := r.GetSmallString(); err != nil { // tag
		return nil, err
	}
	id, err := r.GetUint64()
	if err != nil {
		return nil, err
	}
	ts, err := r.GetUint64()
	if err != nil {
		return nil, err
	}
	flags, err := r.GetUint16()
	if err != nil {
		return nil, err
	}
	return &Msg{MsgId: id, ServerTs: int64(ts), Flags: flags, Body: r.GetTail()}, nil
}

// Err is the server->client error response.
type Err struct {
	Kind   string
	Reason string
}

func (e *Err) Encode() []byte {
	w := wire.NewWriter(32)
	_ = w.PutSmallString([]byte(TagERR))
	_ = w.PutSmallString([]byte(e.Kind))
	_ = w.PutSmallString([]byte(e.Reason))
	return w.Bytes()
}

// WelcomeVersions is what a relay offers during version negotiation: the
// supported version range, and the selected version once both sides have
// agreed, grounded on the companyzero-zkc Welcome/ServerProperty exchange.
type WelcomeVersions struct {
	Min, Max Version
}

// Negotiate picks the highest version both client and server support, or
// reports failure via TransportError-equivalent at the caller (spec §6
// handshake: "Failure -> TransportError").
func Negotiate(client, server WelcomeVersions) (Version, bool) {
	hi := client.Max
	if server.Max < hi {
		hi = server.Max
	}
	lo := client.Min
	if server.Min > lo {
		lo = server.Min
	}
	if hi < lo {
		return 0, false
	}
	return hi, true
}
