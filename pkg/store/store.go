// Package store defines the abstract persistence contract (spec §6,
// "Store contract (consumed, not implemented here)") and an in-memory
// implementation of it for tests. pkg/store/sqlitestore provides the
// concrete SQLite-backed implementation.
package store

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/queue"
)

// InvitationStatus tracks the lifecycle of a connection-link invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
)

// RcvMsg and SndMsg record one persisted envelope for a connection's
// receive or send queue, enough to recompute previousMsgHash (spec
// §4.7's "send" operation).
type RcvMsg struct {
	InternalId    uint64
	ExternalSndId uint64
	Hash          []byte
	Body          []byte
}

type SndMsg struct {
	InternalId    uint64
	InternalSndId uint64
	PreviousHash  []byte
	Body          []byte
}

// Invitation is a pending or accepted connection-link invitation.
type Invitation struct {
	InvitationId string
	Status       InvitationStatus
	ConnIds      []string
}

// Conn is one persisted connection record: its id, its type, and
// whichever of its receive/send queues exist at this point in its
// lifecycle (spec §4.5's New/Confirmed/Secured/Active/Disabled views).
type Conn struct {
	ConnId string
	Type   queue.ConnType
	Rcv    *queue.Queue
	Snd    *queue.Queue
}

// Store is the persistence contract every agent operation (pkg/agent)
// depends on. Every method is atomic: a single transaction/critical
// section per call (spec §5, "every mutation is wrapped in a single
// transaction").
type Store interface {
	CreateRcvConn(connId string, rcv *queue.Queue) error
	CreateSndConn(connId string, snd *queue.Queue) error
	UpgradeRcvToDuplex(connId string, snd *queue.Queue) error
	UpgradeSndToDuplex(connId string, rcv *queue.Queue) error

	GetConn(connId string) (Conn, error)
	GetRcvConn(server string, rcvId []byte) (Conn, error)

	SetRcvQueueStatus(connId string, status queue.Status) error
	SetSndQueueStatus(connId string, status queue.Status) error
	SetRcvQueueActive(connId string, dhSecret []byte) error

	// UpdateRcvIds allocates the next ids for an inbound message on
	// connId and returns the previous external sender id and hash
	// needed to check the new message's previousMsgHash link.
	UpdateRcvIds(connId string) (internalId, internalRcvId, prevExtSndId uint64, prevRcvHash []byte, err error)
	// UpdateSndIds allocates the next ids for an outbound message on
	// connId and returns the previous hash to chain into it.
	UpdateSndIds(connId string) (internalId, internalSndId uint64, previousHash []byte, err error)

	CreateRcvMsg(connId string, msg RcvMsg) error
	CreateSndMsg(connId string, msg SndMsg) error

	CreateInvitation(invitationId string, inv Invitation) error
	AddInvitationConn(invitationId, connId string) error
	SetInvitationStatus(invitationId string, status InvitationStatus) error
	GetInvitation(invitationId string) (Invitation, error)

	DeleteConn(connId string) error
}

// Memory is an in-memory Store, for tests and for embedding applications
// that don't need durability.
type Memory struct {
	mu          sync.Mutex
	conns       map[string]*Conn
	rcvByServer map[string]string // "server|rcvId" -> connId
	rcvIds      map[string]uint64
	sndIds      map[string]uint64
	rcvMsgs     map[string][]RcvMsg
	sndMsgs     map[string][]SndMsg
	invitations map[string]*Invitation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conns:       make(map[string]*Conn),
		rcvByServer: make(map[string]string),
		rcvIds:      make(map[string]uint64),
		sndIds:      make(map[string]uint64),
		rcvMsgs:     make(map[string][]RcvMsg),
		sndMsgs:     make(map[string][]SndMsg),
		invitations: make(map[string]*Invitation),
	}
}

func rcvKey(server string, rcvId []byte) string { return server + "|" + hex.EncodeToString(rcvId) }

func (m *Memory) CreateRcvConn(connId string, rcv *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[connId]; exists {
		return agenterr.Store(fmt.Sprintf("conn %s already exists", connId), nil)
	}
	m.conns[connId] = &Conn{ConnId: connId, Type: queue.ConnTypeRcv, Rcv: rcv}
	m.rcvByServer[rcvKey(rcv.Server, rcv.QueueId)] = connId
	return nil
}

func (m *Memory) CreateSndConn(connId string, snd *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[connId]; exists {
		return agenterr.Store(fmt.Sprintf("conn %s already exists", connId), nil)
	}
	m.conns[connId] = &Conn{ConnId: connId, Type: queue.ConnTypeSnd, Snd: snd}
	return nil
}

func (m *Memory) UpgradeRcvToDuplex(connId string, snd *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok {
		return agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	c.Type = queue.ConnTypeDuplex
	c.Snd = snd
	return nil
}

func (m *Memory) UpgradeSndToDuplex(connId string, rcv *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok {
		return agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	c.Type = queue.ConnTypeDuplex
	c.Rcv = rcv
	m.rcvByServer[rcvKey(rcv.Server, rcv.QueueId)] = connId
	return nil
}

func (m *Memory) GetConn(connId string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok {
		return Conn{}, agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	return *c, nil
}

func (m *Memory) GetRcvConn(server string, rcvId []byte) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connId, ok := m.rcvByServer[rcvKey(server, rcvId)]
	if !ok {
		return Conn{}, agenterr.Store(fmt.Sprintf("no connection for %s/%x", server, rcvId), nil)
	}
	return *m.conns[connId], nil
}

func (m *Memory) SetRcvQueueStatus(connId string, status queue.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok || c.Rcv == nil {
		return agenterr.Store(fmt.Sprintf("conn %s has no receive queue", connId), nil)
	}
	c.Rcv.Status = status
	return nil
}

func (m *Memory) SetSndQueueStatus(connId string, status queue.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok || c.Snd == nil {
		return agenterr.Store(fmt.Sprintf("conn %s has no send queue", connId), nil)
	}
	c.Snd.Status = status
	return nil
}

func (m *Memory) SetRcvQueueActive(connId string, dhSecret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok || c.Rcv == nil {
		return agenterr.Store(fmt.Sprintf("conn %s has no receive queue", connId), nil)
	}
	c.Rcv.Status = queue.StatusActive
	c.Rcv.DHSecret = dhSecret
	return nil
}

func (m *Memory) UpdateRcvIds(connId string) (internalId, internalRcvId, prevExtSndId uint64, prevRcvHash []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.rcvMsgs[connId]
	m.rcvIds[connId]++
	internalId = m.rcvIds[connId]
	internalRcvId = uint64(len(msgs) + 1)
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		prevExtSndId = last.ExternalSndId
		prevRcvHash = last.Hash
	}
	return internalId, internalRcvId, prevExtSndId, prevRcvHash, nil
}

func (m *Memory) UpdateSndIds(connId string) (internalId, internalSndId uint64, previousHash []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.sndMsgs[connId]
	m.sndIds[connId]++
	internalId = m.sndIds[connId]
	internalSndId = uint64(len(msgs) + 1)
	if len(msgs) > 0 {
		previousHash = msgs[len(msgs)-1].PreviousHash
	}
	return internalId, internalSndId, previousHash, nil
}

func (m *Memory) CreateRcvMsg(connId string, msg RcvMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvMsgs[connId] = append(m.rcvMsgs[connId], msg)
	return nil
}

func (m *Memory) CreateSndMsg(connId string, msg SndMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sndMsgs[connId] = append(m.sndMsgs[connId], msg)
	return nil
}

func (m *Memory) CreateInvitation(invitationId string, inv Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.invitations[invitationId]; exists {
		return agenterr.Store(fmt.Sprintf("invitation %s already exists", invitationId), nil)
	}
	invCopy := inv
	m.invitations[invitationId] = &invCopy
	return nil
}

func (m *Memory) AddInvitationConn(invitationId, connId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[invitationId]
	if !ok {
		return agenterr.Store(fmt.Sprintf("invitation %s not found", invitationId), nil)
	}
	inv.ConnIds = append(inv.ConnIds, connId)
	sort.Strings(inv.ConnIds)
	return nil
}

func (m *Memory) SetInvitationStatus(invitationId string, status InvitationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[invitationId]
	if !ok {
		return agenterr.Store(fmt.Sprintf("invitation %s not found", invitationId), nil)
	}
	inv.Status = status
	return nil
}

func (m *Memory) GetInvitation(invitationId string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[invitationId]
	if !ok {
		return Invitation{}, agenterr.Store(fmt.Sprintf("invitation %s not found", invitationId), nil)
	}
	return *inv, nil
}

func (m *Memory) DeleteConn(connId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connId]
	if !ok {
		return agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	if c.Rcv != nil {
		delete(m.rcvByServer, rcvKey(c.Rcv.Server, c.Rcv.QueueId))
	}
	delete(m.conns, connId)
	delete(m.rcvMsgs, connId)
	delete(m.sndMsgs, connId)
	delete(m.rcvIds, connId)
	delete(m.sndIds, connId)
	return nil
}
