// Package sqlitestore implements pkg/store.Store on SQLite, grounded on
// the teacher's pkg/storage/database.go and pkg/storage/relay_queue.go:
// sql.Open("sqlite3", ...), WAL mode for concurrency, a single schema
// string executed at open, parameterized queries, one transaction per
// Store method.
package sqlitestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/queue"
	"github.com/simplex-agent/smpagent/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conns (
	conn_id TEXT PRIMARY KEY,
	conn_type INTEGER NOT NULL,
	rcv_server TEXT,
	rcv_queue_id BLOB,
	rcv_status TEXT,
	rcv_dh_public_key BLOB,
	rcv_dh_secret BLOB,
	snd_server TEXT,
	snd_queue_id BLOB,
	snd_status TEXT,
	snd_dh_public_key BLOB,
	rcv_internal_counter INTEGER NOT NULL DEFAULT 0,
	snd_internal_counter INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conns_rcv_server_queue
	ON conns(rcv_server, rcv_queue_id) WHERE rcv_queue_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS rcv_msgs (
	conn_id TEXT NOT NULL,
	internal_id INTEGER NOT NULL,
	external_snd_id INTEGER NOT NULL,
	hash BLOB NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (conn_id, internal_id)
);

CREATE TABLE IF NOT EXISTS snd_msgs (
	conn_id TEXT NOT NULL,
	internal_id INTEGER NOT NULL,
	internal_snd_id INTEGER NOT NULL,
	previous_hash BLOB,
	body BLOB NOT NULL,
	PRIMARY KEY (conn_id, internal_id)
);

CREATE TABLE IF NOT EXISTS invitations (
	invitation_id TEXT PRIMARY KEY,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invitation_conns (
	invitation_id TEXT NOT NULL,
	conn_id TEXT NOT NULL,
	PRIMARY KEY (invitation_id, conn_id)
);
`

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)

func (s *Store) CreateRcvConn(connId string, rcv *queue.Queue) error {
	_, err := s.db.Exec(
		`INSERT INTO conns (conn_id, conn_type, rcv_server, rcv_queue_id, rcv_status, rcv_dh_public_key, rcv_dh_secret)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connId, int(queue.ConnTypeRcv), rcv.Server, rcv.QueueId, string(rcv.Status), rcv.DHPublicKey, rcv.DHSecret,
	)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("create rcv conn %s", connId), err)
	}
	return nil
}

func (s *Store) CreateSndConn(connId string, snd *queue.Queue) error {
	_, err := s.db.Exec(
		`INSERT INTO conns (conn_id, conn_type, snd_server, snd_queue_id, snd_status, snd_dh_public_key)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connId, int(queue.ConnTypeSnd), snd.Server, snd.QueueId, string(snd.Status), snd.DHPublicKey,
	)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("create snd conn %s", connId), err)
	}
	return nil
}

func (s *Store) UpgradeRcvToDuplex(connId string, snd *queue.Queue) error {
	res, err := s.db.Exec(
		`UPDATE conns SET conn_type = ?, snd_server = ?, snd_queue_id = ?, snd_status = ?, snd_dh_public_key = ?
		 WHERE conn_id = ?`,
		int(queue.ConnTypeDuplex), snd.Server, snd.QueueId, string(snd.Status), snd.DHPublicKey, connId,
	)
	return checkUpdated(res, err, connId)
}

func (s *Store) UpgradeSndToDuplex(connId string, rcv *queue.Queue) error {
	res, err := s.db.Exec(
		`UPDATE conns SET conn_type = ?, rcv_server = ?, rcv_queue_id = ?, rcv_status = ?, rcv_dh_public_key = ?, rcv_dh_secret = ?
		 WHERE conn_id = ?`,
		int(queue.ConnTypeDuplex), rcv.Server, rcv.QueueId, string(rcv.Status), rcv.DHPublicKey, rcv.DHSecret, connId,
	)
	return checkUpdated(res, err, connId)
}

func checkUpdated(res sql.Result, err error, connId string) error {
	if err != nil {
		return agenterr.Store(fmt.Sprintf("update conn %s", connId), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return agenterr.Store(fmt.Sprintf("update conn %s", connId), err)
	}
	if n == 0 {
		return agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	return nil
}

func (s *Store) scanConn(row *sql.Row, connId string) (store.Conn, error) {
	var connType int
	var rcvServer, rcvStatus, sndServer, sndStatus sql.NullString
	var rcvQueueId, rcvDHPub, rcvDHSecret, sndQueueId, sndDHPub []byte

	err := row.Scan(&connType, &rcvServer, &rcvQueueId, &rcvStatus, &rcvDHPub, &rcvDHSecret,
		&sndServer, &sndQueueId, &sndStatus, &sndDHPub)
	if err == sql.ErrNoRows {
		return store.Conn{}, agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	if err != nil {
		return store.Conn{}, agenterr.Store(fmt.Sprintf("get conn %s", connId), err)
	}

	c := store.Conn{ConnId: connId, Type: queue.ConnType(connType)}
	if rcvStatus.Valid {
		c.Rcv = &queue.Queue{
			Server: rcvServer.String, QueueId: rcvQueueId, Direction: queue.DirectionRcv,
			Status: queue.Status(rcvStatus.String), DHPublicKey: rcvDHPub, DHSecret: rcvDHSecret,
		}
	}
	if sndStatus.Valid {
		c.Snd = &queue.Queue{
			Server: sndServer.String, QueueId: sndQueueId, Direction: queue.DirectionSnd,
			Status: queue.Status(sndStatus.String), DHPublicKey: sndDHPub,
		}
	}
	return c, nil
}

func (s *Store) GetConn(connId string) (store.Conn, error) {
	row := s.db.QueryRow(
		`SELECT conn_type, rcv_server, rcv_queue_id, rcv_status, rcv_dh_public_key, rcv_dh_secret,
		        snd_server, snd_queue_id, snd_status, snd_dh_public_key
		 FROM conns WHERE conn_id = ?`, connId,
	)
	return s.scanConn(row, connId)
}

func (s *Store) GetRcvConn(server string, rcvId []byte) (store.Conn, error) {
	var connId string
	err := s.db.QueryRow(`SELECT conn_id FROM conns WHERE rcv_server = ? AND rcv_queue_id = ?`, server, rcvId).Scan(&connId)
	if err == sql.ErrNoRows {
		return store.Conn{}, agenterr.Store(fmt.Sprintf("no connection for %s/%x", server, rcvId), nil)
	}
	if err != nil {
		return store.Conn{}, agenterr.Store(fmt.Sprintf("get rcv conn %s/%x", server, rcvId), err)
	}
	return s.GetConn(connId)
}

func (s *Store) SetRcvQueueStatus(connId string, status queue.Status) error {
	res, err := s.db.Exec(`UPDATE conns SET rcv_status = ? WHERE conn_id = ?`, string(status), connId)
	return checkUpdated(res, err, connId)
}

func (s *Store) SetSndQueueStatus(connId string, status queue.Status) error {
	res, err := s.db.Exec(`UPDATE conns SET snd_status = ? WHERE conn_id = ?`, string(status), connId)
	return checkUpdated(res, err, connId)
}

func (s *Store) SetRcvQueueActive(connId string, dhSecret []byte) error {
	res, err := s.db.Exec(
		`UPDATE conns SET rcv_status = ?, rcv_dh_secret = ? WHERE conn_id = ?`,
		string(queue.StatusActive), dhSecret, connId,
	)
	return checkUpdated(res, err, connId)
}

func (s *Store) UpdateRcvIds(connId string) (internalId, internalRcvId, prevExtSndId uint64, prevRcvHash []byte, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
	}
	defer tx.Rollback()

	var counter int64
	if err := tx.QueryRow(`SELECT rcv_internal_counter FROM conns WHERE conn_id = ?`, connId).Scan(&counter); err != nil {
		return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
	}
	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM rcv_msgs WHERE conn_id = ?`, connId).Scan(&count); err != nil {
		return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
	}
	if count > 0 {
		if err := tx.QueryRow(
			`SELECT external_snd_id, hash FROM rcv_msgs WHERE conn_id = ? ORDER BY internal_id DESC LIMIT 1`, connId,
		).Scan(&prevExtSndId, &prevRcvHash); err != nil {
			return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
		}
	}

	counter++
	if _, err := tx.Exec(`UPDATE conns SET rcv_internal_counter = ? WHERE conn_id = ?`, counter, connId); err != nil {
		return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, 0, nil, agenterr.Store(fmt.Sprintf("update rcv ids %s", connId), err)
	}
	return uint64(counter), uint64(count + 1), prevExtSndId, prevRcvHash, nil
}

func (s *Store) UpdateSndIds(connId string) (internalId, internalSndId uint64, previousHash []byte, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
	}
	defer tx.Rollback()

	var counter int64
	if err := tx.QueryRow(`SELECT snd_internal_counter FROM conns WHERE conn_id = ?`, connId).Scan(&counter); err != nil {
		return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
	}
	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM snd_msgs WHERE conn_id = ?`, connId).Scan(&count); err != nil {
		return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
	}
	if count > 0 {
		if err := tx.QueryRow(
			`SELECT previous_hash FROM snd_msgs WHERE conn_id = ? ORDER BY internal_id DESC LIMIT 1`, connId,
		).Scan(&previousHash); err != nil {
			return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
		}
	}

	counter++
	if _, err := tx.Exec(`UPDATE conns SET snd_internal_counter = ? WHERE conn_id = ?`, counter, connId); err != nil {
		return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, nil, agenterr.Store(fmt.Sprintf("update snd ids %s", connId), err)
	}
	return uint64(counter), uint64(count + 1), previousHash, nil
}

func (s *Store) CreateRcvMsg(connId string, msg store.RcvMsg) error {
	_, err := s.db.Exec(
		`INSERT INTO rcv_msgs (conn_id, internal_id, external_snd_id, hash, body) VALUES (?, ?, ?, ?, ?)`,
		connId, msg.InternalId, msg.ExternalSndId, msg.Hash, msg.Body,
	)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("create rcv msg on %s", connId), err)
	}
	return nil
}

func (s *Store) CreateSndMsg(connId string, msg store.SndMsg) error {
	_, err := s.db.Exec(
		`INSERT INTO snd_msgs (conn_id, internal_id, internal_snd_id, previous_hash, body) VALUES (?, ?, ?, ?, ?)`,
		connId, msg.InternalId, msg.InternalSndId, msg.PreviousHash, msg.Body,
	)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("create snd msg on %s", connId), err)
	}
	return nil
}

func (s *Store) CreateInvitation(invitationId string, inv store.Invitation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return agenterr.Store(fmt.Sprintf("create invitation %s", invitationId), err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO invitations (invitation_id, status) VALUES (?, ?)`, invitationId, string(inv.Status)); err != nil {
		return agenterr.Store(fmt.Sprintf("create invitation %s", invitationId), err)
	}
	for _, connId := range inv.ConnIds {
		if _, err := tx.Exec(`INSERT INTO invitation_conns (invitation_id, conn_id) VALUES (?, ?)`, invitationId, connId); err != nil {
			return agenterr.Store(fmt.Sprintf("create invitation %s", invitationId), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return agenterr.Store(fmt.Sprintf("create invitation %s", invitationId), err)
	}
	return nil
}

func (s *Store) AddInvitationConn(invitationId, connId string) error {
	_, err := s.db.Exec(`INSERT INTO invitation_conns (invitation_id, conn_id) VALUES (?, ?)`, invitationId, connId)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("add invitation conn %s/%s", invitationId, connId), err)
	}
	return nil
}

func (s *Store) SetInvitationStatus(invitationId string, status store.InvitationStatus) error {
	res, err := s.db.Exec(`UPDATE invitations SET status = ? WHERE invitation_id = ?`, string(status), invitationId)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("set invitation status %s", invitationId), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return agenterr.Store(fmt.Sprintf("set invitation status %s", invitationId), err)
	}
	if n == 0 {
		return agenterr.Store(fmt.Sprintf("invitation %s not found", invitationId), nil)
	}
	return nil
}

func (s *Store) GetInvitation(invitationId string) (store.Invitation, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM invitations WHERE invitation_id = ?`, invitationId).Scan(&status)
	if err == sql.ErrNoRows {
		return store.Invitation{}, agenterr.Store(fmt.Sprintf("invitation %s not found", invitationId), nil)
	}
	if err != nil {
		return store.Invitation{}, agenterr.Store(fmt.Sprintf("get invitation %s", invitationId), err)
	}

	rows, err := s.db.Query(`SELECT conn_id FROM invitation_conns WHERE invitation_id = ? ORDER BY conn_id`, invitationId)
	if err != nil {
		return store.Invitation{}, agenterr.Store(fmt.Sprintf("get invitation conns %s", invitationId), err)
	}
	defer rows.Close()

	inv := store.Invitation{InvitationId: invitationId, Status: store.InvitationStatus(status)}
	for rows.Next() {
		var connId string
		if err := rows.Scan(&connId); err != nil {
			return store.Invitation{}, agenterr.Store(fmt.Sprintf("scan invitation conns %s", invitationId), err)
		}
		inv.ConnIds = append(inv.ConnIds, connId)
	}
	return inv, nil
}

func (s *Store) DeleteConn(connId string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return agenterr.Store(fmt.Sprintf("delete conn %s", connId), err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM conns WHERE conn_id = ?`, connId)
	if err != nil {
		return agenterr.Store(fmt.Sprintf("delete conn %s", connId), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return agenterr.Store(fmt.Sprintf("delete conn %s", connId), err)
	}
	if n == 0 {
		return agenterr.Store(fmt.Sprintf("conn %s not found", connId), nil)
	}
	if _, err := tx.Exec(`DELETE FROM rcv_msgs WHERE conn_id = ?`, connId); err != nil {
		return agenterr.Store(fmt.Sprintf("delete conn %s", connId), err)
	}
	if _, err := tx.Exec(`DELETE FROM snd_msgs WHERE conn_id = ?`, connId); err != nil {
		return agenterr.Store(fmt.Sprintf("delete conn %s", connId), err)
	}
	return tx.Commit()
}
