package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS node (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	host_id          TEXT NOT NULL,
	port             INTEGER NOT NULL,
	role             TEXT NOT NULL,
	master_id        TEXT NOT NULL DEFAULT '',
	sync             TEXT NOT NULL DEFAULT 'none',
	path             TEXT NOT NULL,
	inited           INTEGER NOT NULL DEFAULT 0,
	in_cluster       INTEGER NOT NULL DEFAULT 0,
	allow_cure       INTEGER NOT NULL DEFAULT 1,
	cure_status      TEXT NOT NULL DEFAULT 'normal',
	replication_user TEXT NOT NULL DEFAULT '',
	UNIQUE(host_id, port),
	UNIQUE(host_id, path)
);

CREATE TABLE IF NOT EXISTS host (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL,
	agent_port INTEGER NOT NULL,
	os_user    TEXT NOT NULL DEFAULT ''
);
`

// SQLStore is a Store backed by an embedded sqlite database, used the
// way the teacher uses jmoiron/sqlx over its MySQL/MariaDB handles —
// the query layer is thin wrapper, not an ORM.
type SQLStore struct {
	db *sqlx.DB
	// mu is held from Begin until Commit/Abort, so this process runs one
	// catalog transaction at a time (a nested Begin blocks);
	// cross-process mutual exclusion is the row-level CAS in
	// UpdateCureStatus, matching spec §5 ("use the catalog, not
	// in-process locks") for cross-worker coordination.
	mu sync.Mutex
}

// Open creates/opens a sqlite-backed catalog store at path (":memory:"
// for tests).
func Open(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	sqltx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("catalog: begin: %w", err)
	}
	return &sqlTx{tx: sqltx, unlock: s.mu.Unlock}, nil
}

type sqlTx struct {
	tx     *sqlx.Tx
	unlock func()
	done   bool
}

type nodeRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	HostID          string `db:"host_id"`
	Port            int    `db:"port"`
	Role            string `db:"role"`
	MasterID        string `db:"master_id"`
	Sync            string `db:"sync"`
	Path            string `db:"path"`
	Inited          bool   `db:"inited"`
	InCluster       bool   `db:"in_cluster"`
	AllowCure       bool   `db:"allow_cure"`
	CureStatus      string `db:"cure_status"`
	ReplicationUser string `db:"replication_user"`
}

func (r nodeRow) toNode() Node {
	return Node{
		ID:              r.ID,
		Name:            r.Name,
		HostID:          r.HostID,
		Port:            r.Port,
		Role:            Role(r.Role),
		MasterID:        r.MasterID,
		Sync:            SyncState(r.Sync),
		Path:            r.Path,
		Inited:          r.Inited,
		InCluster:       r.InCluster,
		AllowCure:       r.AllowCure,
		CureStatus:      CureStatus(r.CureStatus),
		ReplicationUser: r.ReplicationUser,
	}
}

func fromNode(n Node) nodeRow {
	return nodeRow{
		ID:              n.ID,
		Name:            n.Name,
		HostID:          n.HostID,
		Port:            n.Port,
		Role:            string(n.Role),
		MasterID:        n.MasterID,
		Sync:            string(n.Sync),
		Path:            n.Path,
		Inited:          n.Inited,
		InCluster:       n.InCluster,
		AllowCure:       n.AllowCure,
		CureStatus:      string(n.CureStatus),
		ReplicationUser: n.ReplicationUser,
	}
}

type hostRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Address   string `db:"address"`
	AgentPort int    `db:"agent_port"`
	OSUser    string `db:"os_user"`
}

func (r hostRow) toHost() Host {
	return Host{ID: r.ID, Name: r.Name, Address: r.Address, AgentPort: r.AgentPort, OSUser: r.OSUser}
}

func fromHost(h Host) hostRow {
	return hostRow{ID: h.ID, Name: h.Name, Address: h.Address, AgentPort: h.AgentPort, OSUser: h.OSUser}
}

func (t *sqlTx) SelectByName(ctx context.Context, name string) (Node, error) {
	var r nodeRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM node WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, err
	}
	return r.toNode(), nil
}

func (t *sqlTx) SelectByID(ctx context.Context, id string) (Node, error) {
	var r nodeRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM node WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, err
	}
	return r.toNode(), nil
}

func (t *sqlTx) SelectByPredicate(ctx context.Context, p Predicate) ([]Node, error) {
	var rows []nodeRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM node ORDER BY rowid`); err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		n := r.toNode()
		if p.Match(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *sqlTx) Insert(ctx context.Context, n Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	r := fromNode(n)
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO node (id, name, host_id, port, role, master_id, sync, path, inited, in_cluster, allow_cure, cure_status, replication_user)
		VALUES (:id, :name, :host_id, :port, :role, :master_id, :sync, :path, :inited, :in_cluster, :allow_cure, :cure_status, :replication_user)
	`, r)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *sqlTx) Delete(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM node WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) UpdateInPlace(ctx context.Context, n Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	r := fromNode(n)
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE node SET name=:name, host_id=:host_id, port=:port, role=:role,
			master_id=:master_id, sync=:sync, path=:path, inited=:inited,
			in_cluster=:in_cluster, allow_cure=:allow_cure, cure_status=:cure_status,
			replication_user=:replication_user
		WHERE id=:id
	`, r)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) UpdateCureStatus(ctx context.Context, id string, expected, next CureStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE node SET cure_status = ? WHERE id = ? AND cure_status = ?`,
		string(next), id, string(expected))
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// distinguish "doesn't exist" from "lost the race"
		if _, ferr := t.SelectByID(ctx, id); ferr == ErrNotFound {
			return ErrNotFound
		}
		return ErrCASMismatch
	}
	return nil
}

func (t *sqlTx) SelectHostByID(ctx context.Context, id string) (Host, error) {
	var r hostRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM host WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Host{}, ErrHostNotFound
	}
	if err != nil {
		return Host{}, err
	}
	return r.toHost(), nil
}

func (t *sqlTx) UpsertHost(ctx context.Context, h Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO host (id, name, address, agent_port, os_user)
		VALUES (:id, :name, :address, :agent_port, :os_user)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, address = excluded.address,
			agent_port = excluded.agent_port, os_user = excluded.os_user
	`, fromHost(h))
	return err
}

func (t *sqlTx) Commit() error {
	t.done = true
	defer t.unlock()
	return t.tx.Commit()
}

func (t *sqlTx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.unlock()
	return t.tx.Rollback()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports this as a *sqlite3.Error whose Error()
	// text contains "UNIQUE constraint failed"; string-matching avoids
	// importing the driver's error type directly.
	return containsUniqueMsg(err.Error())
}

func containsUniqueMsg(msg string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
