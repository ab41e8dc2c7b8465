// Package pgping implements prober.Pinger for coordinator and datanode
// ports: a bare Postgres startup packet over an already-open TCP
// connection, distinguishing a live, accepting backend (OK) from one
// that rejects the connection at the protocol level (REJECT) without
// ever completing authentication or opening a session.
package pgping

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
)

type Pinger struct{}

func New() Pinger { return Pinger{} }

// Ping sends a startup packet for dbname=postgres and reads the first
// backend response. AuthenticationOk/AuthenticationCleartextPassword/
// AuthenticationMD5Password all mean the backend is accepting
// connections and is reported OK by the caller; ErrorResponse (e.g.
// "the database system is starting up") is a protocol-level REJECT.
func (Pinger) Ping(ctx context.Context, conn net.Conn, user string) error {
	if user == "" {
		user = "postgres"
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     user,
			"database": "postgres",
		},
	}
	if err := frontend.Send(startup); err != nil {
		return clustererr.TransientNetwork("pgping: writing startup packet", err)
	}

	msg, err := frontend.Receive()
	if err != nil {
		return clustererr.TransientNetwork("pgping: reading startup response", err)
	}
	switch msg.(type) {
	case *pgproto3.ErrorResponse:
		return clustererr.ProtocolViolation("pgping: backend rejected startup packet")
	default:
		return nil
	}
}
