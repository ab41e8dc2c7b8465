// Package lock implements the cluster-wide administrative lock (C5,
// spec §4.6): pg_pause_cluster()/pg_unpause_cluster() against a
// reachable coordinator, with a scoped HBA trust-line fallback when the
// manager's address isn't yet allowed to connect.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
)

const (
	pauseRetries  = 15
	pauseInterval = 100 * time.Millisecond
	hbaMaskBits   = 31
)

// Coordinator is the narrow database handle the lock needs: a single
// administrative connection capable of running SELECT statements.
// Production callers hand in an *sqlx.DB opened against the admin
// database; tests hand in a fake.
type Coordinator interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Close() error
}

// Dialer opens an administrative connection to a coordinator's
// host:port. Returning an error here is the trigger for the HBA
// trust-line fallback (spec §4.6 step 3).
type Dialer func(ctx context.Context, host string, port int) (Coordinator, error)

// Lock is a held cluster lock; Release must be called exactly once,
// typically via defer immediately after Acquire succeeds.
type Lock struct {
	coord      Coordinator
	agent      *agentclient.Client
	hbaAdded   bool
	managerIP  string
	log        *logrus.Entry
}

// Acquirer holds the collaborators needed to find and lock a
// coordinator.
type Acquirer struct {
	Dial      Dialer
	Hosts     catalog.HostResolver
	ManagerIP string
	Log       *logrus.Entry
}

func New(dial Dialer, hosts catalog.HostResolver, managerIP string, log *logrus.Entry) *Acquirer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Acquirer{Dial: dial, Hosts: hosts, ManagerIP: managerIP, Log: log}
}

// Acquire walks candidates (any coordinator the caller's prober marked
// OK) until one accepts a lock, per spec §4.6 steps 1-4.
func (a *Acquirer) Acquire(ctx context.Context, candidates []catalog.Node) (*Lock, error) {
	var lastErr error
	for _, n := range candidates {
		l, err := a.acquireOne(ctx, n)
		if err == nil {
			return l, nil
		}
		lastErr = err
		a.Log.WithField("coordinator", n.Name).WithError(err).Warn("cluster lock: coordinator unavailable, trying next")
	}
	if lastErr == nil {
		lastErr = clustererr.TransientNetwork("no coordinator candidates supplied", nil)
	}
	return nil, lastErr
}

func (a *Acquirer) acquireOne(ctx context.Context, n catalog.Node) (*Lock, error) {
	coord, hbaAdded, err := a.connectWithFallback(ctx, n)
	if err != nil {
		return nil, err
	}

	if err := pauseWithRetry(ctx, coord); err != nil {
		coord.Close()
		return nil, err
	}

	return &Lock{
		coord:     coord,
		hbaAdded:  hbaAdded,
		managerIP: a.ManagerIP,
		log:       a.Log,
		agent:     a.agentFor(ctx, n),
	}, nil
}

func (a *Acquirer) agentFor(ctx context.Context, n catalog.Node) *agentclient.Client {
	host, err := a.Hosts(ctx, n.HostID)
	if err != nil {
		return nil
	}
	return agentclient.New(host.AgentEndpoint(), 0, a.Log)
}

// connectWithFallback tries a direct connection first; on failure it
// pushes a trust-line HBA entry via the node's agent and retries once
// (spec §4.6 step 3). The dial always targets the node's resolved host
// address, never its display Name, since Name is not a routable address.
func (a *Acquirer) connectWithFallback(ctx context.Context, n catalog.Node) (Coordinator, bool, error) {
	host, err := a.Hosts(ctx, n.HostID)
	if err != nil {
		return nil, false, clustererr.TransientNetwork(fmt.Sprintf("resolving host for coordinator %s", n.Name), err)
	}

	coord, err := a.Dial(ctx, host.Address, n.Port)
	if err == nil {
		return coord, false, nil
	}

	agent := agentclient.New(host.AgentEndpoint(), 0, a.Log)
	line := agentproto.HBALine{
		Type:     "host",
		Database: "all",
		User:     "all",
		Address:  a.ManagerIP,
		MaskBits: hbaMaskBits,
		Auth:     "trust",
	}
	if _, rpcErr := agent.Do(ctx, agentproto.CmdConfRefreshHBA, nil, line.Tokens()...); rpcErr != nil {
		return nil, false, clustererr.TransientNetwork(fmt.Sprintf("pushing HBA trust line to %s", n.Name), rpcErr)
	}
	if _, rpcErr := agent.Do(ctx, agentproto.CmdConfRefreshPostgresReload, nil); rpcErr != nil {
		return nil, false, clustererr.TransientNetwork(fmt.Sprintf("reloading %s after HBA edit", n.Name), rpcErr)
	}

	coord, err = a.Dial(ctx, host.Address, n.Port)
	if err != nil {
		return nil, true, clustererr.TransientNetwork(fmt.Sprintf("connect to coordinator %s still failing after HBA edit", n.Name), err)
	}
	return coord, true, nil
}

func pauseWithRetry(ctx context.Context, coord Coordinator) error {
	var lastErr error
	for attempt := 0; attempt < pauseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return clustererr.TransientNetwork("pg_pause_cluster: context canceled during retry", ctx.Err())
			case <-time.After(pauseInterval):
			}
		}
		_, err := coord.ExecContext(ctx, "SELECT pg_pause_cluster()")
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return clustererr.TransientNetwork(fmt.Sprintf("pg_pause_cluster() did not succeed after %d attempts", pauseRetries), lastErr)
}

// Release unpauses the cluster and, if an HBA line was added during
// Acquire, removes it and reloads (spec §4.6 step 5). Safe to call via
// defer; it is not idempotent and must be called exactly once.
func (l *Lock) Release(ctx context.Context) error {
	defer l.coord.Close()

	_, err := l.coord.ExecContext(ctx, "SELECT pg_unpause_cluster()")
	if err != nil {
		l.log.WithError(err).Error("cluster lock: pg_unpause_cluster failed")
	}

	if l.hbaAdded && l.agent != nil {
		line := agentproto.HBALine{
			Type:     "host",
			Database: "all",
			User:     "all",
			Address:  l.managerIP,
			MaskBits: hbaMaskBits,
			Auth:     "trust",
		}
		if _, rpcErr := l.agent.Do(ctx, agentproto.CmdConfDeleteHBALine, nil, line.Tokens()...); rpcErr != nil {
			l.log.WithError(rpcErr).Error("cluster lock: failed to remove HBA trust line")
			if err == nil {
				err = rpcErr
			}
		} else if _, rpcErr := l.agent.Do(ctx, agentproto.CmdConfRefreshPostgresReload, nil); rpcErr != nil {
			l.log.WithError(rpcErr).Error("cluster lock: failed to reload after HBA removal")
			if err == nil {
				err = rpcErr
			}
		}
	}
	return err
}

// SQLDialer adapts sqlx to the Dialer contract for production use.
func SQLDialer(driverName string) Dialer {
	return func(ctx context.Context, host string, port int) (Coordinator, error) {
		dsn := fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=disable connect_timeout=2", host, port)
		db, err := sqlx.ConnectContext(ctx, driverName, dsn)
		if err != nil {
			return nil, err
		}
		return sqlCoordinator{db}, nil
	}
}

type sqlCoordinator struct{ db *sqlx.DB }

func (s sqlCoordinator) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}
func (s sqlCoordinator) Close() error { return s.db.Close() }
