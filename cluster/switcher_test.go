// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
package cluster

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/lock"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

// handlerFunc answers one decoded command with the frames to send back
// (including the terminal IDLE/ERROR).
type handlerFunc func(cmd agentproto.Command, args []string) []agentproto.Frame

func defaultIdle(agentproto.Command, []string) []agentproto.Frame {
	return []agentproto.Frame{{Type: agentproto.MsgIdle}}
}

func pgIsInRecoveryFalse(agentproto.Command, []string) []agentproto.Frame {
	return []agentproto.Frame{
		{Type: agentproto.MsgResult, Payload: agentproto.EncodeTokens("f")},
		{Type: agentproto.MsgIdle},
	}
}

func emptySyncStandbyNames(agentproto.Command, []string) []agentproto.Frame {
	return []agentproto.Frame{
		{Type: agentproto.MsgResult, Payload: agentproto.EncodeTokens("")},
		{Type: agentproto.MsgIdle},
	}
}

// startFakeAgent serves forever (until the listener is closed by test
// cleanup), dispatching each accepted connection's single command to
// handler.
func startFakeAgent(t *testing.T, handler func(cmd agentproto.Command, args []string) []agentproto.Frame) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				frame, err := agentproto.ReadFrame(r)
				if err != nil {
					return // liveness probe: connect then close, no frame
				}
				cmd, args, err := agentproto.DecodeCommand(frame.Payload)
				if err != nil {
					return
				}
				var replies []agentproto.Frame
				if handler != nil {
					replies = handler(cmd, args)
				}
				if replies == nil {
					replies = []agentproto.Frame{{Type: agentproto.MsgIdle}}
				}
				for _, rep := range replies {
					agentproto.WriteFrame(c, rep)
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type fakeCoord struct{}

func (fakeCoord) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (fakeCoord) Close() error { return nil }

func openTestStore(t *testing.T) catalog.Store {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFenceResumesRowAlreadySwitching(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	master := catalog.Node{ID: "m1", Name: "dn1", HostID: "h1", Port: 5432, Role: catalog.RoleDNMaster,
		AllowCure: true, CureStatus: catalog.CureSwitching}
	if err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error { return tx.Insert(ctx, master) }); err != nil {
		t.Fatal(err)
	}

	sw := NewSwitcher(Deps{Catalog: store}, time.Second)
	// row already in "switching": fence treats it as already-owned, not a fresh fence.
	fenced, err := sw.fence(ctx, master)
	if err != nil {
		t.Fatal(err)
	}
	if !fenced {
		t.Fatal("expected an already-switching row to be treated as fenced")
	}
}

func TestCandidatePrefersHighestWALSyncOnly(t *testing.T) {
	sw := NewSwitcher(Deps{}, time.Second)
	slaves := []catalog.Node{
		{ID: "s1", Name: "s1", Sync: catalog.SyncAsync, WALLsn: 100},
		{ID: "s2", Name: "s2", Sync: catalog.SyncSync, WALLsn: 10},
		{ID: "s3", Name: "s3", Sync: catalog.SyncSync, WALLsn: 50},
	}
	cand, err := sw.candidate(context.Background(), "dn1", slaves, false)
	if err != nil {
		t.Fatal(err)
	}
	if cand.ID != "s3" {
		t.Fatalf("expected highest-WAL sync candidate s3, got %s", cand.ID)
	}
}

func TestCandidateForceFallsBackToAsyncWhenAgentPingable(t *testing.T) {
	addr := startFakeAgent(t, nil)
	sw := NewSwitcher(Deps{
		AgentFor: func(hostID string) (*agentclient.Client, error) {
			return agentclient.New(addr, time.Second, nil), nil
		},
	}, time.Second)
	slaves := []catalog.Node{
		{ID: "s1", Name: "s1", HostID: "h1", Sync: catalog.SyncAsync, WALLsn: 100},
	}
	cand, err := sw.candidate(context.Background(), "dn1", slaves, true)
	if err != nil {
		t.Fatal(err)
	}
	if cand.ID != "s1" {
		t.Fatalf("got %s", cand.ID)
	}
}

func TestMasterFailedEndToEnd(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	oldMasterAddr := startFakeAgent(t, defaultIdle)
	candidateAddr := startFakeAgent(t, func(cmd agentproto.Command, args []string) []agentproto.Frame {
		switch cmd {
		case agentproto.CmdGetSQLStrings:
			if len(args) > 0 && args[0] == "SHOW synchronous_standby_names" {
				return emptySyncStandbyNames(cmd, args)
			}
			return pgIsInRecoveryFalse(cmd, args)
		default:
			return defaultIdle(cmd, args)
		}
	})
	coordAddr := startFakeAgent(t, defaultIdle)

	master := catalog.Node{ID: "m1", Name: "dn1", HostID: "h1", Port: 5432, Role: catalog.RoleDNMaster,
		AllowCure: true, CureStatus: catalog.CureSwitching, Sync: catalog.SyncNone}
	candidate := catalog.Node{ID: "s1", Name: "dn1s", HostID: "h2", Port: 5432, Role: catalog.RoleDNSlave,
		MasterID: "m1", Sync: catalog.SyncSync, InCluster: true, AllowCure: true, WALLsn: 100}
	coord := catalog.Node{ID: "c1", Name: "coord1", HostID: "h3", Port: 5432, Role: catalog.RoleCoordMaster,
		InCluster: true, AllowCure: true}

	if err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		if err := tx.Insert(ctx, master); err != nil {
			return err
		}
		if err := tx.Insert(ctx, candidate); err != nil {
			return err
		}
		return tx.Insert(ctx, coord)
	}); err != nil {
		t.Fatal(err)
	}

	hostAddr := map[string]string{"h1": oldMasterAddr, "h2": candidateAddr, "h3": coordAddr}
	agentFor := func(hostID string) (*agentclient.Client, error) {
		return agentclient.New(hostAddr[hostID], 2*time.Second, nil), nil
	}

	hosts := func(ctx context.Context, hostID string) (catalog.Host, error) {
		addr, ok := hostAddr[hostID]
		if !ok {
			return catalog.Host{}, catalog.ErrHostNotFound
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return catalog.Host{}, err
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		return catalog.Host{ID: hostID, Address: host, AgentPort: port}, nil
	}

	lockAcquirer := lock.New(
		func(ctx context.Context, host string, port int) (lock.Coordinator, error) { return fakeCoord{}, nil },
		hosts,
		"10.0.0.1",
		nil,
	)

	deps := Deps{
		Catalog:    store,
		AgentFor:   agentFor,
		Hosts:      hosts,
		Lock:       lockAcquirer,
		SyncEditor: syncstandby.New(store, nil),
		Topology:   topology.New(agentFor, hosts, nil),
	}
	sw := NewSwitcher(deps, time.Second)

	if err := sw.masterFailed(ctx, master); err != nil {
		t.Fatal(err)
	}

	var finalCandidate catalog.Node
	var oldMasterErr error
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		var err error
		finalCandidate, err = tx.SelectByID(ctx, "s1")
		if err != nil {
			return err
		}
		_, oldMasterErr = tx.SelectByID(ctx, "m1") // checked below
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if finalCandidate.Role != catalog.RoleDNMaster {
		t.Fatalf("expected promoted node flipped to dn-master, got %q", finalCandidate.Role)
	}
	if finalCandidate.MasterID != "" {
		t.Fatalf("expected promoted node to have no master-id, got %q", finalCandidate.MasterID)
	}
	if finalCandidate.Sync != catalog.SyncNone {
		t.Fatalf("expected promoted node sync=none, got %q", finalCandidate.Sync)
	}
	if oldMasterErr != catalog.ErrNotFound {
		t.Fatalf("expected old master row m1 deleted, got %v", oldMasterErr)
	}
}
