// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
package cluster

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

func fakeHosts(addrs map[string]string) catalog.HostResolver {
	return func(ctx context.Context, hostID string) (catalog.Host, error) {
		addr, ok := addrs[hostID]
		if !ok {
			return catalog.Host{}, catalog.ErrHostNotFound
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return catalog.Host{}, err
		}
		return catalog.Host{ID: hostID, Address: host, AgentPort: 5432}, nil
	}
}

func TestAppendDatanodeSlaveEndToEnd(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	masterAddr := startFakeAgent(t, func(cmd agentproto.Command, args []string) []agentproto.Frame {
		if cmd == agentproto.CmdGetSQLStrings {
			return []agentproto.Frame{
				{Type: agentproto.MsgResult, Payload: agentproto.EncodeTokens("1 (dn1s)")},
				{Type: agentproto.MsgIdle},
			}
		}
		return defaultIdle(cmd, args)
	})
	slaveAddr := startFakeAgent(t, defaultIdle)

	master := catalog.Node{ID: "m1", Name: "dn1", HostID: "h1", Port: 5432, Role: catalog.RoleDNMaster, AllowCure: true}
	newSlave := catalog.Node{ID: "s1", Name: "dn1s", HostID: "h2", Port: 5432, Role: catalog.RoleDNSlave,
		MasterID: "m1", Sync: catalog.SyncPotential, AllowCure: true}

	if err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error { return tx.Insert(ctx, master) }); err != nil {
		t.Fatal(err)
	}

	hostAddr := map[string]string{"h1": masterAddr, "h2": slaveAddr}
	agentFor := func(hostID string) (*agentclient.Client, error) {
		return agentclient.New(hostAddr[hostID], 2*time.Second, nil), nil
	}
	hosts := fakeHosts(hostAddr)

	app := NewAppender(store, agentFor, hosts, nil, syncstandby.New(store, nil), topology.New(agentFor, hosts, nil), nil)

	if err := app.AppendDatanodeSlave(ctx, newSlave, master, "repl"); err != nil {
		t.Fatal(err)
	}

	var got catalog.Node
	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		var err error
		got, err = tx.SelectByID(ctx, "s1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Inited || !got.InCluster {
		t.Fatalf("expected inited+in-cluster flags flipped, got %+v", got)
	}
	// rule 3: a newly-joined potential slave with no sync sibling upgrades to sync
	if got.Sync != catalog.SyncSync {
		t.Fatalf("expected incoming potential slave upgraded to sync, got %q", got.Sync)
	}
}

func TestRemoveThenDropLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	addr := startFakeAgent(t, defaultIdle)
	node := catalog.Node{ID: "s1", Name: "dn1s", HostID: "h1", Port: 5432, Role: catalog.RoleDNSlave,
		MasterID: "m1", Sync: catalog.SyncAsync, AllowCure: true, InCluster: true}
	if err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error { return tx.Insert(ctx, node) }); err != nil {
		t.Fatal(err)
	}

	agentFor := func(hostID string) (*agentclient.Client, error) {
		return agentclient.New(addr, time.Second, nil), nil
	}
	app := NewAppender(store, agentFor, fakeHosts(map[string]string{"h1": addr}), nil, nil, nil, nil)

	if err := app.Drop(ctx, "s1"); err == nil {
		t.Fatal("expected drop to fail while still in-cluster")
	}

	if err := app.Remove(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := app.Drop(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		_, err := tx.SelectByID(ctx, "s1")
		return err
	})
	if err != catalog.ErrNotFound {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

// TestRemoveCleansUpReplicationHBA is the L1 regression: a slave
// appended with a replication HBA line must have that exact line
// deleted from its master on remove, returning the catalog to its
// pre-append state.
func TestRemoveCleansUpReplicationHBA(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var masterCmds []agentproto.Command
	masterAddr := startFakeAgent(t, func(cmd agentproto.Command, args []string) []agentproto.Frame {
		mu.Lock()
		masterCmds = append(masterCmds, cmd)
		mu.Unlock()
		if cmd == agentproto.CmdGetSQLStrings {
			return []agentproto.Frame{
				{Type: agentproto.MsgResult, Payload: agentproto.EncodeTokens("1 (dn1s)")},
				{Type: agentproto.MsgIdle},
			}
		}
		return defaultIdle(cmd, args)
	})
	slaveAddr := startFakeAgent(t, defaultIdle)

	master := catalog.Node{ID: "m1", Name: "dn1", HostID: "h1", Port: 5432, Role: catalog.RoleDNMaster, AllowCure: true}
	newSlave := catalog.Node{ID: "s1", Name: "dn1s", HostID: "h2", Port: 5432, Role: catalog.RoleDNSlave,
		MasterID: "m1", Sync: catalog.SyncPotential, AllowCure: true}

	if err := catalog.WithTx(ctx, store, func(tx catalog.Tx) error { return tx.Insert(ctx, master) }); err != nil {
		t.Fatal(err)
	}

	hostAddr := map[string]string{"h1": masterAddr, "h2": slaveAddr}
	agentFor := func(hostID string) (*agentclient.Client, error) {
		return agentclient.New(hostAddr[hostID], 2*time.Second, nil), nil
	}
	hosts := fakeHosts(hostAddr)
	app := NewAppender(store, agentFor, hosts, nil, syncstandby.New(store, nil), topology.New(agentFor, hosts, nil), nil)

	if err := app.AppendDatanodeSlave(ctx, newSlave, master, "repl"); err != nil {
		t.Fatal(err)
	}

	if err := app.Remove(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, c := range masterCmds {
		if c == agentproto.CmdConfDeleteHBALine {
			return
		}
	}
	t.Fatalf("expected master to receive a delete-HBA-line command on remove, got %v", masterCmds)
}
