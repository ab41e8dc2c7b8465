// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Package cluster's append engine (C8, spec §4.8) brings a new node
// into a running cluster: datanode-slave, datanode-master, gtm-slave,
// and coordinator-master each follow their own sequence but share the
// same collaborators as the switcher (agent client, lock, sync-standby
// editor, topology editor).
package cluster

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/confwriter"
	"github.com/pgxc-mgr/clustermgr/internal/lock"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

// Appender runs the join procedures of §4.8.
type Appender struct {
	Catalog    catalog.Store
	AgentFor   func(hostID string) (*agentclient.Client, error)
	Hosts      catalog.HostResolver
	Lock       *lock.Acquirer
	SyncEditor *syncstandby.Editor
	Topology   *topology.Editor
	Log        *logrus.Entry
}

func NewAppender(catalogStore catalog.Store, agentFor func(hostID string) (*agentclient.Client, error), hosts catalog.HostResolver,
	lockAcquirer *lock.Acquirer, syncEditor *syncstandby.Editor, topologyEditor *topology.Editor, log *logrus.Entry) *Appender {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Appender{Catalog: catalogStore, AgentFor: agentFor, Hosts: hosts, Lock: lockAcquirer, SyncEditor: syncEditor, Topology: topologyEditor, Log: log}
}

// replicationHBALine is the exact HBA entry appendSlaveJoin opens on a
// master for a new slave's replication connection, and the one Remove
// later deletes to satisfy L1 ("every HBA line added during append is
// removed").
func replicationHBALine(replicationUser string) agentproto.HBALine {
	return agentproto.HBALine{Type: "host", Database: "replication", User: replicationUser, Address: "0.0.0.0/0", MaskBits: 0, Auth: "md5"}
}

// AppendDatanodeSlave implements §4.8's datanode-slave sequence: open
// HBA for the replication user, BASEBACKUP from master, write config,
// start, rewrite master's sync list, reload master, flip flags.
func (a *Appender) AppendDatanodeSlave(ctx context.Context, newNode catalog.Node, master catalog.Node, replicationUser string) error {
	return a.appendSlaveJoin(ctx, newNode, master, replicationUser)
}

// AppendGTMSlave implements §4.8's gtm-slave sequence, which "follows
// an analogous sequence" to datanode-slave: open HBA, BASEBACKUP, write
// config, start, rewrite master's sync list, reload master, flip flags.
func (a *Appender) AppendGTMSlave(ctx context.Context, newNode catalog.Node, master catalog.Node, replicationUser string) error {
	return a.appendSlaveJoin(ctx, newNode, master, replicationUser)
}

// appendSlaveJoin is the slave-join procedure shared by datanode-slave
// and gtm-slave (spec §4.8: "GTM-slave ... follow[s] analogous
// sequences" to datanode-slave).
func (a *Appender) appendSlaveJoin(ctx context.Context, newNode catalog.Node, master catalog.Node, replicationUser string) error {
	if newNode.MasterID != master.ID {
		return fmt.Errorf("append: new node %s must reference master %s", newNode.Name, master.Name)
	}

	masterHost, err := a.Hosts(ctx, master.HostID)
	if err != nil {
		return fmt.Errorf("append: resolving host for master %s: %w", master.Name, err)
	}

	masterAgent, err := a.AgentFor(master.HostID)
	if err != nil {
		return err
	}
	masterWriter := confwriter.New(masterAgent)
	replLine := replicationHBALine(replicationUser)
	if err := masterWriter.AddHBALine(ctx, replLine, true); err != nil {
		return fmt.Errorf("append: opening replication HBA on %s: %w", master.Name, err)
	}

	newAgent, err := a.AgentFor(newNode.HostID)
	if err != nil {
		return err
	}
	if _, err := newAgent.Do(ctx, agentproto.CmdBasebackup, nil, fmt.Sprintf("host=%s port=%d", masterHost.Address, master.Port)); err != nil {
		return fmt.Errorf("append: basebackup from %s: %w", master.Name, err)
	}

	newWriter := confwriter.New(newAgent)
	if err := newWriter.WritePostgresConf(ctx, newNode.Path+"/postgresql.conf", map[string]string{
		"port":                      fmt.Sprintf("%d", newNode.Port),
		"hot_standby":               "on",
		"synchronous_standby_names": "",
	}, false); err != nil {
		return fmt.Errorf("append: writing postgresql.conf on %s: %w", newNode.Name, err)
	}
	if err := newWriter.WriteRecoveryConf(ctx, newNode.Path+"/recovery.conf", map[string]string{
		"standby_mode":     "on",
		"primary_conninfo": fmt.Sprintf("host=%s port=%d user=%s", masterHost.Address, master.Port, replicationUser),
	}); err != nil {
		return fmt.Errorf("append: writing recovery.conf on %s: %w", newNode.Name, err)
	}
	if _, err := newAgent.Do(ctx, agentproto.CmdNodeStart, nil); err != nil {
		return fmt.Errorf("append: starting %s: %w", newNode.Name, err)
	}

	newNode.ReplicationUser = replicationUser
	if err := catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		if err := tx.Insert(ctx, newNode); err != nil {
			return err
		}
		plan, err := syncstandby.Compute(ctx, tx, master.ID, "", &newNode)
		if err != nil {
			return err
		}
		return a.SyncEditor.Push(ctx, masterAgent, master.Path+"/postgresql.conf", plan)
	}); err != nil {
		return fmt.Errorf("append: rewriting sync-standby list on %s: %w", master.Name, err)
	}

	return a.flipFlags(ctx, newNode.ID, true, true)
}

// AppendDatanodeMaster implements §4.8's datanode-master sequence:
// lock the cluster, DUMPALL the catalog from an existing coordinator,
// restore it into the new node, restart in normal mode, CREATE NODE
// everywhere, flip flags, then unlock on return.
func (a *Appender) AppendDatanodeMaster(ctx context.Context, newNode catalog.Node, existingCoordinators []catalog.Node) error {
	return a.appendMasterJoin(ctx, newNode, existingCoordinators, agentproto.CmdNodeInitDatanode)
}

// AppendCoordMaster implements §4.8's coordinator-master sequence,
// which "follows an analogous sequence" to datanode-master: lock,
// DUMPALL, restore, restart, CREATE NODE everywhere, flip flags, unlock.
func (a *Appender) AppendCoordMaster(ctx context.Context, newNode catalog.Node, existingCoordinators []catalog.Node) error {
	return a.appendMasterJoin(ctx, newNode, existingCoordinators, agentproto.CmdNodeInitCoordinator)
}

// appendMasterJoin is the master-join procedure shared by
// datanode-master and coordinator-master (spec §4.8:
// "coordinator-master follow[s] analogous sequences" to
// datanode-master), parameterized by the agent-side init command each
// node kind restores its dump with.
func (a *Appender) appendMasterJoin(ctx context.Context, newNode catalog.Node, existingCoordinators []catalog.Node, initCmd agentproto.Command) error {
	heldLock, err := a.Lock.Acquire(ctx, existingCoordinators)
	if err != nil {
		return fmt.Errorf("append: %s: %w", errMsg("ERR00008", newNode.Name), err)
	}
	defer heldLock.Release(ctx)

	if len(existingCoordinators) == 0 {
		return fmt.Errorf("append: no coordinator available to dump catalog from")
	}
	dumpSource, err := a.AgentFor(existingCoordinators[0].HostID)
	if err != nil {
		return err
	}
	reply, err := dumpSource.Do(ctx, agentproto.CmdDumpall, nil)
	if err != nil {
		return fmt.Errorf("append: dumpall from %s: %w", existingCoordinators[0].Name, err)
	}

	newAgent, err := a.AgentFor(newNode.HostID)
	if err != nil {
		return err
	}
	if _, err := newAgent.Do(ctx, initCmd, reply.Result, "restore"); err != nil {
		return fmt.Errorf("append: restoring dump into %s: %w", newNode.Name, err)
	}
	if _, err := newAgent.Do(ctx, agentproto.CmdNodeRestart, nil, "normal"); err != nil {
		return fmt.Errorf("append: restarting %s in normal mode: %w", newNode.Name, err)
	}

	result := a.Topology.Apply(ctx, existingCoordinators, newNode, topology.OpCreate)
	if result.HasFailures() {
		a.Log.WithField("diagnostics", result.Diagnostics).Warn("append: CREATE NODE failed on some coordinators, operator should rerun")
	}

	return a.flipFlags(ctx, newNode.ID, true, true)
}

func (a *Appender) flipFlags(ctx context.Context, nodeID string, inited, inCluster bool) error {
	return catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		n, err := tx.SelectByID(ctx, nodeID)
		if err != nil {
			return err
		}
		n.Inited = inited
		n.InCluster = inCluster
		return tx.UpdateInPlace(ctx, n)
	})
}

// Remove implements the remove lifecycle of §3.3: flip in-cluster to
// false after verifying the process is stopped, then the row may be
// dropped. For a slave appended with a replication HBA line (L1), the
// matching DeleteHBALine call on its master restores the pre-append
// state before the row is touched.
func (a *Appender) Remove(ctx context.Context, nodeID string) error {
	var n catalog.Node
	if err := catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		var err error
		n, err = tx.SelectByID(ctx, nodeID)
		return err
	}); err != nil {
		return err
	}

	agent, err := a.AgentFor(n.HostID)
	if err != nil {
		return err
	}
	if _, err := agent.Do(ctx, agentproto.CmdNodeStop, nil, "fast"); err != nil {
		return fmt.Errorf("append: stopping node before remove: %w", err)
	}

	if n.ReplicationUser != "" && n.MasterID != "" {
		if err := a.deleteReplicationHBA(ctx, n); err != nil {
			return err
		}
	}

	return catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		n, err := tx.SelectByID(ctx, nodeID)
		if err != nil {
			return err
		}
		n.InCluster = false
		return tx.UpdateInPlace(ctx, n)
	})
}

// deleteReplicationHBA removes the HBA line appendSlaveJoin opened on
// n's master for n's replication user, closing the L1 gap between
// append and remove.
func (a *Appender) deleteReplicationHBA(ctx context.Context, n catalog.Node) error {
	var master catalog.Node
	if err := catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		var err error
		master, err = tx.SelectByID(ctx, n.MasterID)
		return err
	}); err != nil {
		return fmt.Errorf("append: looking up master for HBA cleanup: %w", err)
	}
	masterAgent, err := a.AgentFor(master.HostID)
	if err != nil {
		return err
	}
	if err := confwriter.New(masterAgent).DeleteHBALine(ctx, replicationHBALine(n.ReplicationUser), true); err != nil {
		return fmt.Errorf("append: removing replication HBA on %s: %w", master.Name, err)
	}
	return nil
}

// Drop implements the destroy lifecycle: remove the row outright,
// only valid once in-cluster is already false (spec §3.3).
func (a *Appender) Drop(ctx context.Context, nodeID string) error {
	var n catalog.Node
	err := catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		var err error
		n, err = tx.SelectByID(ctx, nodeID)
		return err
	})
	if err != nil {
		return err
	}
	if n.InCluster {
		return fmt.Errorf("append: %s", errMsg("ERR00010", n.Name))
	}
	return catalog.WithTx(ctx, a.Catalog, func(tx catalog.Tx) error {
		return tx.Delete(ctx, nodeID)
	})
}

