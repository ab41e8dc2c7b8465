// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Package cluster ties the per-node engines (prober, lock, sync-standby
// editor, topology editor, switcher, append engine) to one named
// cluster and exposes the administrative verb surface of spec §6.1 as
// a tuple stream, the shape both the HTTP and gRPC front ends forward
// to callers unchanged.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
	"github.com/pgxc-mgr/clustermgr/internal/lock"
	"github.com/pgxc-mgr/clustermgr/internal/metrics"
	"github.com/pgxc-mgr/clustermgr/internal/prober"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

// Result is one row of the administrative verb surface's tuple stream
// (spec §6.1): name, success, and a human-readable description. The
// CLI's exit code is non-zero whenever any row in a stream reports
// Success=false.
type Result struct {
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Description string `json:"description"`
}

func ok(name, format string, args ...interface{}) Result {
	return Result{Name: name, Success: true, Description: fmt.Sprintf(format, args...)}
}

func fail(name string, err error) Result {
	return Result{Name: name, Success: false, Description: err.Error()}
}

// Cluster is one named instance of the control plane: its catalog, its
// collaborator engines, and the background switcher worker. A
// clustermgrd process holds one Cluster per configured cluster name,
// the way the teacher's ReplicationManager holds one *cluster.Cluster
// per entry of its Clusters map.
type Cluster struct {
	Name string

	Catalog    catalog.Store
	AgentFor   func(hostID string) (*agentclient.Client, error)
	Hosts      catalog.HostResolver
	Prober     *prober.Prober
	Lock       *lock.Acquirer
	SyncEditor *syncstandby.Editor
	Topology   *topology.Editor
	Metrics    *metrics.Registry
	Log        *logrus.Entry

	switcher *Switcher
	appender *Appender

	sync.Mutex
	cancelSwitcher context.CancelFunc
}

// New assembles a Cluster from its already-constructed collaborators.
// Callers (cmd/clustermgrd's wiring code) build the catalog store,
// agent-client factory, prober, lock acquirer, sync-standby editor and
// topology editor once per cluster and hand them here.
func New(name string, catalogStore catalog.Store, agentFor func(hostID string) (*agentclient.Client, error),
	hosts catalog.HostResolver, p *prober.Prober, lockAcquirer *lock.Acquirer, syncEditor *syncstandby.Editor, topologyEditor *topology.Editor,
	metricsRegistry *metrics.Registry, log *logrus.Entry) *Cluster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("cluster", name)

	c := &Cluster{
		Name:       name,
		Catalog:    catalogStore,
		AgentFor:   agentFor,
		Hosts:      hosts,
		Prober:     p,
		Lock:       lockAcquirer,
		SyncEditor: syncEditor,
		Topology:   topologyEditor,
		Metrics:    metricsRegistry,
		Log:        log,
	}
	c.appender = NewAppender(catalogStore, agentFor, hosts, lockAcquirer, syncEditor, topologyEditor, log)
	return c
}

// StartSwitcher launches the background switcher worker (C7) on its
// own goroutine, ticking at the given interval until StopSwitcher is
// called or the process exits. Only one switcher worker runs per
// Cluster at a time (spec §5).
func (c *Cluster) StartSwitcher(ctx context.Context, switchInterval time.Duration, forceSwitch func(nodeID string) bool) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	if c.cancelSwitcher != nil {
		return
	}

	deps := Deps{
		Catalog:     c.Catalog,
		AgentFor:    c.AgentFor,
		Hosts:       c.Hosts,
		Prober:      c.Prober,
		Lock:        c.Lock,
		SyncEditor:  c.SyncEditor,
		Topology:    c.Topology,
		ForceSwitch: forceSwitch,
		Metrics:     c.Metrics,
		Log:         c.Log,
	}
	c.switcher = NewSwitcher(deps, switchInterval)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelSwitcher = cancel
	go func() {
		if err := c.switcher.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.Log.WithError(err).Error("switcher loop exited")
		}
	}()
}

// StopSwitcher cancels the background worker started by StartSwitcher.
// Idempotent: calling it with no worker running is a no-op.
func (c *Cluster) StopSwitcher() {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	if c.cancelSwitcher != nil {
		c.cancelSwitcher()
		c.cancelSwitcher = nil
	}
}

// List runs a read-only scan of the catalog, one row per node,
// formatted as the verb surface's tuple stream.
func (c *Cluster) List(ctx context.Context) ([]Result, error) {
	var nodes []catalog.Node
	err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
		var err error
		nodes, err = tx.SelectByPredicate(ctx, catalog.Predicate{})
		return err
	})
	if err != nil {
		return nil, err
	}
	rows := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, ok(n.Name, "role=%s cure=%s in-cluster=%t", n.Role, n.CureStatus, n.InCluster))
	}
	return rows, nil
}

// Monitor probes every in-cluster node and reports its liveness,
// the read-only counterpart of the verb surface's "monitor" verb.
func (c *Cluster) Monitor(ctx context.Context) ([]Result, error) {
	var nodes []catalog.Node
	err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
		var err error
		nodes, err = tx.SelectByPredicate(ctx, catalog.Predicate{InCluster: true, InClusterSet: true})
		return err
	})
	if err != nil {
		return nil, err
	}
	rows := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		host, err := c.Hosts(ctx, n.HostID)
		if err != nil {
			rows = append(rows, Result{Name: n.Name, Success: false, Description: fmt.Sprintf("resolving host: %v", err)})
			continue
		}
		res := c.Prober.Probe(ctx, prober.MustParseAddr(host.Address, n.Port), "")
		rows = append(rows, Result{Name: n.Name, Success: res == prober.OK, Description: string(res)})
	}
	return rows, nil
}

// Append dispatches one of the spec §6.1 "append" sub-verbs
// (dn-master|dn-slave|coord-master|gtm-slave) by looking up the new
// node and its reference nodes from the catalog and driving the
// matching Appender sequence.
func (c *Cluster) Append(ctx context.Context, kind string, newNodeID string, replicationUser string) Result {
	var newNode catalog.Node
	err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
		var err error
		newNode, err = tx.SelectByID(ctx, newNodeID)
		return err
	})
	if err != nil {
		return fail(newNodeID, err)
	}

	switch kind {
	case "dn-slave", "gtm-slave":
		var master catalog.Node
		err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
			var err error
			master, err = tx.SelectByID(ctx, newNode.MasterID)
			return err
		})
		if err != nil {
			return fail(newNodeID, err)
		}
		var joinErr error
		if kind == "dn-slave" {
			joinErr = c.appender.AppendDatanodeSlave(ctx, newNode, master, replicationUser)
		} else {
			joinErr = c.appender.AppendGTMSlave(ctx, newNode, master, replicationUser)
		}
		if joinErr != nil {
			return fail(newNodeID, joinErr)
		}
		return ok(newNodeID, "joined as %s of %s", kind, master.Name)
	case "dn-master", "coord-master":
		var coords []catalog.Node
		err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
			var err error
			coords, err = tx.SelectByPredicate(ctx, catalog.Predicate{
				Role: catalog.RoleCoordMaster, RoleSet: true,
				InCluster: true, InClusterSet: true,
			})
			return err
		})
		if err != nil {
			return fail(newNodeID, err)
		}
		var joinErr error
		if kind == "dn-master" {
			joinErr = c.appender.AppendDatanodeMaster(ctx, newNode, coords)
		} else {
			joinErr = c.appender.AppendCoordMaster(ctx, newNode, coords)
		}
		if joinErr != nil {
			return fail(newNodeID, joinErr)
		}
		return ok(newNodeID, "joined as %s", kind)
	default:
		return fail(newNodeID, clustererr.Invariant(fmt.Sprintf("append kind %q not supported", kind)))
	}
}

// Remove and Drop forward straight to the Appender lifecycle methods,
// wrapped in the verb surface's Result shape.
func (c *Cluster) Remove(ctx context.Context, nodeID string) Result {
	if err := c.appender.Remove(ctx, nodeID); err != nil {
		return fail(nodeID, err)
	}
	return ok(nodeID, "removed from cluster")
}

func (c *Cluster) Drop(ctx context.Context, nodeID string) Result {
	if err := c.appender.Drop(ctx, nodeID); err != nil {
		return fail(nodeID, err)
	}
	return ok(nodeID, "dropped")
}

// Failover drives an operator-requested master-failed procedure for
// the given node's master, bypassing the switcher's own fencing tick
// so the CLI's "failover" verb takes effect immediately. Without force
// only sync slaves are candidates; force widens the pool to potential
// and then async slaves, each accepted only if its agent answers a TCP
// probe (sync slaves included). It mirrors the spec §6.1 "[force]" flag.
func (c *Cluster) Failover(ctx context.Context, masterID string, force bool) Result {
	var master catalog.Node
	err := catalog.WithTx(ctx, c.Catalog, func(tx catalog.Tx) error {
		var err error
		master, err = tx.SelectByID(ctx, masterID)
		return err
	})
	if err != nil {
		return fail(masterID, err)
	}

	deps := Deps{
		Catalog: c.Catalog, AgentFor: c.AgentFor, Hosts: c.Hosts, Prober: c.Prober, Lock: c.Lock,
		SyncEditor: c.SyncEditor, Topology: c.Topology, Metrics: c.Metrics, Log: c.Log,
		ForceSwitch: func(string) bool { return force },
	}
	sw := NewSwitcher(deps, 0)
	if err := sw.masterFailed(ctx, master); err != nil {
		return fail(masterID, err)
	}
	return ok(masterID, "failover complete")
}
