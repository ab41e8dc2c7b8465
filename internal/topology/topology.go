// Package topology implements the preferred coordinator<->datanode
// pairing planner (C6, spec §4.5/overview) and the routing-table
// editor that pushes ALTER/CREATE/DROP NODE statements to every
// in-cluster coordinator.
package topology

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
)

// Pairing is one coordinator's preferred datanode for routing
// purposes.
type Pairing struct {
	CoordinatorID string
	DatanodeID    string
	Preferred     bool
}

// Plan computes preferred-pairs via round-robin over hosts: the Nth
// coordinator (by stable row order) prefers the Nth datanode-master,
// wrapping around. This spreads preferred routing evenly rather than
// pinning every coordinator to the first master (spec §4.5).
func Plan(coordinators, datanodeMasters []catalog.Node) []Pairing {
	if len(datanodeMasters) == 0 {
		return nil
	}
	pairings := make([]Pairing, 0, len(coordinators))
	for i, c := range coordinators {
		dn := datanodeMasters[i%len(datanodeMasters)]
		pairings = append(pairings, Pairing{CoordinatorID: c.ID, DatanodeID: dn.ID, Preferred: true})
	}
	return pairings
}

// Editor pushes routing-table edits to every in-cluster coordinator
// (spec §4.5). Edits are not transactional across coordinators: each
// coordinator is edited independently and failures are collected, not
// aborted on first error, so a partial edit doesn't leave the whole
// cluster mid-flight (spec §7 PartialSuccess).
type Editor struct {
	AgentFor func(hostID string) (*agentclient.Client, error)
	Hosts    catalog.HostResolver
	Log      *logrus.Entry
}

func New(agentFor func(hostID string) (*agentclient.Client, error), hosts catalog.HostResolver, log *logrus.Entry) *Editor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Editor{AgentFor: agentFor, Hosts: hosts, Log: log}
}

// Operation selects the DDL verb the editor issues, per spec §4.5.
type Operation int

const (
	OpAlter Operation = iota
	OpCreate
	OpRemove
)

// Apply runs the routing edit for node on every coordinator in
// coordinators and returns a *PartialResult recording which ones
// accepted the edit and which failed; a failure does not stop the
// remaining coordinators.
func (e *Editor) Apply(ctx context.Context, coordinators []catalog.Node, node catalog.Node, op Operation) *PartialResult {
	result := &PartialResult{}
	var host catalog.Host
	if op != OpRemove {
		var err error
		host, err = e.Hosts(ctx, node.HostID)
		if err != nil {
			result.add(node.Name, fmt.Errorf("resolving host for %s: %w", node.Name, err))
			return result
		}
	}
	for _, coord := range coordinators {
		agent, err := e.AgentFor(coord.HostID)
		if err != nil {
			result.add(coord.Name, err)
			continue
		}
		stmt := ddlFor(op, node, host)
		if _, err := agent.Do(ctx, agentproto.CmdPsqlExec, nil, stmt); err != nil {
			result.add(coord.Name, err)
			continue
		}
		if _, err := agent.Do(ctx, agentproto.CmdPsqlExec, nil, reloadPoolStatement); err != nil {
			result.add(coord.Name, err)
			continue
		}
		result.Succeeded = append(result.Succeeded, coord.Name)
	}
	return result
}

// PartialResult records which coordinators accepted the edit and
// which did not.
type PartialResult struct {
	Succeeded   []string
	Failed      []string
	Diagnostics []string
}

func (r *PartialResult) add(coordName string, err error) {
	r.Failed = append(r.Failed, coordName)
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf("%s: %v", coordName, err))
}

func (r *PartialResult) HasFailures() bool { return len(r.Failed) > 0 }

func ddlFor(op Operation, n catalog.Node, host catalog.Host) string {
	switch op {
	case OpCreate:
		return fmt.Sprintf("CREATE NODE %q WITH (HOST=%q, PORT=%d, TYPE=%q)", n.Name, host.Address, n.Port, string(n.Role))
	case OpRemove:
		return fmt.Sprintf("DROP NODE %q", n.Name)
	default:
		return fmt.Sprintf("ALTER NODE %q WITH (HOST=%q, PORT=%d)", n.Name, host.Address, n.Port)
	}
}

// reloadPoolStatement reloads the coordinator's connection pool so the
// routing edit takes effect for new sessions immediately (spec §4.5).
// Both the DDL and the reload ride the generic CmdPsqlExec RPC: the
// routing-table edit is ordinary SQL run against the coordinator's own
// administrative connection, not a dedicated wire command.
const reloadPoolStatement = "SELECT pgxc_pool_reload()"
