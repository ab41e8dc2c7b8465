// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// The switcher is the engine at the heart of the core: a single
// background worker that scans the catalog for rows mid-failover and
// drives them to completion (spec §4.7). It is the Go rendering of
// AntDB's adb_doctor_switcher.c switcherMainLoop/checkAndSwitchMaster
// state machine: PG_TRY/PG_CATCH becomes explicit error returns,
// sigsetjmp-based resets become a typed sentinel error, and the
// per-node dlist becomes a catalog scan run fresh every tick.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
	"github.com/pgxc-mgr/clustermgr/internal/confwriter"
	"github.com/pgxc-mgr/clustermgr/internal/lock"
	"github.com/pgxc-mgr/clustermgr/internal/metrics"
	"github.com/pgxc-mgr/clustermgr/internal/prober"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

// errReset is the typed sentinel thrown in place of AntDB's
// sigsetjmp-based resetSwitcher(): a configuration reread found the
// working set changed, so the current tick abandons its in-memory
// scan and the loop starts over from the top (spec §4.7.1).
var errReset = errors.New("cluster: switcher configuration changed, resetting")

// Deps bundles every collaborator the switcher drives. All of them are
// already-adapted packages; the switcher itself holds no I/O logic of
// its own beyond SQL statement text and orchestration order.
type Deps struct {
	Catalog     catalog.Store
	AgentFor    func(hostID string) (*agentclient.Client, error)
	Hosts       catalog.HostResolver
	Prober      *prober.Prober
	Lock        *lock.Acquirer
	SyncEditor  *syncstandby.Editor
	Topology    *topology.Editor
	ForceSwitch func(nodeID string) bool // operator-requested force flag, checked per row
	Metrics     *metrics.Registry
	Log         *logrus.Entry
}

// Switcher runs the cooperative single-worker failover loop.
type Switcher struct {
	deps            Deps
	switchInterval  time.Duration
	resetCh         chan struct{}
}

func NewSwitcher(deps Deps, switchInterval time.Duration) *Switcher {
	if switchInterval == 0 {
		switchInterval = 2 * time.Second
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Switcher{deps: deps, switchInterval: switchInterval, resetCh: make(chan struct{}, 1)}
}

// TriggerReset is the SIGUSR1 analogue: call it after a configuration
// reread detects the node working set changed.
func (s *Switcher) TriggerReset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is canceled (the SIGTERM analogue):
// finish the current tick, then return (spec §5 cancellation policy).
func (s *Switcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.switchInterval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && !errors.Is(err, errReset) {
			s.deps.Log.WithError(err).Error("switcher: tick failed")
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.SwitcherTicks.Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.resetCh:
			continue
		case <-ticker.C:
		}
	}
}

// tick implements §4.7.1 steps 1-2: scan for rows mid-failover, run
// each in its own sub-transaction.
func (s *Switcher) tick(ctx context.Context) error {
	var rows []catalog.Node
	err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		var err error
		rows, err = tx.SelectByPredicate(ctx, catalog.Predicate{
			CureStatus: []catalog.CureStatus{catalog.CureWaitSwitch, catalog.CureSwitching},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("switcher: scanning catalog: %w", err)
	}

	for _, row := range rows {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resetCh:
			// put it back so Run's select also observes the reset
			s.resetCh <- struct{}{}
			return errReset
		default:
		}

		if err := s.processRow(ctx, row); err != nil {
			s.deps.Log.WithField("node", row.Name).WithError(err).Warn("switcher: row processing did not complete")
		}
	}
	return nil
}

// processRow is checkAndSwitchMaster: fence, classify, dispatch.
func (s *Switcher) processRow(ctx context.Context, row catalog.Node) error {
	fenced, err := s.fence(ctx, row)
	if err != nil || !fenced {
		return err
	}

	isMaster, probeErr := s.probeOldMasterMode(ctx, row)
	var outcome error
	if probeErr == nil && isMaster {
		outcome = s.normalMasterRegained(ctx, row)
	} else {
		outcome = s.masterFailed(ctx, row)
	}

	if s.deps.Metrics != nil {
		label := "success"
		if outcome != nil {
			label = "abort"
		}
		s.deps.Metrics.SwitcherSwitches.WithLabelValues(label).Inc()
	}
	return outcome
}

// fence is update_cure_status(wait-switch -> switching), spec §4.7.2.
// A CAS mismatch means another worker already owns the row; that is
// not an error, just a skip.
func (s *Switcher) fence(ctx context.Context, row catalog.Node) (bool, error) {
	if row.CureStatus == catalog.CureSwitching {
		// already fenced by a previous incomplete tick (idempotent resume)
		return true, nil
	}
	err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		return tx.UpdateCureStatus(ctx, row.ID, catalog.CureWaitSwitch, catalog.CureSwitching)
	})
	if errors.Is(err, catalog.ErrCASMismatch) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CatalogCASConflicts.Inc()
		}
		return false, nil
	}
	return err == nil, err
}

// probeOldMasterMode answers "am I in master mode" with a 10-attempt
// TCP+ping probe of the old master (spec §4.7.3).
func (s *Switcher) probeOldMasterMode(ctx context.Context, row catalog.Node) (bool, error) {
	agent, err := s.deps.AgentFor(row.HostID)
	if err != nil {
		return false, err
	}
	const attempts = 10
	var lastErr error
	for i := 0; i < attempts; i++ {
		rows, err := agent.GetSQLStrings(ctx, "SELECT pg_is_in_recovery()")
		if err == nil && len(rows) > 0 {
			return rows[0] == "f" || rows[0] == "false", nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false, lastErr
}

// checkCatalogConsistent re-reads row and compares field-by-field with
// the in-memory copy, per spec §4.7.4.
func (s *Switcher) checkCatalogConsistent(ctx context.Context, tx catalog.Tx, want catalog.Node) error {
	fresh, err := tx.SelectByID(ctx, want.ID)
	if err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	if !fresh.AllowCure {
		return clustererr.Invariant(fmt.Sprintf("node %s no longer allows cure", want.Name))
	}
	if fresh.CureStatus != catalog.CureWaitSwitch && fresh.CureStatus != catalog.CureSwitching {
		return clustererr.Invariant(fmt.Sprintf("node %s cure-status %s is not mid-failover", want.Name, fresh.CureStatus))
	}
	if !fresh.Equal(want) {
		return clustererr.Invariant(fmt.Sprintf("node %s changed underneath the switcher: memory=%+v db=%+v", want.Name, want, fresh))
	}
	return nil
}

func (s *Switcher) slaves(ctx context.Context, tx catalog.Tx, masterID string) ([]catalog.Node, error) {
	return tx.SelectByPredicate(ctx, catalog.Predicate{MasterID: masterID, MasterIDSet: true})
}

// candidate chooses the promotion candidate per §4.7.5/I4: highest
// WAL LSN subject to the sync-state policy, with force-switch falling
// back sync -> potential -> async and accepting any agent-pingable
// node (§4.7.6 step 1).
func (s *Switcher) candidate(ctx context.Context, masterName string, slaves []catalog.Node, force bool) (catalog.Node, error) {
	tiers := [][]catalog.SyncState{{catalog.SyncSync}}
	if force {
		tiers = [][]catalog.SyncState{{catalog.SyncSync}, {catalog.SyncPotential}, {catalog.SyncAsync}}
	}

	for _, tier := range tiers {
		var pool []catalog.Node
		for _, sl := range slaves {
			for _, t := range tier {
				if sl.Sync == t {
					pool = append(pool, sl)
				}
			}
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].WALLsn > pool[j].WALLsn })
		for _, p := range pool {
			if !force {
				return p, nil
			}
			agent, err := s.deps.AgentFor(p.HostID)
			if err != nil {
				continue
			}
			if prober.ProbeAgent(ctx, agent.Addr) == prober.OK {
				return p, nil
			}
		}
	}
	return catalog.Node{}, clustererr.Invariant(errMsg("ERR00004", masterName))
}

// normalMasterRegained is §4.7.5.
func (s *Switcher) normalMasterRegained(ctx context.Context, row catalog.Node) error {
	var slaves []catalog.Node
	err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		var err error
		slaves, err = s.slaves(ctx, tx, row.ID)
		return err
	})
	if err != nil {
		return err
	}

	cand, err := s.candidate(ctx, row.Name, slaves, false)
	if err != nil {
		return s.unfence(ctx, row)
	}

	alreadyPromoted, walOK := s.checkAlreadyPromoted(ctx, cand, row.WALLsn)
	if alreadyPromoted && walOK {
		// an earlier incomplete switch left cand as master; finish
		// driving it home starting at masterFailed step 3.
		return s.masterFailedFrom(ctx, row, cand, slaves)
	}

	// old master is fine; stand down and mark the row normal again.
	return s.unfence(ctx, row)
}

func (s *Switcher) checkAlreadyPromoted(ctx context.Context, cand catalog.Node, oldMasterLsn uint64) (promoted bool, walOK bool) {
	agent, err := s.deps.AgentFor(cand.HostID)
	if err != nil {
		return false, false
	}
	rows, err := agent.GetSQLStrings(ctx, "SELECT pg_is_in_recovery()")
	if err != nil || len(rows) == 0 || !(rows[0] == "f" || rows[0] == "false") {
		return false, false
	}
	return true, cand.WALLsn >= oldMasterLsn && oldMasterLsn > 0
}

// unfence clears cure-status back to normal with no further action.
func (s *Switcher) unfence(ctx context.Context, row catalog.Node) error {
	return catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		return tx.UpdateCureStatus(ctx, row.ID, catalog.CureSwitching, catalog.CureNormal)
	})
}

// masterFailed is §4.7.6: the full failover procedure.
func (s *Switcher) masterFailed(ctx context.Context, row catalog.Node) error {
	var slaves []catalog.Node
	err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		var err error
		slaves, err = s.slaves(ctx, tx, row.ID)
		return err
	})
	if err != nil {
		return err
	}
	return s.masterFailedFrom(ctx, row, catalog.Node{}, slaves)
}

// masterFailedFrom runs §4.7.6 steps 1-13. When preChosen is the zero
// value a fresh candidate is selected (step 1); otherwise execution
// resumes at step 3 with preChosen already promoted, matching the
// "continue promoting" branch of §4.7.5.
func (s *Switcher) masterFailedFrom(ctx context.Context, row catalog.Node, preChosen catalog.Node, slaves []catalog.Node) error {
	force := s.deps.ForceSwitch != nil && s.deps.ForceSwitch(row.ID)

	chosen := preChosen
	resuming := preChosen.ID != ""
	if !resuming {
		var err error
		chosen, err = s.candidate(ctx, row.Name, slaves, force)
		if err != nil {
			return s.abortSwitch(ctx, row, err)
		}
	}

	sort.Slice(slaves, func(i, j int) bool { return slaves[i].WALLsn > slaves[j].WALLsn })

	if err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		return s.checkCatalogConsistent(ctx, tx, row)
	}); err != nil {
		return s.abortSwitch(ctx, row, err)
	}

	candidates, err := s.coordinatorsProbedOK(ctx)
	if err != nil {
		return s.abortSwitch(ctx, row, err)
	}
	heldLock, err := s.deps.Lock.Acquire(ctx, candidates)
	if err != nil {
		return s.abortSwitch(ctx, row, fmt.Errorf("acquiring cluster lock: %w", err))
	}
	defer heldLock.Release(ctx)

	diagnostics := &clustererr.Partial{}

	if !resuming {
		if oldAgent, err := s.deps.AgentFor(row.HostID); err == nil {
			if _, err := oldAgent.Do(ctx, agentproto.CmdNodeStop, nil, "immediate"); err != nil {
				diagnostics.Add("stopping old master %s: %v", row.Name, err)
			}
		}

		candAgent, err := s.deps.AgentFor(chosen.HostID)
		if err != nil {
			return s.abortSwitch(ctx, row, err)
		}
		if _, err := candAgent.Do(ctx, agentproto.CmdNodePromote, nil); err != nil {
			return s.abortSwitch(ctx, row, fmt.Errorf("promoting %s: %w", chosen.Name, err))
		}
		if err := s.waitNotInRecovery(ctx, candAgent); err != nil {
			return s.abortSwitch(ctx, row, err)
		}
	}

	result := s.deps.Topology.Apply(ctx, candidates, chosen, topology.OpAlter)
	for _, d := range result.Diagnostics {
		diagnostics.Add("%s", d)
	}

	if err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		plan, err := syncstandby.Compute(ctx, tx, chosen.ID, "", nil)
		if err != nil {
			return err
		}
		candAgent, err := s.deps.AgentFor(chosen.HostID)
		if err != nil {
			return err
		}
		return s.deps.SyncEditor.Push(ctx, candAgent, chosen.Path+"/postgresql.conf", plan)
	}); err != nil {
		diagnostics.Add("rewriting synchronous_standby_names on %s: %v", chosen.Name, err)
	}

	if err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		if err := tx.Delete(ctx, row.ID); err != nil {
			return err
		}
		chosen.Role = chosen.Role.MasterRole()
		chosen.Sync = catalog.SyncNone
		chosen.MasterID = ""
		chosen.CureStatus = catalog.CureNormal
		return tx.UpdateInPlace(ctx, chosen)
	}); err != nil {
		return s.abortSwitch(ctx, row, fmt.Errorf("committing role flip: %w", err))
	}

	for _, sl := range slaves {
		if sl.ID == chosen.ID {
			continue
		}
		if err := s.rehomeSlave(ctx, sl, chosen); err != nil {
			diagnostics.Add("rehoming slave %s: %v", sl.Name, err)
		}
	}

	if diagnostics.HasErrors() {
		return diagnostics.Err()
	}
	return nil
}

func (s *Switcher) rehomeSlave(ctx context.Context, sl catalog.Node, newMaster catalog.Node) error {
	agent, err := s.deps.AgentFor(sl.HostID)
	if err != nil {
		return err
	}
	newMasterHost, err := s.deps.Hosts(ctx, newMaster.HostID)
	if err != nil {
		return fmt.Errorf("resolving host for new master %s: %w", newMaster.Name, err)
	}
	w := confwriter.New(agent)
	if err := w.WriteRecoveryConf(ctx, sl.Path+"/recovery.conf", map[string]string{
		"primary_conninfo": fmt.Sprintf("host=%s port=%d", newMasterHost.Address, newMaster.Port),
	}); err != nil {
		return err
	}
	if _, err := agent.Do(ctx, agentproto.CmdNodeRestart, nil, "fast=false"); err != nil {
		return err
	}
	return catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		sl.MasterID = newMaster.ID
		return tx.UpdateInPlace(ctx, sl)
	})
}

func (s *Switcher) waitNotInRecovery(ctx context.Context, agent *agentclient.Client) error {
	for i := 0; i < 15; i++ {
		rows, err := agent.GetSQLStrings(ctx, "SELECT pg_is_in_recovery()")
		if err == nil && len(rows) > 0 && (rows[0] == "f" || rows[0] == "false") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return clustererr.TransientNetwork("new master did not leave recovery mode in time", nil)
}

func (s *Switcher) coordinatorsProbedOK(ctx context.Context) ([]catalog.Node, error) {
	var coords []catalog.Node
	err := catalog.WithTx(ctx, s.deps.Catalog, func(tx catalog.Tx) error {
		var err error
		coords, err = tx.SelectByPredicate(ctx, catalog.Predicate{
			Role: catalog.RoleCoordMaster, RoleSet: true, InCluster: true, InClusterSet: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	var ok []catalog.Node
	for _, c := range coords {
		agent, err := s.deps.AgentFor(c.HostID)
		if err != nil {
			continue
		}
		if prober.ProbeAgent(ctx, agent.Addr) == prober.OK {
			ok = append(ok, c)
		}
	}
	if len(ok) == 0 {
		return nil, clustererr.TransientNetwork("no coordinator probed OK", nil)
	}
	return ok, nil
}

// abortSwitch aborts the sub-transaction: the row stays pending for
// the next tick (spec §4.7.6 step 4 abort path).
func (s *Switcher) abortSwitch(ctx context.Context, row catalog.Node, cause error) error {
	s.deps.Log.WithField("node", row.Name).WithError(cause).Warn("switcher: aborting switch, row remains pending")
	return cause
}
