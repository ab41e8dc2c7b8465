// Package syncstandby computes and pushes a master's
// synchronous_standby_names parameter (spec §4.4), shared by the
// switcher (C7) and append (C8) engines.
package syncstandby

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
)

const (
	verifyRetries  = 15
	verifyInterval = 100 * time.Millisecond
)

// Editor recomputes and pushes the synchronous_standby_names list for
// a master, per the five numbered rules of spec §4.4.
type Editor struct {
	Catalog catalog.Store
	Log     *logrus.Entry
}

func New(store catalog.Store, log *logrus.Entry) *Editor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Editor{Catalog: store, Log: log}
}

// Plan is the computed parameter value plus any catalog promotion the
// rules required before it could be written.
type Plan struct {
	Value    string
	Promoted []string // node IDs upgraded from potential to sync (rule 2 or 3)
	Empty    bool      // rule 1 fired: no standbys remain
}

// Compute derives the synchronous_standby_names value for masterID,
// excluding excludeID (typically the slave being removed or the one
// whose membership is mid-transition). It mutates cure-independent
// sync flags in the same transaction via tx, applying rules 2 and 3
// before returning the computed string.
func Compute(ctx context.Context, tx catalog.Tx, masterID string, excludeID string, incomingPotential *catalog.Node) (Plan, error) {
	slaves, err := tx.SelectByPredicate(ctx, catalog.Predicate{
		MasterID: masterID, MasterIDSet: true,
	})
	if err != nil {
		return Plan{}, err
	}

	var members []catalog.Node
	for _, s := range slaves {
		if s.ID == excludeID {
			continue
		}
		members = append(members, s)
	}

	// rule 3: a newly-added potential slave becomes sync outright when
	// the master currently has no sync member at all. incomingPotential
	// may already be present in members (callers typically insert the
	// row before computing the list) or not yet (callers computing a
	// pending join); either way it ends up exactly once in the set.
	if incomingPotential != nil && incomingPotential.Sync == catalog.SyncPotential {
		idx := indexByID(members, incomingPotential.ID)
		persisted := idx != -1
		if idx == -1 {
			members = append(members, *incomingPotential)
			idx = len(members) - 1
		}

		hasSync := false
		for i, m := range members {
			if i != idx && m.Sync == catalog.SyncSync {
				hasSync = true
				break
			}
		}
		if !hasSync {
			incomingPotential.Sync = catalog.SyncSync
			members[idx].Sync = catalog.SyncSync
			if persisted {
				if err := tx.UpdateInPlace(ctx, *incomingPotential); err != nil {
					return Plan{}, err
				}
			}
			return planFor(members, []string{incomingPotential.ID})
		}
	}

	// rule 1: nothing left.
	if len(members) == 0 {
		return Plan{Value: "", Empty: true}, nil
	}

	// rule 2: no sync member exists but a potential does — promote one.
	hasSync := false
	for _, m := range members {
		if m.Sync == catalog.SyncSync {
			hasSync = true
			break
		}
	}
	if !hasSync {
		idx := -1
		for i, m := range members {
			if m.Sync == catalog.SyncPotential {
				if idx == -1 || (!members[idx].InCluster && m.InCluster) {
					idx = i
				}
			}
		}
		if idx >= 0 {
			members[idx].Sync = catalog.SyncSync
			if err := tx.UpdateInPlace(ctx, members[idx]); err != nil {
				return Plan{}, err
			}
			return planFor(members, []string{members[idx].ID})
		}
	}

	return planFor(members, nil)
}

func indexByID(members []catalog.Node, id string) int {
	for i, m := range members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func planFor(members []catalog.Node, promoted []string) (Plan, error) {
	var syncNames, potentialNames []string
	for _, m := range members {
		switch m.Sync {
		case catalog.SyncSync:
			syncNames = append(syncNames, m.Name)
		case catalog.SyncPotential:
			potentialNames = append(potentialNames, m.Name)
		case catalog.SyncAsync, catalog.SyncNone:
			// rule 4: async slaves never appear in the list
		}
	}
	if len(syncNames) == 0 && len(potentialNames) == 0 {
		return Plan{Value: "", Empty: true}, nil
	}
	n := len(syncNames)
	if n == 0 {
		n = 1
	}
	all := append(append([]string{}, syncNames...), potentialNames...)
	value := fmt.Sprintf("%d (%s)", n, strings.Join(all, ", "))
	return Plan{Value: value, Promoted: promoted}, nil
}

// planFor never fails itself, but Compute's call sites already return
// (Plan, error) for the catalog updates that precede it, so it keeps
// the same shape rather than forcing every caller to special-case it.

// Push writes the computed value to configPath through agent via
// CONF_REFRESH_POSTGRES_RELOAD and verifies it took effect with
// GET_SQL_STRINGS, re-reading up to 15 times with a 100ms back-off
// while the value differs; a failed read returns its error at once
// (spec §4.4 rule 5).
func (e *Editor) Push(ctx context.Context, agent *agentclient.Client, configPath string, plan Plan) error {
	cw := agentproto.ConfigWrite{
		TargetPath:  configPath,
		Options:     map[string]string{"synchronous_standby_names": plan.Value},
		OrderedKeys: []string{"synchronous_standby_names"},
	}
	if _, err := agent.Do(ctx, agentproto.CmdConfRefreshPostgresReload, nil, cw.Tokens()...); err != nil {
		return err
	}

	var lastSeen string
	for attempt := 0; attempt < verifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return clustererr.TransientNetwork("synchronous_standby_names verification canceled", ctx.Err())
			case <-time.After(verifyInterval):
			}
		}
		rows, err := agent.GetSQLStrings(ctx, "SHOW synchronous_standby_names")
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			lastSeen = rows[0]
		}
		if lastSeen == plan.Value {
			return nil
		}
	}
	return clustererr.TransientNetwork(
		fmt.Sprintf("synchronous_standby_names did not converge to %q, last seen %q", plan.Value, lastSeen), nil)
}
