// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Package catalog implements the cluster catalog (C3): the authoritative
// record of every node's host, port, path, role, synchronous-replication
// state and cluster membership. The engine in package cluster never trusts
// a running process over this table; on disagreement it re-reads the row
// and aborts rather than overwrites (spec §3.4).
package catalog

import (
	"errors"
	"fmt"
)

// Role identifies the family and rank of a node.
type Role string

const (
	RoleCoordMaster Role = "coord-master"
	RoleCoordSlave  Role = "coord-slave"
	RoleDNMaster    Role = "dn-master"
	RoleDNSlave     Role = "dn-slave"
	RoleGTMMaster   Role = "gtm-master"
	RoleGTMSlave    Role = "gtm-slave"
)

// IsSlave reports whether the role is the slave half of a family.
func (r Role) IsSlave() bool {
	switch r {
	case RoleCoordSlave, RoleDNSlave, RoleGTMSlave:
		return true
	}
	return false
}

// IsMaster reports whether the role is the master half of a family.
func (r Role) IsMaster() bool {
	switch r {
	case RoleCoordMaster, RoleDNMaster, RoleGTMMaster:
		return true
	}
	return false
}

// MasterRole returns the master role of the same family as r. Only
// meaningful when r.IsSlave().
func (r Role) MasterRole() Role {
	switch r {
	case RoleCoordSlave:
		return RoleCoordMaster
	case RoleDNSlave:
		return RoleDNMaster
	case RoleGTMSlave:
		return RoleGTMMaster
	}
	return ""
}

func (r Role) Valid() bool {
	switch r {
	case RoleCoordMaster, RoleCoordSlave, RoleDNMaster, RoleDNSlave, RoleGTMMaster, RoleGTMSlave:
		return true
	}
	return false
}

// SyncState is the synchronous-replication intent of a slave (§3.1).
type SyncState string

const (
	SyncSync      SyncState = "sync"
	SyncPotential SyncState = "potential"
	SyncAsync     SyncState = "async"
	SyncNone      SyncState = "none"
)

func (s SyncState) Valid() bool {
	switch s {
	case SyncSync, SyncPotential, SyncAsync, SyncNone:
		return true
	}
	return false
}

// CureStatus coordinates doctors (detectors) and the switcher (actor),
// owned exclusively by the switcher for a master row (spec §3.1).
type CureStatus string

const (
	CureNormal       CureStatus = "normal"
	CureWaitSwitch   CureStatus = "wait-switch"
	CureSwitching    CureStatus = "switching"
	CureFollowMaster CureStatus = "follow-master"
	CureWaitRewind   CureStatus = "wait-rewind"
)

// Host is managed by an external collaborator; the core only reads it
// through a HostResolver (store.go). Nothing in the cluster/, topology,
// lock or switcher engines constructs or mutates a Host directly.
type Host struct {
	ID        string
	Name      string
	Address   string
	AgentPort int
	OSUser    string
}

// AgentEndpoint is the host:port the agent protocol dials, built from
// the host's own Address/AgentPort rather than any node's display name.
func (h Host) AgentEndpoint() string {
	return fmt.Sprintf("%s:%d", h.Address, h.AgentPort)
}

// Validate enforces field sanity on a Host row (spec §3).
func (h Host) Validate() error {
	if h.ID == "" {
		return errors.New("catalog: host id is required")
	}
	if h.Address == "" {
		return fmt.Errorf("catalog: host %s has no address", h.ID)
	}
	if h.AgentPort < 1 || h.AgentPort > 65535 {
		return fmt.Errorf("catalog: host %s agent-port %d out of range", h.ID, h.AgentPort)
	}
	return nil
}

// Node is the central catalog entity (spec §3.1).
type Node struct {
	ID         string
	Name       string
	HostID     string
	Port       int
	Role       Role
	MasterID   string // empty for masters
	Sync       SyncState
	Path       string
	Inited     bool
	InCluster  bool
	AllowCure  bool
	CureStatus CureStatus

	// ReplicationUser is the role name the append engine opened a
	// replication HBA line for on this node's master (empty for
	// masters and for slaves appended before this field existed). Remove
	// uses it to reconstruct and delete that exact HBA line (L1).
	ReplicationUser string

	// WALLsn is not catalog-persisted; it is stamped onto an in-memory
	// copy during a switcher run from a live probe and never written
	// back verbatim (it would otherwise violate I5/ownership by the
	// running process over the row).
	WALLsn uint64 `db:"-"`
}

// Equal compares every catalog-owned field (everything except WALLsn,
// which is a point-in-time probe reading, not part of the row). Used by
// the switcher's memory/DB consistency check (spec §4.7.4).
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID &&
		n.Name == o.Name &&
		n.HostID == o.HostID &&
		n.Port == o.Port &&
		n.Role == o.Role &&
		n.MasterID == o.MasterID &&
		n.Sync == o.Sync &&
		n.Path == o.Path &&
		n.Inited == o.Inited &&
		n.InCluster == o.InCluster &&
		n.AllowCure == o.AllowCure &&
		n.CureStatus == o.CureStatus &&
		n.ReplicationUser == o.ReplicationUser
}

// Validate checks field sanity and the node-local part of I1: a slave
// carries a master-id other than its own id, a master carries none and
// has sync none or empty. It does not look up the master row, so it
// does not check that the master exists or is of the matching family.
// I2 ((host,port) and (host,path) uniqueness) is enforced by the Store
// on insert/update since it requires a catalog-wide scan.
func (n Node) Validate() error {
	if n.Name == "" {
		return errors.New("catalog: node name is required")
	}
	if n.HostID == "" {
		return errors.New("catalog: node host is required")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("catalog: node port %d out of range", n.Port)
	}
	if !n.Role.Valid() {
		return fmt.Errorf("catalog: invalid role %q", n.Role)
	}
	if n.Role.IsSlave() {
		if n.MasterID == "" {
			return fmt.Errorf("catalog: slave %s has no master-id", n.Name)
		}
		if n.MasterID == n.ID {
			return fmt.Errorf("catalog: node %s cannot be its own master", n.Name)
		}
	} else {
		if n.MasterID != "" {
			return fmt.Errorf("catalog: master %s must not carry a master-id", n.Name)
		}
		if n.Sync != SyncNone && n.Sync != "" {
			return fmt.Errorf("catalog: master %s must have sync=none", n.Name)
		}
	}
	return nil
}

// Predicate filters a catalog scan. A field filters only when its *Set
// flag is true, whatever its value; CureStatus filters when non-empty.
type Predicate struct {
	Role        Role
	RoleSet     bool
	InCluster   bool
	InClusterSet bool
	Inited      bool
	InitedSet   bool
	MasterID    string
	MasterIDSet bool
	Sync        SyncState
	SyncSet     bool
	CureStatus  []CureStatus
}

func (p Predicate) Match(n Node) bool {
	if p.RoleSet && n.Role != p.Role {
		return false
	}
	if p.InClusterSet && n.InCluster != p.InCluster {
		return false
	}
	if p.InitedSet && n.Inited != p.Inited {
		return false
	}
	if p.MasterIDSet && n.MasterID != p.MasterID {
		return false
	}
	if p.SyncSet && n.Sync != p.Sync {
		return false
	}
	if len(p.CureStatus) > 0 {
		ok := false
		for _, c := range p.CureStatus {
			if n.CureStatus == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ErrCASMismatch is returned by Tx.UpdateCureStatus when the row's
// current cure-status does not match the expected value (spec §4.3,
// §4.7.2, property P6).
var ErrCASMismatch = errors.New("catalog: cure-status compare-and-swap mismatch")

// ErrNotFound is returned by selects that find no matching row.
var ErrNotFound = errors.New("catalog: node not found")

// ErrHostNotFound is returned by HostResolver/Tx.SelectHostByID when no
// host row matches the given id.
var ErrHostNotFound = errors.New("catalog: host not found")

// ErrConflict is raised on (host,port) or (host,path) collisions (I2).
var ErrConflict = errors.New("catalog: location conflict")
