// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
package cluster

import "fmt"

// clusterError holds the stable, operator-facing message templates
// behind every diagnostic a Cluster method can surface in a Result's
// Description. Codes appear in logs and in those Descriptions, so
// existing ones are never renumbered.
var clusterError = map[string]string{
	"ERR00001": "Could not find a slave in topology for master %s",
	"ERR00002": "Found multiple masters in topology for %s but not explicitly configured",
	"ERR00003": "Could not find a master in topology for %s",
	"ERR00004": "No candidate slave electable for promotion on master %s",
	"ERR00005": "Catalog row for %s changed underneath the switcher, cure-status CAS lost",
	"ERR00006": "Master %s has no sync or potential standby and failover was not forced",
	"ERR00007": "Old master %s still reports itself writable, refusing to fence",
	"ERR00008": "Cluster lock could not be acquired on any coordinator for %s",
	"ERR00009": "synchronous_standby_names on %s did not converge to the computed value",
	"ERR00010": "Node %s cannot be dropped while still marked in-cluster",
	"ERR00011": "Node %s is not reachable through any configured agent address",
	"ERR00012": "Routing-table refresh failed on %d of %d coordinators for %s",
	"WARN0001": "Rejoining standby %s to new master %s after promotion",
	"WARN0002": "Switcher tick skipped row %s already owned by a concurrent switch",
	"WARN0003": "Append of %s completed with partial topology refresh, operator should rerun flush",
	"WARN0004": "Agent for host %s unreachable during liveness probe, treating as AGENT_DOWN",
}

// errMsg renders the template behind code, falling back to the raw
// code itself if it's ever referenced before being added above.
func errMsg(code string, args ...interface{}) string {
	tmpl, ok := clusterError[code]
	if !ok {
		return code
	}
	return fmt.Sprintf(tmpl, args...)
}
