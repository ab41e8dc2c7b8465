// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Package server is the multi-cluster supervisor: it owns one
// *cluster.Cluster per configured name, starts each one's background
// switcher worker, and builds the HTTP, gRPC and gRPC-Web front ends
// clustermgrd binds on startup (clustermgrd serves /metrics itself).
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/cluster"
	"github.com/pgxc-mgr/clustermgr/config"
	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/lock"
	"github.com/pgxc-mgr/clustermgr/internal/metrics"
	"github.com/pgxc-mgr/clustermgr/internal/prober"
	"github.com/pgxc-mgr/clustermgr/internal/syncstandby"
	"github.com/pgxc-mgr/clustermgr/internal/topology"
)

// Supervisor is the process-wide state clustermgrd carries, mirroring
// the teacher's single ReplicationManager global: one struct threading
// configuration, the cluster map and the shared collector registry
// through the HTTP and gRPC handlers.
type Supervisor struct {
	Conf     config.Config
	Clusters map[string]*cluster.Cluster
	Metrics  *metrics.Registry
	Log      *logrus.Entry
	UUID     string

	UserAuthTry map[string]authTry

	sync.Mutex
}

type authTry struct {
	User string
	Try  int
	Time time.Time
}

func NewSupervisor(cfg config.Config, reg *metrics.Registry, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		Conf:        cfg,
		Clusters:    make(map[string]*cluster.Cluster),
		Metrics:     reg,
		Log:         log,
		UserAuthTry: make(map[string]authTry),
	}
}

// AddCluster wires one named cluster's catalog store and collaborator
// engines and registers it on the supervisor. It is the Go-native
// equivalent of the teacher's per-cluster bootstrap loop in
// InitClusters, generalized from a fixed MariaDB topology to the
// coordinator/datanode/gtm roles of this catalog.
func (s *Supervisor) AddCluster(name string, store catalog.Store, agentFor func(hostID string) (*agentclient.Client, error), p *prober.Prober) *cluster.Cluster {
	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	log := s.Log.WithField("cluster", name)
	hosts := catalog.ResolveHost(store)
	lockAcquirer := lock.New(lock.SQLDialer("pgx"), hosts, s.Conf.ManagerIP, log)

	c := cluster.New(name, store, agentFor, hosts, p, lockAcquirer,
		syncstandby.New(store, log), topology.New(agentFor, hosts, log), s.Metrics, log)
	s.Clusters[name] = c
	return c
}

func (s *Supervisor) Cluster(name string) (*cluster.Cluster, error) {
	s.Mutex.Lock()
	defer s.Mutex.Unlock()
	c, ok := s.Clusters[name]
	if !ok {
		return nil, fmt.Errorf("server: no such cluster %q", name)
	}
	return c, nil
}

// Run starts every registered cluster's switcher worker and blocks
// until ctx is canceled, stopping them in turn on the way out. The
// HTTP/gRPC listeners are started separately by cmd/clustermgrd so
// main can log bind errors against the right listener.
func (s *Supervisor) Run(ctx context.Context) {
	s.Mutex.Lock()
	interval := time.Duration(s.Conf.SwitchIntervalMs) * time.Millisecond
	for name, c := range s.Clusters {
		s.Log.WithField("cluster", name).Info("starting switcher worker")
		c.StartSwitcher(ctx, interval, nil)
	}
	s.Mutex.Unlock()

	<-ctx.Done()

	s.Mutex.Lock()
	for _, c := range s.Clusters {
		c.StopSwitcher()
	}
	s.Mutex.Unlock()
}
