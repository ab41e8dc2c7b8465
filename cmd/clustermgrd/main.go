// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Command clustermgrd is the control-plane daemon: it loads one
// cluster's configuration, opens its catalog, and serves the HTTP,
// gRPC and /metrics front ends while the switcher worker runs in the
// background.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgxc-mgr/clustermgr/config"
	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
	"github.com/pgxc-mgr/clustermgr/internal/logging"
	"github.com/pgxc-mgr/clustermgr/internal/metrics"
	"github.com/pgxc-mgr/clustermgr/internal/pgping"
	"github.com/pgxc-mgr/clustermgr/internal/prober"
	"github.com/pgxc-mgr/clustermgr/server"
)

func main() {
	cfg := config.Defaults()
	root := &cobra.Command{
		Use:   "clustermgrd",
		Short: "Cluster control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags())
		},
	}
	config.BindFlags(root.Flags(), cfg)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "clustermgrd")

	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	reg := metrics.New(prometheus.DefaultRegisterer)

	if err := seedHosts(context.Background(), store, cfg.Hosts); err != nil {
		return fmt.Errorf("seeding host catalog: %w", err)
	}
	hosts := catalog.ResolveHost(store)

	agentFor := func(hostID string) (*agentclient.Client, error) {
		h, err := hosts(context.Background(), hostID)
		if err != nil {
			return nil, fmt.Errorf("resolving host %q: %w", hostID, err)
		}
		return agentclient.New(h.AgentEndpoint(), cfg.AgentDialTimeout, log), nil
	}

	sup := server.NewSupervisor(cfg, reg, log)
	if cfg.ClusterName != "" {
		sup.AddCluster(cfg.ClusterName, store, agentFor, prober.New(pgping.New()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	router, err := sup.Router()
	if err != nil {
		return fmt.Errorf("building HTTP router: %w", err)
	}
	httpSrv := &http.Server{Addr: cfg.HTTPListenAddress, Handler: router}
	go func() {
		log.WithField("addr", cfg.HTTPListenAddress).Info("HTTP API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server exited")
		}
	}()

	grpcSrv := sup.GRPCServer()
	grpcLis, err := newListener(cfg.GRPCListenAddress)
	if err != nil {
		return fmt.Errorf("binding gRPC listener: %w", err)
	}
	go func() {
		log.WithField("addr", cfg.GRPCListenAddress).Info("gRPC API listening")
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.WithError(err).Error("gRPC server exited")
		}
	}()

	webSrv := &http.Server{Addr: cfg.GRPCWebListenAddress, Handler: sup.GRPCWebHandler(grpcSrv)}
	go func() {
		log.WithField("addr", cfg.GRPCWebListenAddress).Info("gRPC-Web bridge listening")
		if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("gRPC-Web server exited")
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddress, Handler: metricsMux()}
	go func() {
		log.WithField("addr", cfg.MetricsListenAddress).Info("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
		}
	}()

	sup.Run(ctx)

	shutdownCtx := context.Background()
	httpSrv.Shutdown(shutdownCtx)
	webSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	return nil
}

// seedHosts upserts clustermgrd's static host configuration into the
// catalog's host table. config.HostConfig is the spec §3 "external
// collaborator" that owns host-id -> address mappings; the core only
// ever reads them back through a catalog.HostResolver afterward.
func seedHosts(ctx context.Context, store catalog.Store, hosts map[string]config.HostConfig) error {
	return catalog.WithTx(ctx, store, func(tx catalog.Tx) error {
		for id, h := range hosts {
			if err := tx.UpsertHost(ctx, catalog.Host{ID: id, Name: id, Address: h.Address, AgentPort: h.AgentPort, OSUser: h.OSUser}); err != nil {
				return fmt.Errorf("upserting host %q: %w", id, err)
			}
		}
		return nil
	})
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	return mux
}
