// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
//
// Command clusterctl is the administrative CLI client: login, list,
// monitor, append, remove, drop and failover are subcommands that hit
// clustermgrd's HTTP API and print the returned tuple stream, one line per (name, success,
// description) row. The exit code is non-zero whenever any row
// reports success=false.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgxc-mgr/clustermgr/cluster"
)

var (
	serverURL string
	clusterID string
	token     string
)

func main() {
	root := &cobra.Command{Use: "clusterctl", Short: "Administrative client for clustermgrd"}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:10001", "clustermgrd HTTP API base URL")
	root.PersistentFlags().StringVar(&clusterID, "cluster", "", "cluster name")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token from clusterctl login")
	root.MarkPersistentFlagRequired("cluster")

	root.AddCommand(
		loginCmd(),
		simpleGetCmd("list", "List every node in the cluster"),
		simpleGetCmd("monitor", "Probe every in-cluster node's liveness"),
		appendCmd(),
		nodeVerbCmd("remove", "Mark a node out of cluster"),
		nodeVerbCmd("drop", "Delete a node's catalog row"),
		failoverCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"username": username, "password": password})
			resp, err := http.Post(serverURL+"/api/login", "application/json", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func simpleGetCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(fmt.Sprintf("/api/clusters/%s/%s", clusterID, verb))
		},
	}
}

func nodeVerbCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <node>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(fmt.Sprintf("/api/clusters/%s/%s/%s", clusterID, verb, args[0]), nil)
		},
	}
}

func appendCmd() *cobra.Command {
	var kind, replUser string
	cmd := &cobra.Command{
		Use:   "append <node-id>",
		Short: "Append a new node to the cluster (dn-master|dn-slave|coord-master|gtm-slave)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]interface{}{
				"nodeId": args[0], "kind": kind, "replicationUser": replUser,
			})
			return postAndPrint(fmt.Sprintf("/api/clusters/%s/append", clusterID), body)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "dn-slave", "dn-master|dn-slave|coord-master|gtm-slave")
	cmd.Flags().StringVar(&replUser, "replication-user", "replicator", "replication role used for the join")
	return cmd
}

func failoverCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "failover <master-id>",
		Short: "Force an immediate master-failed procedure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/clusters/%s/failover/%s", clusterID, args[0])
			if force {
				path += "?force=true"
			}
			return postAndPrint(path, nil)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also consider potential, then async, slaves whose agent answers when no sync one qualifies")
	return cmd
}

func getAndPrint(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doAndPrint(req)
}

func postAndPrint(path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return err
	}
	return doAndPrint(req)
}

func doAndPrint(req *http.Request) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		out, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("clustermgrd: %s: %s", resp.Status, string(out))
	}

	var rows []cluster.Result
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return err
	}

	anyFailed := false
	for _, row := range rows {
		fmt.Printf("%s\t%t\t%s\n", row.Name, row.Success, row.Description)
		if !row.Success {
			anyFailed = true
		}
	}
	if anyFailed {
		os.Exit(1)
	}
	return nil
}
