// Package confwriter wraps agentclient with the config-file-write
// commands of C1 (spec §4.1/§4.4), giving callers typed helpers for
// postgresql.conf, pg_hba.conf, and recovery.conf instead of hand
// assembling ConfigWrite token streams at each call site.
package confwriter

import (
	"context"
	"sort"

	"github.com/pgxc-mgr/clustermgr/internal/agentclient"
	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
)

// Writer issues config-file rewrites against one host's agent.
type Writer struct {
	Agent *agentclient.Client
}

func New(agent *agentclient.Client) *Writer {
	return &Writer{Agent: agent}
}

// WritePostgresConf rewrites a set of postgresql.conf options. reload
// selects the reload variant of the command, which reloads the server
// after the atomic write (spec §4.1 "_RELOAD" suffix).
func (w *Writer) WritePostgresConf(ctx context.Context, targetPath string, options map[string]string, reload bool) error {
	cw := agentproto.ConfigWrite{
		TargetPath:  targetPath,
		Options:     options,
		OrderedKeys: sortedKeys(options),
	}
	cmd := agentproto.CmdConfRefreshPostgres
	if reload {
		cmd = agentproto.CmdConfRefreshPostgresReload
	}
	_, err := w.Agent.Do(ctx, cmd, nil, cw.Tokens()...)
	return err
}

// WriteRecoveryConf rewrites recovery.conf (or postgresql.auto.conf's
// recovery section on newer engines the agent targets) with options,
// which carry the slave's primary_conninfo pointing at its master.
func (w *Writer) WriteRecoveryConf(ctx context.Context, targetPath string, options map[string]string) error {
	cw := agentproto.ConfigWrite{
		TargetPath:  targetPath,
		Options:     options,
		OrderedKeys: sortedKeys(options),
	}
	_, err := w.Agent.Do(ctx, agentproto.CmdConfRefreshRecovery, nil, cw.Tokens()...)
	return err
}

// AddHBALine pushes a single pg_hba.conf line and, if reload is set,
// asks the agent to reload postgresql afterward.
func (w *Writer) AddHBALine(ctx context.Context, line agentproto.HBALine, reload bool) error {
	if _, err := w.Agent.Do(ctx, agentproto.CmdConfRefreshHBA, nil, line.Tokens()...); err != nil {
		return err
	}
	if reload {
		_, err := w.Agent.Do(ctx, agentproto.CmdConfRefreshPostgresReload, nil)
		return err
	}
	return nil
}

// DeleteHBALine removes a previously added pg_hba.conf line.
func (w *Writer) DeleteHBALine(ctx context.Context, line agentproto.HBALine, reload bool) error {
	if _, err := w.Agent.Do(ctx, agentproto.CmdConfDeleteHBALine, nil, line.Tokens()...); err != nil {
		return err
	}
	if reload {
		_, err := w.Agent.Do(ctx, agentproto.CmdConfRefreshPostgresReload, nil)
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
