package lock

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/catalog"
)

type fakeCoord struct {
	execErrs  []error // consumed in order, then nil forever
	execCalls []string
	closed    bool
}

func (f *fakeCoord) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.execCalls = append(f.execCalls, query)
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		return nil, err
	}
	return nil, nil
}

func (f *fakeCoord) Close() error { f.closed = true; return nil }

// fakeAgent drains one command and replies IDLE to every frame it
// receives, for as many commands as replies are queued to accept.
type fakeAgent struct {
	ln      net.Listener
	handled []agentproto.Command
}

func startFakeAgent(t *testing.T, n int) (*fakeAgent, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fa := &fakeAgent{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for i := 0; i < n; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			frame, err := agentproto.ReadFrame(r)
			if err == nil {
				cmd, _, _ := agentproto.DecodeCommand(frame.Payload)
				fa.handled = append(fa.handled, cmd)
			}
			agentproto.WriteFrame(conn, agentproto.Frame{Type: agentproto.MsgIdle})
			conn.Close()
		}
	}()
	return fa, ln.Addr().String()
}

func fakeHosts(addrs map[string]string) catalog.HostResolver {
	return func(ctx context.Context, hostID string) (catalog.Host, error) {
		addr, ok := addrs[hostID]
		if !ok {
			return catalog.Host{}, errors.New("no such host")
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return catalog.Host{}, err
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		return catalog.Host{ID: hostID, Address: host, AgentPort: port}, nil
	}
}

func TestAcquireDirectConnectSucceeds(t *testing.T) {
	coord := &fakeCoord{}
	a := New(
		func(ctx context.Context, host string, port int) (Coordinator, error) { return coord, nil },
		fakeHosts(map[string]string{"h1": "10.0.0.9:9999"}),
		"10.0.0.1",
		nil,
	)
	node := catalog.Node{Name: "coord1", Port: 5432, HostID: "h1"}

	l, err := a.Acquire(context.Background(), []catalog.Node{node})
	if err != nil {
		t.Fatal(err)
	}
	if len(coord.execCalls) != 1 || coord.execCalls[0] != "SELECT pg_pause_cluster()" {
		t.Fatalf("unexpected exec calls: %v", coord.execCalls)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !coord.closed {
		t.Fatal("expected coordinator to be closed on release")
	}
}

func TestAcquireFallsBackToHBAEdit(t *testing.T) {
	fa, addr := startFakeAgent(t, 3) // refresh-hba, reload; this test does not call Release
	_ = fa

	coord := &fakeCoord{}
	attempts := 0
	a := New(
		func(ctx context.Context, host string, port int) (Coordinator, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("connection refused by HBA")
			}
			return coord, nil
		},
		fakeHosts(map[string]string{"h1": addr}),
		"10.0.0.1",
		nil,
	)
	node := catalog.Node{Name: "coord1", Port: 5432, HostID: "h1"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := a.Acquire(ctx, []catalog.Node{node})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected a retried dial after HBA edit, got %d attempts", attempts)
	}
	if l.hbaAdded != true {
		t.Fatal("expected hbaAdded to be recorded true")
	}
}

func TestPauseRetriesThenSucceeds(t *testing.T) {
	coord := &fakeCoord{execErrs: []error{errors.New("busy"), errors.New("busy")}}
	a := New(
		func(ctx context.Context, host string, port int) (Coordinator, error) { return coord, nil },
		fakeHosts(map[string]string{"h1": "10.0.0.9:9999"}),
		"10.0.0.1",
		nil,
	)
	node := catalog.Node{Name: "coord1", Port: 5432, HostID: "h1"}

	l, err := a.Acquire(context.Background(), []catalog.Node{node})
	if err != nil {
		t.Fatal(err)
	}
	if len(coord.execCalls) != 3 {
		t.Fatalf("expected 3 pause attempts, got %d", len(coord.execCalls))
	}
	l.Release(context.Background())
}

func TestAcquireTriesNextCandidateOnFailure(t *testing.T) {
	coord := &fakeCoord{}
	calls := 0
	a := New(
		func(ctx context.Context, host string, port int) (Coordinator, error) {
			calls++
			if host == "10.9.9.9" {
				return nil, errors.New("down")
			}
			return coord, nil
		},
		fakeHosts(map[string]string{"h1": "10.9.9.9:9999", "h2": "10.0.0.2:9999"}),
		"10.0.0.1",
		nil,
	)
	nodes := []catalog.Node{
		{Name: "bad", Port: 5432, HostID: "h1"},
		{Name: "good", Port: 5432, HostID: "h2"},
	}

	l, err := a.Acquire(context.Background(), nodes)
	if err != nil {
		t.Fatal(err)
	}
	l.Release(context.Background())
	if calls < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", calls)
	}
}
