package agentclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
)

// fakeAgent is a minimal in-process stand-in for the remote agent
// binary, used to exercise the client's reply-discipline loop without
// a real host.
type fakeAgent struct {
	ln      net.Listener
	replies []agentproto.Frame
}

func startFakeAgent(t *testing.T, replies ...agentproto.Frame) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fa := &fakeAgent{ln: ln, replies: replies}
	go fa.serveOnce()
	t.Cleanup(func() { ln.Close() })
	return fa
}

func (fa *fakeAgent) serveOnce() {
	conn, err := fa.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	// drain the one command frame
	agentproto.ReadFrame(bufio.NewReader(conn))
	for _, f := range fa.replies {
		agentproto.WriteFrame(conn, f)
	}
}

func TestClientDoSuccess(t *testing.T) {
	fa := startFakeAgent(t,
		agentproto.Frame{Type: agentproto.MsgNotice, Payload: []byte("starting up")},
		agentproto.Frame{Type: agentproto.MsgResult, Payload: []byte("5432")},
		agentproto.Frame{Type: agentproto.MsgIdle},
	)
	c := New(fa.ln.Addr().String(), time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := c.Do(ctx, agentproto.CmdNodeStart, nil, "dn1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Notices) != 1 || reply.Notices[0] != "starting up" {
		t.Fatalf("got notices %v", reply.Notices)
	}
	if string(reply.Result) != "5432" {
		t.Fatalf("got result %q", reply.Result)
	}
}

func TestClientDoRemoteError(t *testing.T) {
	fa := startFakeAgent(t,
		agentproto.Frame{Type: agentproto.MsgError, Payload: []byte("could not start: port in use")},
	)
	c := New(fa.ln.Addr().String(), time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Do(ctx, agentproto.CmdNodeStart, nil, "dn1")
	if !clustererr.IsCode(err, clustererr.CodeRemoteCommand) {
		t.Fatalf("expected RemoteCommandFailed, got %v", err)
	}
}

func TestClientAgentDown(t *testing.T) {
	c := New("127.0.0.1:1", 200*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Do(ctx, agentproto.CmdNodeStart, nil, "dn1")
	if !clustererr.IsCode(err, clustererr.CodeTransientNetwork) {
		t.Fatalf("expected TransientNetwork, got %v", err)
	}
}

func TestClientProtocolViolation(t *testing.T) {
	fa := startFakeAgent(t,
		agentproto.Frame{Type: agentproto.MsgCommand, Payload: []byte("unexpected")},
	)
	c := New(fa.ln.Addr().String(), time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Do(ctx, agentproto.CmdNodeStart, nil, "dn1")
	if !clustererr.IsCode(err, clustererr.CodeProtocolViolation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}
