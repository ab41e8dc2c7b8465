// Package agentclient implements the manager side of the agent RPC
// (C1, spec §4.1): frame-level request/response against a remote
// host's agent process. Connections are not pooled (spec §5) — open
// per operation, close on completion.
package agentclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgxc-mgr/clustermgr/internal/agentproto"
	"github.com/pgxc-mgr/clustermgr/internal/clustererr"
)

// Client talks to one host's agent. It is not safe for concurrent use
// by multiple goroutines issuing overlapping commands — each command
// owns the connection for its whole request/reply exchange.
type Client struct {
	Addr    string // host:agent-port
	Timeout time.Duration
	Log     *logrus.Entry
}

func New(addr string, timeout time.Duration, log *logrus.Entry) *Client {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{Addr: addr, Timeout: timeout, Log: log}
}

// Reply is the accumulated result of a command exchange: every NOTICE
// seen (logged as encountered, also returned for callers that display
// progress) and the RESULT payload if one arrived. An ERROR reply or a
// stream that dies mid-exchange is reported through Do's error return.
type Reply struct {
	Notices []string
	Result  []byte
}

// Do sends one COMMAND frame and reads frames until IDLE, ERROR, or
// end-of-stream (spec §4.1 reply discipline). The RPC client itself
// does not retry — that is the caller's responsibility (spec §4.1).
func (c *Client) Do(ctx context.Context, cmd agentproto.Command, blob []byte, args ...string) (Reply, error) {
	var reply Reply

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return reply, clustererr.TransientNetwork(fmt.Sprintf("agent down at %s", c.Addr), err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	payload := agentproto.EncodeCommand(cmd, blob, args...)
	if err := agentproto.WriteFrame(conn, agentproto.Frame{Type: agentproto.MsgCommand, Payload: payload}); err != nil {
		return reply, clustererr.TransientNetwork("write command frame", err)
	}

	r := bufio.NewReader(conn)
	for {
		frame, err := agentproto.ReadFrame(r)
		if err == io.EOF {
			return reply, clustererr.TransientNetwork("agent closed connection before IDLE/ERROR", err)
		}
		if err != nil {
			return reply, clustererr.TransientNetwork("read reply frame", err)
		}
		switch frame.Type {
		case agentproto.MsgIdle:
			return reply, nil
		case agentproto.MsgError:
			return reply, clustererr.RemoteCommandFailed(string(frame.Payload))
		case agentproto.MsgNotice:
			text := string(frame.Payload)
			reply.Notices = append(reply.Notices, text)
			c.Log.WithField("agent", c.Addr).Debug("agent notice: " + text)
		case agentproto.MsgResult:
			reply.Result = frame.Payload
		default:
			return reply, clustererr.ProtocolViolation(fmt.Sprintf("unexpected frame type %s from %s", frame.Type, c.Addr))
		}
	}
}

// GetSQLStrings runs CmdGetSQLStrings and splits the RESULT payload
// into the NUL-terminated value tokens the agent streams back
// (spec §4.1).
func (c *Client) GetSQLStrings(ctx context.Context, sql string) ([]string, error) {
	reply, err := c.Do(ctx, agentproto.CmdGetSQLStrings, nil, sql)
	if err != nil {
		return nil, err
	}
	return agentproto.DecodeTokens(reply.Result), nil
}
