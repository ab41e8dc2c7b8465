// Package prober implements the node liveness check (C2, spec §4.2):
// TCP connect plus a protocol-specific ping, distinguishing the five
// outcomes the switcher and append engine reason about.
package prober

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Result is one of the five liveness outcomes spec §4.2 requires.
type Result string

const (
	OK         Result = "OK"
	Reject     Result = "REJECT"
	NoResponse Result = "NO_RESPONSE"
	NoAttempt  Result = "NO_ATTEMPT"
	AgentDown  Result = "AGENT_DOWN"
)

const (
	connectTimeout = 2 * time.Second
	backoff        = 100 * time.Millisecond
	maxAttempts    = 3
)

// Pinger issues a protocol-specific ping once a TCP connection is
// established, returning an error if the remote end rejects the
// connection at the protocol level (e.g. still starting up, wrong
// credentials). Implementations live alongside the database driver
// used to talk to the node; Prober only needs this narrow contract.
type Pinger interface {
	Ping(ctx context.Context, conn net.Conn, user string) error
}

// Prober probes a single node's serving port.
type Prober struct {
	Pinger Pinger
}

func New(p Pinger) *Prober {
	return &Prober{Pinger: p}
}

// Probe runs up to three attempts with a 100ms back-off (spec §4.2).
// A nil Pinger degrades Probe to a pure TCP-connect check (OK or
// NO_RESPONSE), which is sufficient for agent liveness (C1 callers)
// that have no SQL ping of their own.
func (p *Prober) Probe(ctx context.Context, addr string, user string) Result {
	var last Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NoAttempt
			case <-time.After(backoff):
			}
		}
		last = p.attempt(ctx, addr, user)
		if last == OK || last == Reject {
			// a definitive protocol-level answer, no point retrying
			return last
		}
	}
	return last
}

func (p *Prober) attempt(ctx context.Context, addr, user string) Result {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return NoResponse
	}
	defer conn.Close()

	if p.Pinger == nil {
		return OK
	}
	if err := p.Pinger.Ping(ctx, conn, user); err != nil {
		return Reject
	}
	return OK
}

// ProbeAgent is a thin convenience wrapper returning AGENT_DOWN or OK
// for the agent's own TCP port, where there is no application-level
// ping — only the ability to open the socket matters. The switcher
// uses it to vet forced-failover candidates and to pick coordinators
// for the cluster lock.
func ProbeAgent(ctx context.Context, addr string) Result {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return AgentDown
	}
	conn.Close()
	return OK
}

func (r Result) String() string { return string(r) }

// MustParseAddr is a small helper so callers can build "host:port"
// without repeating fmt.Sprintf at every call site.
func MustParseAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
