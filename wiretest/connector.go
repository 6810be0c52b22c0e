package wiretest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgsession/wire"
)

// Connector is a scripted wire.Connector. Each handshake step asks for one
// readiness from Wants; when Wants is exhausted the handshake completes with
// the wrapped connection, or fails with Err if set.
type Connector struct {
	mu    sync.Mutex
	wants []wire.Ready
	err   error
	conn  *Conn
	step  int
	polls []wire.Ready
}

// NewConnector returns a Connector whose handshake requests the given
// readiness sequence before yielding conn.
func NewConnector(conn *Conn, wants ...wire.Ready) *Connector {
	return &Connector{conn: conn, wants: wants}
}

// FailWith makes the handshake fail with err once the scripted steps are
// used up.
func (nc *Connector) FailWith(err error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.err = err
}

// Polls returns the readiness values the driver has waited for, in order.
func (nc *Connector) Polls() []wire.Ready {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	out := make([]wire.Ready, len(nc.polls))
	copy(out, nc.polls)
	return out
}

// PollConnect implements wire.Connector.
func (nc *Connector) PollConnect() (wire.Ready, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.step < len(nc.wants) {
		want := nc.wants[nc.step]
		nc.step++
		return want, nil
	}
	return 0, nc.err
}

// Poll implements wire.Connector. Readiness is always immediate; the
// requested value is recorded for assertions.
func (nc *Connector) Poll(ctx context.Context, want wire.Ready, timeout time.Duration) (wire.Ready, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.polls = append(nc.polls, want)
	return want, nil
}

// Conn implements wire.Connector.
func (nc *Connector) Conn() wire.Conn {
	return nc.conn
}
