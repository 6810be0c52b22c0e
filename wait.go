package pgsession

import (
	"context"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession/wire"
)

// defaultWaitTimeout bounds a single readiness poll. Timing out is not an
// error; it is how the driver periodically re-checks for interruption.
const defaultWaitTimeout = 100 * time.Millisecond

type progressKind int

const (
	needRead progressKind = iota
	needWrite
	machineDone
	machineFailed
)

// progress is one step outcome of a machine: a readiness request, completion
// with the accumulated results, or failure.
type progress struct {
	kind    progressKind
	results []*wire.Result
	err     error
}

func wantRead() progress              { return progress{kind: needRead} }
func wantWrite() progress             { return progress{kind: needWrite} }
func done(rs []*wire.Result) progress { return progress{kind: machineDone, results: rs} }
func failed(err error) progress       { return progress{kind: machineFailed, err: err} }

// machine is a suspendable protocol exchange. Step is called with the
// readiness obtained since the last request (zero on the first call and
// after a poll timeout) and advances the exchange as far as it can without
// blocking.
type machine interface {
	Step(ready wire.Ready) progress
}

// wait drives m against conn's readiness signal until completion. The
// serialization lock of the owning Conn must be held for the whole drive.
//
// Cancellation is cooperative and server-mediated: when ctx is interrupted
// mid-wait, a cancel request is sent for the in-flight operation and the
// drive continues so the server's acknowledgment is consumed. A resulting
// "query canceled" error is the expected outcome of that path and is
// absorbed; the caller sees ctx.Err(). Any other error raised while
// cancelling propagates, linked to the interrupt.
func wait(ctx context.Context, conn wire.Conn, m machine, timeout time.Duration) ([]*wire.Result, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	results, err := drive(ctx, conn, m, timeout)
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return results, err
	}

	interrupt := err
	if cancelErr := conn.Cancel(context.Background()); cancelErr != nil {
		return nil, linkErrors(cancelErr, interrupt)
	}

	// The original wait is retried to absorb the cancellation
	// acknowledgment. It must not be tied to the already-interrupted ctx.
	if _, err := drive(context.Background(), conn, m, timeout); err != nil && !isQueryCanceled(err) {
		return nil, linkErrors(err, interrupt)
	}
	return nil, interrupt
}

// waitInterruptible drives m but treats ctx interruption as a plain return.
// It is used when no operation is in flight, so there is nothing for the
// server to cancel or acknowledge.
func waitInterruptible(ctx context.Context, conn wire.Conn, m machine, timeout time.Duration) ([]*wire.Result, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	return drive(ctx, conn, m, timeout)
}

func drive(ctx context.Context, conn wire.Conn, m machine, timeout time.Duration) ([]*wire.Result, error) {
	var ready wire.Ready
	for {
		p := m.Step(ready)
		switch p.kind {
		case machineDone:
			return p.results, nil
		case machineFailed:
			return nil, p.err
		}

		want := wire.ReadableReady
		if p.kind == needWrite {
			want = wire.WritableReady
		}

		var err error
		ready, err = conn.Poll(ctx, want, timeout)
		if err != nil {
			return nil, err
		}
		// ready == 0 means the poll timed out; loop and step again so the
		// machine can notice out-of-band progress.
	}
}

// waitConnect drives the connection-establishment handshake. Unlike wait it
// re-asks the Connector which descriptor to poll every iteration, because
// protocol negotiation may replace the underlying socket mid-handshake.
func waitConnect(ctx context.Context, nc wire.Connector, timeout time.Duration) (wire.Conn, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	for {
		want, err := nc.PollConnect()
		if err != nil {
			return nil, err
		}
		if want == 0 {
			return nc.Conn(), nil
		}

		if _, err := nc.Poll(ctx, want, timeout); err != nil {
			return nil, err
		}
	}
}
