package pgsession

import (
	"context"

	"github.com/jackc/pgsession/wire"
)

// pendingResult is the placeholder for one operation submitted in pipeline
// mode. It is resolved, strictly in submission order, when a
// synchronization point distributes the replies the server has produced.
type pendingResult struct {
	// cursor receives the results through the ordinary classification path.
	// When nil the operation is a control command validated against its
	// text.
	cursor  *Cursor
	command string

	results  []*wire.Result
	err      error
	resolved bool

	// done is the optional completion signal; nil until requested.
	done chan struct{}
}

// Done returns a channel closed once the placeholder has been resolved by a
// synchronization point.
func (pr *pendingResult) Done() <-chan struct{} {
	if pr.done == nil {
		pr.done = make(chan struct{})
		if pr.resolved {
			close(pr.done)
		}
	}
	return pr.done
}

// Err returns the classification outcome. Valid only after resolution.
func (pr *pendingResult) Err() error { return pr.err }

func (pr *pendingResult) resolve(results []*wire.Result) {
	pr.results = results
	pr.resolved = true

	if pr.cursor != nil {
		// The cursor's pending pointer stays set; the next fetch clears it
		// after taking pr.err, so a classification failure is reported to
		// the fetcher and not just to Sync's caller.
		pr.err = pr.cursor.loadResults(results)
	} else {
		pr.err = checkCommandResults(pr.command, results)
	}

	if pr.done != nil {
		close(pr.done)
	}
}

// Pipeline queues submitted-but-not-yet-synchronized operations so multiple
// commands can be sent back to back. Results are delivered to the queued
// placeholders in the exact order the operations were submitted.
type Pipeline struct {
	conn  *Conn
	level int
	queue []*pendingResult
}

// Level returns the pipeline nesting depth.
func (p *Pipeline) Level() int {
	p.conn.lock.Lock()
	defer p.conn.lock.Unlock()
	return p.level
}

// PendingCount returns the number of placeholders still waiting for their
// results.
func (p *Pipeline) PendingCount() int {
	p.conn.lock.Lock()
	defer p.conn.lock.Unlock()
	return len(p.queue)
}

func (p *Pipeline) enqueueLocked(pr *pendingResult) {
	p.queue = append(p.queue, pr)
}

// Sync emits a synchronization point, flushes the queued commands and
// distributes however many replies are now available. Placeholders the
// server has not replied to yet remain pending for a later Sync.
//
// The returned error is the first classification failure among the
// operations resolved by this synchronization point.
func (p *Pipeline) Sync(ctx context.Context) error {
	p.conn.lock.Lock()
	defer p.conn.lock.Unlock()
	return p.syncLocked(ctx)
}

func (p *Pipeline) syncLocked(ctx context.Context) error {
	c := p.conn

	if err := c.checkConnOKLocked(); err != nil {
		return err
	}
	if err := c.wconn.Sync(); err != nil {
		return err
	}

	results, err := wait(ctx, c.wconn, newCommunicateMachine(c.wconn), c.config.WaitTimeout)
	if err != nil {
		return err
	}

	return p.distributeLocked(results)
}

// distributeLocked pairs received results with queued placeholders in FIFO
// order. Synchronization markers delimit batches and carry no operation
// result; an aborted marker resolves its placeholder with an operational
// error.
func (p *Pipeline) distributeLocked(results []*wire.Result) error {
	var firstErr error

	var batch []*wire.Result
	flush := func(res *wire.Result) {
		if len(p.queue) == 0 {
			return
		}
		pr := p.queue[0]
		p.queue = p.queue[1:]
		if res != nil {
			batch = append(batch, res)
		}
		pr.resolve(batch)
		batch = nil
		if pr.err != nil && firstErr == nil {
			firstErr = pr.err
		}
	}

	for _, res := range results {
		switch res.Status {
		case wire.ResultPipelineSync:
			// Batch delimiter only; any accumulated results belong to an
			// operation that never saw its terminator and are discarded.
			batch = nil
		case wire.ResultPipelineAborted:
			flush(res)
		case wire.ResultFatalError:
			flush(res)
		default:
			// One aggregated result terminates one operation.
			flush(res)
		}
	}

	return firstErr
}

// exitLocked is the outermost-scope teardown: synchronize outstanding work,
// then leave pipeline mode on the transport.
func (p *Pipeline) exitLocked(ctx context.Context) error {
	// Drain every placeholder before leaving pipeline mode, which would
	// invalidate them. A classification failure resolves its placeholder and
	// the drain continues; only a synchronization that makes no progress at
	// all (the transport itself failed) stops it. The first error is the one
	// reported.
	var firstErr error
	for len(p.queue) > 0 {
		before := len(p.queue)
		if err := p.syncLocked(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if len(p.queue) == before {
				break
			}
		}
	}

	if !p.conn.closed {
		firstErr = linkErrors(p.conn.wconn.ExitPipelineMode(), firstErr)
	}
	return firstErr
}
