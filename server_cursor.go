package pgsession

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgsession/wire"
)

// ScrollMode selects how ServerCursor.Scroll interprets its amount.
type ScrollMode string

const (
	ScrollRelative = ScrollMode("relative")
	ScrollAbsolute = ScrollMode("absolute")
)

// ServerCursorOptions fix the qualifiers of a server cursor at creation.
type ServerCursorOptions struct {
	// Scrollable is tri-state: nil leaves the server default, otherwise
	// SCROLL or NO SCROLL is declared explicitly.
	Scrollable *bool

	// WithHold declares the cursor WITH HOLD so it survives a commit.
	WithHold bool
}

type serverCursorState int

const (
	cursorUnbound serverCursorState = iota // declared name, not yet materialized
	cursorOpen                             // first DECLARE/FETCH round trip done
)

// ServerCursor is a cursor whose rows live on the server under a named
// portal, materialized via DECLARE and advanced via FETCH/MOVE. Rows arrive
// in batches of BatchSize, not all at once.
//
// A ServerCursor may be bound to a name another statement already declared
// on the same connection ("stolen"); the first fetch then succeeds without
// a prior Execute.
type ServerCursor struct {
	Cursor

	name       string
	scrollable *bool
	withhold   bool

	state serverCursorState

	// rowNumber is the logical position within the server cursor. It is
	// maintained purely from the counts of rows actually fetched and moved,
	// never re-derived from server state.
	rowNumber int64

	// exhausted is set once a refill returns fewer rows than requested.
	exhausted bool
}

func newServerCursor(c *Conn, name string, opts ServerCursorOptions) *ServerCursor {
	sc := &ServerCursor{
		name:       name,
		scrollable: opts.Scrollable,
		withhold:   opts.WithHold,
	}
	sc.Cursor.conn = c
	sc.Cursor.rowFactory = c.rowFactory()
	sc.Cursor.batchSize = c.batchSize()
	sc.Cursor.reset()
	return sc
}

// Name returns the server-side cursor name.
func (sc *ServerCursor) Name() string { return sc.name }

// Scrollable reports the scroll qualifier fixed at creation; nil means the
// server default was left in place.
func (sc *ServerCursor) Scrollable() *bool { return sc.scrollable }

// WithHold reports whether the cursor was declared WITH HOLD.
func (sc *ServerCursor) WithHold() bool { return sc.withhold }

// RowNumber returns the logical row position within the server cursor.
func (sc *ServerCursor) RowNumber() int64 { return sc.rowNumber }

func (sc *ServerCursor) declareStatement(query string) string {
	var b strings.Builder
	b.WriteString("DECLARE ")
	b.WriteString(quoteIdentifier(sc.name))
	if sc.scrollable != nil {
		if *sc.scrollable {
			b.WriteString(" SCROLL")
		} else {
			b.WriteString(" NO SCROLL")
		}
	}
	b.WriteString(" CURSOR")
	if sc.withhold {
		b.WriteString(" WITH HOLD")
	}
	b.WriteString(" FOR ")
	b.WriteString(query)
	return b.String()
}

// Execute declares the server cursor over query and fetches the initial
// batch.
func (sc *ServerCursor) Execute(ctx context.Context, query string, params ...interface{}) error {
	c := sc.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	if sc.closed {
		return &InterfaceError{msg: "the cursor is closed", err: ErrCursorClosed}
	}
	if err := c.checkConnOKLocked(); err != nil {
		return err
	}
	if c.pipeline != nil {
		return &NotSupportedError{msg: "server cursors cannot be used in pipeline mode"}
	}

	sc.Cursor.reset()
	sc.rowNumber = 0
	sc.exhausted = false

	if err := c.startQueryLocked(ctx); err != nil {
		return err
	}

	query, params, err := expandNamedParams(query, params)
	if err != nil {
		return err
	}

	declare, err := c.codec().Encode(sc.declareStatement(query))
	if err != nil {
		return interfaceErrorf("cannot encode query: %v", err)
	}

	if c.shouldLog(LogLevelDebug) {
		c.log(ctx, LogLevelDebug, "declare cursor", map[string]interface{}{"name": sc.name, "sql": query, "args": logQueryArgs(params)})
	}

	if err := sc.Cursor.sendLocked(declare, params); err != nil {
		return err
	}
	results, err := wait(ctx, c.wconn, newExecMachine(c.wconn), c.config.WaitTimeout)
	if err != nil {
		return err
	}
	if err := checkCommandResults("DECLARE", results); err != nil {
		return err
	}

	sc.state = cursorOpen

	return sc.refillLocked(ctx, strconv.Itoa(sc.batchSize))
}

// refillLocked round-trips one FETCH and makes its rows the current buffer.
func (sc *ServerCursor) refillLocked(ctx context.Context, count string) error {
	sql := "FETCH FORWARD " + count + " FROM " + quoteIdentifier(sc.name)
	results, err := sc.roundTripLocked(ctx, sql)
	if err != nil {
		return err
	}
	if err := sc.Cursor.loadResults(results); err != nil {
		return err
	}
	sc.state = cursorOpen

	if count == "ALL" {
		sc.exhausted = true
	} else if want, err := strconv.Atoi(count); err == nil && len(sc.res.Rows) < want {
		sc.exhausted = true
	}
	return nil
}

func (sc *ServerCursor) roundTripLocked(ctx context.Context, sql string) ([]*wire.Result, error) {
	c := sc.conn

	// FETCH and MOVE wait for their reply immediately, which a pipelined
	// transport defers until the next synchronization point.
	if c.pipeline != nil {
		return nil, &NotSupportedError{msg: "server cursors cannot be used in pipeline mode"}
	}

	qbytes, err := c.codec().Encode(sql)
	if err != nil {
		return nil, interfaceErrorf("cannot encode query: %v", err)
	}

	// Binary-format cursors must go through the extended protocol; the
	// simple protocol always answers in text.
	if sc.format == wire.BinaryFormat {
		err = c.wconn.SendQueryParams(qbytes, nil, nil, nil, sc.format)
	} else {
		err = c.wconn.SendQuery(qbytes)
	}
	if err != nil {
		return nil, err
	}

	return wait(ctx, c.wconn, newExecMachine(c.wconn), c.config.WaitTimeout)
}

// bufferedAhead is the number of fetched-but-unserved rows.
func (sc *ServerCursor) bufferedAhead() int {
	if sc.res == nil {
		return 0
	}
	return len(sc.res.Rows) - sc.pos
}

func (sc *ServerCursor) checkFetchable() error {
	if sc.closed {
		return &InterfaceError{msg: "the cursor " + quoteIdentifier(sc.name) + " is closed", err: ErrCursorClosed}
	}
	return nil
}

// FetchOne returns the next row, refilling the buffer with a FETCH FORWARD
// exchange when it is exhausted.
func (sc *ServerCursor) FetchOne(ctx context.Context) (Row, bool, error) {
	if err := sc.checkFetchable(); err != nil {
		return nil, false, err
	}

	if sc.bufferedAhead() == 0 {
		if sc.exhausted {
			return nil, false, nil
		}
		c := sc.conn
		c.lock.Lock()
		err := sc.refillLocked(ctx, strconv.Itoa(sc.batchSize))
		c.lock.Unlock()
		if err != nil {
			return nil, false, err
		}
	}

	row, ok, err := sc.loadRow(sc.pos)
	if err != nil || !ok {
		return nil, false, err
	}
	sc.pos++
	sc.rowNumber++
	return row, true, nil
}

// FetchMany returns up to size rows, issuing a FETCH of the shortfall when
// the buffer cannot satisfy the request.
func (sc *ServerCursor) FetchMany(ctx context.Context, size int) ([]Row, error) {
	if err := sc.checkFetchable(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = sc.batchSize
	}

	var rows []Row
	for len(rows) < size {
		if sc.bufferedAhead() == 0 {
			if sc.exhausted {
				break
			}
			c := sc.conn
			c.lock.Lock()
			err := sc.refillLocked(ctx, strconv.Itoa(size-len(rows)))
			c.lock.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}

		row, ok, err := sc.loadRow(sc.pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		sc.pos++
		sc.rowNumber++
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns every remaining row of the cursor.
func (sc *ServerCursor) FetchAll(ctx context.Context) ([]Row, error) {
	if err := sc.checkFetchable(); err != nil {
		return nil, err
	}

	var rows []Row
	for {
		if sc.bufferedAhead() == 0 {
			if sc.exhausted {
				return rows, nil
			}
			c := sc.conn
			c.lock.Lock()
			err := sc.refillLocked(ctx, "ALL")
			c.lock.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}

		row, ok, err := sc.loadRow(sc.pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		sc.pos++
		sc.rowNumber++
		rows = append(rows, row)
	}
}

// Next is the iteration form of FetchOne; iteration refills in BatchSize
// batches.
func (sc *ServerCursor) Next(ctx context.Context) (Row, bool, error) {
	return sc.FetchOne(ctx)
}

// Scroll moves the cursor with a MOVE exchange. mode is "relative" or
// "absolute". A cursor declared non-scrollable rejects backward relative
// moves and all absolute moves with an operational error, leaving the row
// number unchanged.
func (sc *ServerCursor) Scroll(ctx context.Context, amount int, mode ScrollMode) error {
	if err := sc.checkFetchable(); err != nil {
		return err
	}

	nonScrollable := sc.scrollable != nil && !*sc.scrollable
	switch mode {
	case ScrollRelative:
		if nonScrollable && amount < 0 {
			return operationalErrorf("cursor %s is not scrollable: cannot move backward", quoteIdentifier(sc.name))
		}
	case ScrollAbsolute:
		if nonScrollable {
			return operationalErrorf("cursor %s is not scrollable: cannot move to an absolute position", quoteIdentifier(sc.name))
		}
	default:
		return interfaceErrorf("bad scroll mode: %q (expected relative or absolute)", mode)
	}

	c := sc.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	var sql string
	if mode == ScrollRelative {
		// Fetched-but-unserved rows have already advanced the server-side
		// position past the logical row number; fold them into the move.
		sql = "MOVE RELATIVE " + strconv.Itoa(amount-sc.bufferedAhead()) + " FROM " + quoteIdentifier(sc.name)
	} else {
		sql = "MOVE ABSOLUTE " + strconv.Itoa(amount) + " FROM " + quoteIdentifier(sc.name)
	}

	results, err := sc.roundTripLocked(ctx, sql)
	if err != nil {
		return err
	}
	if err := checkCommandResults("MOVE", results); err != nil {
		return err
	}

	// The move succeeded; only now does the bookkeeping advance. The
	// buffer is stale past the new position and is discarded.
	if mode == ScrollRelative {
		sc.rowNumber += int64(amount)
	} else {
		sc.rowNumber = int64(amount)
	}
	sc.res = nil
	sc.results = nil
	sc.pos = 0
	sc.exhausted = false
	sc.state = cursorOpen

	return nil
}

// Close releases the server-side cursor. It is idempotent: closing an
// already-closed cursor, or one whose connection has been closed, does not
// fail.
func (sc *ServerCursor) Close(ctx context.Context) error {
	if sc.closed {
		return nil
	}
	sc.closed = true

	c := sc.conn
	if c.Closed() || sc.state != cursorOpen {
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.wconn.Status() != wire.ConnStatusOK {
		return nil
	}
	return c.execCommandLocked(ctx, "CLOSE "+quoteIdentifier(sc.name))
}
