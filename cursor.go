package pgsession

import (
	"context"

	"github.com/jackc/pgsession/wire"
)

// NamedArgs supplies query parameters by name. The query references them as
// @name; Execute rewrites the references to ordinal placeholders and
// reorders the values to match.
type NamedArgs map[string]interface{}

// Cursor submits commands through its connection and exposes forward-only
// iteration over the buffered result sets of the last execution.
type Cursor struct {
	conn *Conn

	format      wire.Format
	rowFactory  RowFactory
	transformer Transformer
	batchSize   int

	results []*wire.Result
	res     *wire.Result
	iresult int
	pos     int

	rowMaker RowMaker

	pending *pendingResult

	closed bool
}

func newCursor(c *Conn) *Cursor {
	cur := &Cursor{
		conn:       c,
		rowFactory: c.rowFactory(),
		batchSize:  c.batchSize(),
	}
	cur.reset()
	return cur
}

// SetFormat sets the preferred result format (text or binary) for
// subsequent executions.
func (cur *Cursor) SetFormat(f wire.Format) { cur.format = f }

// SetRowFactory substitutes the row shape used for subsequently fetched
// rows.
func (cur *Cursor) SetRowFactory(rf RowFactory) {
	cur.rowFactory = rf
	if cur.res != nil {
		cur.rowMaker = rf(cur.res.Fields)
	}
}

// SetBatchSize sets the default number of rows returned by FetchMany and
// the refill batch of server cursors.
func (cur *Cursor) SetBatchSize(n int) {
	if n > 0 {
		cur.batchSize = n
	}
}

// Connection returns the cursor's connection.
func (cur *Cursor) Connection() *Conn { return cur.conn }

// reset discards all buffers from the previous execution.
func (cur *Cursor) reset() {
	cur.transformer = cur.conn.newTransformer()
	cur.results = nil
	cur.res = nil
	cur.rowMaker = nil
	cur.iresult = 0
	cur.pos = 0
	cur.pending = nil
}

// Close discards the cursor. Closing an already-closed cursor is a no-op.
// An ordinary cursor holds no server state, so no round trip occurs.
func (cur *Cursor) Close() error {
	cur.closed = true
	return nil
}

// Closed reports whether the cursor has been closed.
func (cur *Cursor) Closed() bool { return cur.closed }

// Execute submits query with the given parameters, waits for the reply
// (unless a pipeline is active) and buffers all its result sets, making the
// first one current.
//
// Multi-statement query text is honored only when no parameters are bound,
// matching the underlying protocol's restriction.
func (cur *Cursor) Execute(ctx context.Context, query string, params ...interface{}) error {
	c := cur.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	return cur.executeLocked(ctx, query, params)
}

// ExecuteMany executes the same query once per parameter set, sequentially,
// under a single lock acquisition.
func (cur *Cursor) ExecuteMany(ctx context.Context, query string, paramSets [][]interface{}) error {
	c := cur.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, params := range paramSets {
		if err := cur.executeLocked(ctx, query, params); err != nil {
			return err
		}
	}
	return nil
}

func (cur *Cursor) executeLocked(ctx context.Context, query string, params []interface{}) error {
	c := cur.conn

	if cur.closed {
		return &InterfaceError{msg: "the cursor is closed", err: ErrCursorClosed}
	}
	if err := c.checkConnOKLocked(); err != nil {
		return err
	}

	cur.reset()

	if err := c.startQueryLocked(ctx); err != nil {
		return err
	}

	query, params, err := expandNamedParams(query, params)
	if err != nil {
		return err
	}

	qbytes, err := c.codec().Encode(query)
	if err != nil {
		return interfaceErrorf("cannot encode query: %v", err)
	}

	if c.shouldLog(LogLevelDebug) {
		c.log(ctx, LogLevelDebug, "execute", map[string]interface{}{"sql": query, "args": logQueryArgs(params)})
	}

	if err := cur.sendLocked(qbytes, params); err != nil {
		return err
	}

	if c.pipeline != nil {
		pr := &pendingResult{cursor: cur}
		c.pipeline.enqueueLocked(pr)
		cur.pending = pr
		return nil
	}

	results, err := wait(ctx, c.wconn, newExecMachine(c.wconn), c.config.WaitTimeout)
	if err != nil {
		return err
	}
	return cur.loadResults(results)
}

// sendLocked encodes the parameters and submits the query. Parameterless
// text outside pipeline mode goes through the simple protocol so that
// multi-statement queries produce one result per statement; pipeline mode
// always uses the extended protocol, which the transport requires there.
func (cur *Cursor) sendLocked(query []byte, params []interface{}) error {
	c := cur.conn

	if len(params) == 0 {
		if c.pipeline == nil && cur.format == wire.TextFormat {
			return c.wconn.SendQuery(query)
		}
		return c.wconn.SendQueryParams(query, nil, nil, nil, cur.format)
	}

	if cur.transformer == nil {
		return interfaceErrorf("cannot bind parameters: no transformer configured")
	}

	values := make([][]byte, len(params))
	oids := make([]uint32, len(params))
	formats := make([]wire.Format, len(params))
	for i, p := range params {
		data, oid, format, err := cur.transformer.Encode(p)
		if err != nil {
			return interfaceErrorf("cannot encode parameter %d: %v", i+1, err)
		}
		values[i] = data
		oids[i] = oid
		formats[i] = format
	}

	return c.wconn.SendQueryParams(query, values, oids, formats, cur.format)
}

// loadResults classifies the raw results of one execution.
func (cur *Cursor) loadResults(results []*wire.Result) error {
	if len(results) == 0 {
		return internalErrorf("got no result from the query")
	}

	var bad []wire.ResultStatus
	for _, res := range results {
		switch res.Status {
		case wire.ResultTuplesOK, wire.ResultCommandOK, wire.ResultEmptyQuery:
		default:
			bad = append(bad, res.Status)
		}
	}

	if len(bad) == 0 {
		cur.results = results
		cur.iresult = 0
		cur.setResult(results[0])
		return nil
	}

	last := results[len(results)-1]
	if last.Status == wire.ResultFatalError {
		return errorFromResult(last)
	}
	if last.Status == wire.ResultPipelineAborted {
		return operationalErrorf("pipeline aborted: an earlier operation in the batch failed")
	}

	for _, s := range bad {
		switch s {
		case wire.ResultCopyIn, wire.ResultCopyOut, wire.ResultCopyBoth:
			return programmingErrorf("COPY cannot be used with Execute; use the wire connection's copy operation instead")
		}
	}

	return internalErrorf("got unexpected status from query: %s", statusNames(bad))
}

func statusNames(statuses []wire.ResultStatus) string {
	s := ""
	for i, st := range statuses {
		if i > 0 {
			s += ", "
		}
		s += st.String()
	}
	return s
}

// setResult makes res current and announces its column types to the
// transformer before any row is decoded.
func (cur *Cursor) setResult(res *wire.Result) {
	cur.res = res
	cur.pos = 0
	cur.rowMaker = cur.rowFactory(res.Fields)
	if cur.transformer != nil {
		cur.transformer.SetRowTypes(res.Fields)
	}
}

// NextSet advances to the next buffered result set. It returns true when a
// further set was loaded, false when the sequence is exhausted, and an
// error when the cursor holds no result sequence at all.
func (cur *Cursor) NextSet() (bool, error) {
	if cur.closed {
		return false, &InterfaceError{msg: "the cursor is closed", err: ErrCursorClosed}
	}
	if cur.pending != nil {
		if err := cur.resolvePending(context.Background()); err != nil {
			return false, err
		}
	}
	if cur.results == nil {
		return false, &InterfaceError{msg: "no result available", err: ErrNoResult}
	}
	if cur.iresult+1 >= len(cur.results) {
		return false, nil
	}
	cur.iresult++
	cur.setResult(cur.results[cur.iresult])
	return true, nil
}

// FetchOne returns the next row of the current result set. ok is false once
// the set is exhausted; further calls keep returning ok == false.
func (cur *Cursor) FetchOne(ctx context.Context) (row Row, ok bool, err error) {
	if err := cur.prepareFetch(ctx); err != nil {
		return nil, false, err
	}
	row, ok, err = cur.loadRow(cur.pos)
	if err != nil || !ok {
		return nil, false, err
	}
	cur.pos++
	return row, true, nil
}

// FetchMany returns up to size rows. size <= 0 uses the cursor's batch
// size.
func (cur *Cursor) FetchMany(ctx context.Context, size int) ([]Row, error) {
	if err := cur.prepareFetch(ctx); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = cur.batchSize
	}

	var rows []Row
	for len(rows) < size {
		row, ok, err := cur.loadRow(cur.pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur.pos++
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns all remaining rows of the current result set.
func (cur *Cursor) FetchAll(ctx context.Context) ([]Row, error) {
	if err := cur.prepareFetch(ctx); err != nil {
		return nil, err
	}

	var rows []Row
	for {
		row, ok, err := cur.loadRow(cur.pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		cur.pos++
		rows = append(rows, row)
	}
}

// Next is the iteration form of FetchOne.
func (cur *Cursor) Next(ctx context.Context) (Row, bool, error) {
	return cur.FetchOne(ctx)
}

// prepareFetch guards fetches against misuse and, in pipeline mode, forces
// synchronization until this cursor's queued execution has its results.
func (cur *Cursor) prepareFetch(ctx context.Context) error {
	if cur.closed {
		return &InterfaceError{msg: "the cursor is closed", err: ErrCursorClosed}
	}
	if cur.pending != nil {
		if err := cur.resolvePending(ctx); err != nil {
			return err
		}
	}
	return nil
}

// resolvePending drives pipeline synchronization points until the cursor's
// placeholder has been matched with its results.
func (cur *Cursor) resolvePending(ctx context.Context) error {
	c := cur.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	pr := cur.pending
	if pr == nil {
		return nil
	}
	for !pr.resolved {
		if c.pipeline == nil {
			return internalErrorf("pending result with no active pipeline")
		}
		if err := c.pipeline.syncLocked(ctx); err != nil {
			return err
		}
	}
	cur.pending = nil
	return pr.err
}

// loadRow decodes row n of the current result set through the transformer
// and builds it with the row factory.
func (cur *Cursor) loadRow(n int) (Row, bool, error) {
	res := cur.res
	if res == nil {
		return nil, false, &ProgrammingError{msg: "no result available", err: ErrNoResult}
	}
	if res.Status != wire.ResultTuplesOK {
		return nil, false, programmingErrorf("the last operation didn't produce a result")
	}
	if n >= len(res.Rows) {
		return nil, false, nil
	}

	raw := res.Rows[n]
	values := make([]interface{}, len(raw))
	for i, data := range raw {
		if data == nil {
			values[i] = nil
			continue
		}
		if cur.transformer == nil {
			values[i] = data
			continue
		}
		v, err := cur.transformer.Decode(data, res.Fields[i].DataTypeOID, res.Fields[i].Format)
		if err != nil {
			return nil, false, interfaceErrorf("cannot decode column %d: %v", i, err)
		}
		values[i] = v
	}

	row, err := cur.rowMaker(values)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// RowCount returns the number of rows of the current row-producing result,
// the affected-row count of a command result that reports one, and -1
// otherwise.
func (cur *Cursor) RowCount() int64 {
	if cur.pending != nil {
		if err := cur.resolvePending(context.Background()); err != nil {
			return -1
		}
	}
	res := cur.res
	if res == nil {
		return -1
	}
	switch res.Status {
	case wire.ResultTuplesOK:
		return int64(len(res.Rows))
	case wire.ResultCommandOK:
		return res.RowsAffected()
	default:
		return -1
	}
}

// RowNumber returns the zero-based position of the row cursor within the
// current result set, or -1 when no result is loaded.
func (cur *Cursor) RowNumber() int64 {
	if cur.res == nil {
		return -1
	}
	return int64(cur.pos)
}

// Description returns the column metadata of the current result set. It is
// available only for row-producing results; otherwise nil is returned.
func (cur *Cursor) Description() ([]Column, error) {
	if cur.pending != nil {
		if err := cur.resolvePending(context.Background()); err != nil {
			return nil, err
		}
	}
	res := cur.res
	if res == nil || res.Status != wire.ResultTuplesOK {
		return nil, nil
	}
	return describeFields(res.Fields, cur.conn.codec())
}

// Result exposes the raw current result, mostly for tests and extensions.
func (cur *Cursor) Result() *wire.Result { return cur.res }
