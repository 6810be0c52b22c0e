// Package pgsession is a client-side protocol engine for PostgreSQL. It
// drives an asynchronous wire connection (the wire.Conn capability) through
// query submission, multi-result consumption, named server-side cursors,
// transaction control and pipeline mode, while guaranteeing exactly one
// logical operation is in flight per connection.
package pgsession

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/jackc/pgsession/wire"
)

// minPipelineServerVersion is the first server release whose protocol
// implementation supports pipeline synchronization points.
var minPipelineServerVersion = semver.MustParse("14.0.0")

// ConnConfig contains the options used to build a Conn around an established
// wire connection.
type ConnConfig struct {
	// NewTransformer builds the value transformer used by each cursor. nil
	// means cursors must be given one explicitly; the adapt package provides
	// the default.
	NewTransformer func() Transformer

	// RowFactory is the default row shape for cursors. nil means TupleRow.
	RowFactory RowFactory

	// BatchSize is the default fetch batch for FetchMany and for server
	// cursor refills. Zero means 1, matching the DB-API arraysize default.
	BatchSize int

	// WaitTimeout bounds one readiness poll iteration. Zero selects the
	// package default. A poll timeout is not an error; it only paces
	// interrupt checks.
	WaitTimeout time.Duration

	Logger   Logger
	LogLevel LogLevel
}

// Notification is an asynchronous out-of-band message from the server,
// decoded through the connection's client encoding.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// Conn is a session over one wire connection. All protocol exchanges are
// serialized by an internal lock held for the full extent of each exchange,
// so a Conn may be shared by callers that coordinate at the operation level,
// but results of interleaved use are strictly ordered, never interleaved on
// the wire.
type Conn struct {
	wconn  wire.Conn
	config ConnConfig

	lock sync.Mutex

	autocommit     bool
	isolationLevel IsolationLevel
	readOnly       *bool
	deferrable     *bool

	pipeline *Pipeline

	// pipelineTxStarted tracks a BEGIN queued but not yet synchronized, so
	// transaction-status checks are not fooled by the server's stale
	// announcement while a pipeline is active.
	pipelineTxStarted bool

	tpcXid      *Xid
	tpcPrepared bool

	notifications []*Notification

	savepointSeq int

	pool   *Pool
	closed bool

	logger   Logger
	logLevel LogLevel
}

// Connect establishes a connection by driving the Connector's handshake
// through the wait protocol and wraps the result. The handshake may swap the
// underlying descriptor, which is why the establishment variant of the wait
// loop is used.
func Connect(ctx context.Context, nc wire.Connector, config ConnConfig) (*Conn, error) {
	wconn, err := waitConnect(ctx, nc, config.WaitTimeout)
	if err != nil {
		return nil, err
	}
	return NewConn(wconn, config), nil
}

// NewConn wraps an already-established wire connection. The Conn takes
// exclusive ownership of wconn.
func NewConn(wconn wire.Conn, config ConnConfig) *Conn {
	c := &Conn{
		wconn:    wconn,
		config:   config,
		logger:   config.Logger,
		logLevel: config.LogLevel,
	}
	if c.logger != nil && c.logLevel == 0 {
		c.logLevel = LogLevelDebug
	}
	return c
}

// Close terminates the connection. It is safe to call Close on an already
// closed connection. Once closed, every further operation fails fast.
func (c *Conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.log(context.Background(), LogLevelInfo, "closing connection", nil)
	return c.wconn.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// Wire exposes the underlying wire connection for capabilities the engine
// does not wrap (e.g. COPY). The serialization lock is not held; callers
// must not interleave raw use with engine operations.
func (c *Conn) Wire() wire.Conn {
	return c.wconn
}

// Parameter returns a server-reported run-time parameter.
func (c *Conn) Parameter(name string) string {
	return c.wconn.Parameter(name)
}

// TransactionStatus reports the server-announced transaction status.
func (c *Conn) TransactionStatus() wire.TxStatus {
	return c.wconn.TransactionStatus()
}

// checkConnOK distinguishes a closed connection from one in a bad status.
// Raised locally; no round trip.
func (c *Conn) checkConnOKLocked() error {
	if c.closed || c.wconn.Status() == wire.ConnStatusBad {
		return &InterfaceError{msg: "cannot execute operations: the connection is closed", err: ErrConnClosed}
	}
	if s := c.wconn.Status(); s != wire.ConnStatusOK {
		return interfaceErrorf("cannot execute operations: the connection is in status %s", s)
	}
	return nil
}

// Cursor returns a new cursor for this connection.
func (c *Conn) Cursor() (*Cursor, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkConnOKLocked(); err != nil {
		return nil, err
	}
	return newCursor(c), nil
}

// ServerCursor returns a cursor whose rows are held by the server under
// name. scrollable is tri-state: nil leaves the server default.
func (c *Conn) ServerCursor(name string, opts ServerCursorOptions) (*ServerCursor, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkConnOKLocked(); err != nil {
		return nil, err
	}
	return newServerCursor(c, name, opts), nil
}

// Execute is a convenience that creates a cursor and executes query on it.
func (c *Conn) Execute(ctx context.Context, query string, params ...interface{}) (*Cursor, error) {
	cur, err := c.Cursor()
	if err != nil {
		return nil, err
	}
	if err := cur.Execute(ctx, query, params...); err != nil {
		return nil, err
	}
	return cur, nil
}

// Commit commits any pending transaction. It is a protocol-level no-op when
// the session is idle, but still round-trips.
func (c *Conn) Commit(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.commitLocked(ctx)
}

func (c *Conn) commitLocked(ctx context.Context) error {
	if c.tpcXid != nil {
		return programmingErrorf("commit cannot be used during a two-phase transaction")
	}
	return c.execCommandLocked(ctx, "COMMIT")
}

// Rollback rolls back to the start of any pending transaction. Safe to call
// when idle.
func (c *Conn) Rollback(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rollbackLocked(ctx)
}

func (c *Conn) rollbackLocked(ctx context.Context) error {
	if c.tpcXid != nil {
		return programmingErrorf("rollback cannot be used during a two-phase transaction")
	}
	return c.execCommandLocked(ctx, "ROLLBACK")
}

// SetAutocommit switches the connection's autocommit behavior. It cannot be
// changed while a transaction is open.
func (c *Conn) SetAutocommit(ctx context.Context, value bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkTxNotOpenLocked("autocommit"); err != nil {
		return err
	}
	c.autocommit = value
	return nil
}

// Autocommit reports the current autocommit setting.
func (c *Conn) Autocommit() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.autocommit
}

// SetIsolationLevel sets the session's default transaction isolation level.
// The setting round-trips as a SET command while connected.
func (c *Conn) SetIsolationLevel(ctx context.Context, value IsolationLevel) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkTxNotOpenLocked("isolation_level"); err != nil {
		return err
	}
	if value != "" {
		if err := c.execCommandLocked(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+string(value)); err != nil {
			return err
		}
	}
	c.isolationLevel = value
	return nil
}

// SetReadOnly sets the session's default transaction access mode. nil
// restores the server default.
func (c *Conn) SetReadOnly(ctx context.Context, value *bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkTxNotOpenLocked("read_only"); err != nil {
		return err
	}
	if value != nil {
		mode := "READ WRITE"
		if *value {
			mode = "READ ONLY"
		}
		if err := c.execCommandLocked(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION "+mode); err != nil {
			return err
		}
	}
	c.readOnly = value
	return nil
}

// SetDeferrable sets the session's default transaction deferrable mode. nil
// restores the server default.
func (c *Conn) SetDeferrable(ctx context.Context, value *bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkTxNotOpenLocked("deferrable"); err != nil {
		return err
	}
	if value != nil {
		mode := "NOT DEFERRABLE"
		if *value {
			mode = "DEFERRABLE"
		}
		if err := c.execCommandLocked(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION "+mode); err != nil {
			return err
		}
	}
	c.deferrable = value
	return nil
}

func (c *Conn) checkTxNotOpenLocked(attribute string) error {
	if err := c.checkConnOKLocked(); err != nil {
		return err
	}
	switch c.txStatusLocked() {
	case wire.TxStatusIdle:
		return nil
	default:
		return programmingErrorf("couldn't change %s state: connection in transaction status %s",
			attribute, c.txStatusLocked())
	}
}

// Scope runs fn within a connection-wide scope: on error the pending
// transaction is rolled back (a rollback failure is logged, never allowed to
// mask fn's error), otherwise committed. The connection is closed on exit
// unless it is owned by a pool.
func (c *Conn) Scope(ctx context.Context, fn func(*Conn) error) error {
	err := fn(c)

	if !c.Closed() {
		if err != nil {
			if rbErr := c.Rollback(ctx); rbErr != nil {
				c.log(ctx, LogLevelWarn, "error ignored in rollback on scope exit", map[string]interface{}{"err": rbErr.Error()})
			}
		} else {
			err = c.Commit(ctx)
		}

		if c.pool == nil {
			if closeErr := c.Close(); closeErr != nil {
				err = linkErrors(closeErr, err)
			}
		}
	}

	return err
}

// WaitForNotification blocks until an asynchronous notification is
// available and returns it. Each call acquires the serialization lock,
// waits for at least one notification message and buffers the rest, so the
// stream is lazily restartable and never terminates on its own.
func (c *Conn) WaitForNotification(ctx context.Context) (*Notification, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.notifications) > 0 {
		return c.popNotificationLocked(), nil
	}

	if err := c.checkConnOKLocked(); err != nil {
		return nil, err
	}

	m := newNotifiesMachine(c.wconn)
	if _, err := waitInterruptible(ctx, c.wconn, m, c.config.WaitTimeout); err != nil {
		return nil, err
	}

	codec := c.codec()
	for _, pgn := range m.notifications {
		channel, err := codec.Decode(pgn.Channel)
		if err != nil {
			return nil, interfaceErrorf("cannot decode notification channel: %v", err)
		}
		payload, err := codec.Decode(pgn.Payload)
		if err != nil {
			return nil, interfaceErrorf("cannot decode notification payload: %v", err)
		}
		c.notifications = append(c.notifications, &Notification{
			PID:     pgn.PID,
			Channel: channel,
			Payload: payload,
		})
	}

	return c.popNotificationLocked(), nil
}

func (c *Conn) popNotificationLocked() *Notification {
	n := c.notifications[0]
	c.notifications = c.notifications[1:]
	return n
}

func (c *Conn) codec() textCodec {
	return codecForEncoding(c.wconn.Parameter("client_encoding"))
}

// pipelineSupported reports whether the server is recent enough for
// pipeline synchronization points.
func (c *Conn) pipelineSupported() bool {
	raw := c.wconn.Parameter("server_version")
	if raw == "" {
		return false
	}
	// server_version can carry vendor suffixes ("15.2 (Debian ...)",
	// "14beta1"); keep the leading dotted number only.
	end := 0
	for end < len(raw) && (raw[end] >= '0' && raw[end] <= '9' || raw[end] == '.') {
		end++
	}
	v, err := semver.NewVersion(strings.TrimSuffix(raw[:end], "."))
	if err != nil {
		return false
	}
	return !v.LessThan(minPipelineServerVersion)
}

// Pipeline runs fn with the connection in pipeline mode. Entry is reentrant:
// a nested call reuses the active Pipeline and only bumps its level. The
// pipeline is synchronized and torn down when the outermost scope exits; the
// teardown clears the connection's reference while holding the lock so a
// concurrent Pipeline call cannot observe a half-dismantled pipeline.
func (c *Conn) Pipeline(ctx context.Context, fn func(*Pipeline) error) error {
	c.lock.Lock()
	if err := c.checkConnOKLocked(); err != nil {
		c.lock.Unlock()
		return err
	}

	p := c.pipeline
	if p == nil {
		if !c.pipelineSupported() {
			c.lock.Unlock()
			return &NotSupportedError{msg: "pipeline mode requires server version 14 or later"}
		}
		if err := c.wconn.EnterPipelineMode(); err != nil {
			c.lock.Unlock()
			return err
		}
		p = &Pipeline{conn: c}
		c.pipeline = p
	}
	p.level++
	c.lock.Unlock()

	err := fn(p)

	c.lock.Lock()
	defer c.lock.Unlock()
	p.level--
	if p.level > 0 {
		return err
	}

	err = linkErrors(p.exitLocked(ctx), err)
	c.pipeline = nil
	c.pipelineTxStarted = false
	return err
}

// txStatusLocked is the transaction status corrected for demarcation
// commands still queued in an active pipeline.
func (c *Conn) txStatusLocked() wire.TxStatus {
	if c.pipeline != nil && c.pipelineTxStarted {
		return wire.TxStatusInTrans
	}
	return c.wconn.TransactionStatus()
}

// startQueryLocked opens the implicit transaction demanded by autocommit
// being off. It is a no-op in autocommit mode and inside an open
// transaction.
func (c *Conn) startQueryLocked(ctx context.Context) error {
	if c.autocommit {
		return nil
	}
	if c.txStatusLocked() != wire.TxStatusIdle {
		return nil
	}
	return c.execCommandLocked(ctx, c.beginCommandLocked())
}

// beginCommandLocked builds BEGIN with the session's configured transaction
// characteristics.
func (c *Conn) beginCommandLocked() string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if c.isolationLevel != "" {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(string(c.isolationLevel))
	}
	if c.readOnly != nil {
		if *c.readOnly {
			b.WriteString(" READ ONLY")
		} else {
			b.WriteString(" READ WRITE")
		}
	}
	if c.deferrable != nil {
		if *c.deferrable {
			b.WriteString(" DEFERRABLE")
		} else {
			b.WriteString(" NOT DEFERRABLE")
		}
	}
	return b.String()
}

// execCommandLocked runs a transaction-control or configuration command.
// Inside pipeline mode the command is queued with the pipeline so that
// demarcation commands batch with the statements around them; otherwise it
// round-trips immediately.
func (c *Conn) execCommandLocked(ctx context.Context, sql string) error {
	if err := c.checkConnOKLocked(); err != nil {
		return err
	}

	c.log(ctx, LogLevelDebug, "exec command", map[string]interface{}{"sql": sql})

	if c.pipeline != nil {
		if err := c.wconn.SendQueryParams([]byte(sql), nil, nil, nil, wire.TextFormat); err != nil {
			return err
		}
		c.pipeline.enqueueLocked(&pendingResult{command: sql})
		// Only the commands that open or end the transaction move the
		// bookkeeping. Savepoint demarcation (ROLLBACK TO SAVEPOINT, RELEASE
		// SAVEPOINT) leaves the transaction open, as does finishing an
		// unrelated prepared transaction.
		switch {
		case sql == "BEGIN" || strings.HasPrefix(sql, "BEGIN "):
			c.pipelineTxStarted = true
		case sql == "COMMIT", sql == "ROLLBACK":
			c.pipelineTxStarted = false
		}
		return nil
	}

	if err := c.wconn.SendQuery([]byte(sql)); err != nil {
		return err
	}
	results, err := wait(ctx, c.wconn, newExecMachine(c.wconn), c.config.WaitTimeout)
	if err != nil {
		return err
	}
	return checkCommandResults(sql, results)
}

// checkCommandResults validates the reply to a control command.
func checkCommandResults(sql string, results []*wire.Result) error {
	if len(results) == 0 {
		return internalErrorf("got no result from command %q", sql)
	}
	last := results[len(results)-1]
	switch last.Status {
	case wire.ResultCommandOK, wire.ResultTuplesOK, wire.ResultEmptyQuery:
		return nil
	case wire.ResultFatalError:
		return errorFromResult(last)
	case wire.ResultPipelineAborted:
		return operationalErrorf("pipeline aborted: command %q was not executed", sql)
	default:
		return internalErrorf("unexpected result status %s from command %q", last.Status, sql)
	}
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func (c *Conn) newTransformer() Transformer {
	if c.config.NewTransformer != nil {
		return c.config.NewTransformer()
	}
	return nil
}

func (c *Conn) rowFactory() RowFactory {
	if c.config.RowFactory != nil {
		return c.config.RowFactory
	}
	return TupleRow
}

func (c *Conn) batchSize() int {
	if c.config.BatchSize > 0 {
		return c.config.BatchSize
	}
	return 1
}
