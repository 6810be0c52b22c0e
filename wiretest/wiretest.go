// Package wiretest provides a scripted in-memory implementation of the
// wire.Conn capability for testing the protocol engine without a server.
// A script is a sequence of exchanges: an expected command and the backend
// messages answering it, expressed in the pgproto3 vocabulary.
package wiretest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"
	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession/wire"
)

// Exchange pairs one expected frontend command with the backend messages
// that answer it.
type Exchange struct {
	// Expect is the exact command text the engine must send. Empty accepts
	// any command.
	Expect string

	// Respond is replayed, in order, once the engine consumes input after
	// this exchange. RowDescription/DataRow/CommandComplete sequences build
	// row results; ErrorResponse builds a fatal result; ReadyForQuery sets
	// the transaction status; NotificationResponse queues a notification.
	Respond []pgproto3.BackendMessage

	// Held delays delivery: the responses stay invisible to ConsumeInput
	// until Conn.Deliver is called. Used to exercise replies that span
	// multiple pipeline synchronization points.
	Held bool

	// RecvErr is returned by GetResult instead of any result.
	RecvErr error

	// Results are raw results appended after the message-derived ones, for
	// statuses with no message-level representation (pipeline aborted).
	Results []*wire.Result
}

type replyBatch struct {
	results  []*wire.Result
	notices  []*wire.Notification
	txStatus *wire.TxStatus
	recvErr  error
	held     bool
}

// Conn is the scripted connection. It implements wire.Conn.
type Conn struct {
	mu sync.Mutex

	script []*Exchange
	next   int

	sent []string

	// unflushed holds batches between Send and Flush; pending holds
	// flushed batches the "server" has answered but the client has not
	// consumed; arrived holds consumed results not yet returned.
	unflushed []*replyBatch
	pending   []*replyBatch
	held      []*replyBatch
	arrived   []*wire.Result
	recvErr   error

	notifyArrived []*wire.Notification

	// exchangeOpen makes GetResult return one nil terminator at the end of
	// a simple-protocol command sequence.
	exchangeOpen bool

	pipeline bool

	status     wire.ConnStatus
	txStatus   wire.TxStatus
	parameters map[string]string

	cancelCalls int
	// CancelResponds, when set, is delivered as the current operation's
	// reply on Cancel. The default acknowledges with a "query canceled"
	// error.
	CancelResponds []pgproto3.BackendMessage

	closed bool
}

// New returns a scripted connection with sane parameter defaults.
func New(script ...*Exchange) *Conn {
	return &Conn{
		script: script,
		parameters: map[string]string{
			"client_encoding": "UTF8",
			"server_version":  "15.3",
		},
	}
}

// SetParameter overrides a reported server parameter.
func (c *Conn) SetParameter(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parameters[name] = value
}

// SetTxStatus forces the reported transaction status.
func (c *Conn) SetTxStatus(s wire.TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStatus = s
}

// Append adds further exchanges to the script.
func (c *Conn) Append(script ...*Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, script...)
}

// Sent returns every command text the engine has submitted, in order.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// CancelCalls reports how many cancel requests were received.
func (c *Conn) CancelCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCalls
}

// QueueNotification makes an asynchronous notification available on the
// next consume, as if the server had pushed it outside any exchange.
func (c *Conn) QueueNotification(pid uint32, channel, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, &replyBatch{notices: []*wire.Notification{{
		PID:     pid,
		Channel: []byte(channel),
		Payload: []byte(payload),
	}}})
}

// Deliver releases every held reply, as if the server had just produced
// them.
func (c *Conn) Deliver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, c.held...)
	c.held = nil
}

// ScriptExhausted reports whether every scripted exchange was used.
func (c *Conn) ScriptExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next == len(c.script)
}

func (c *Conn) send(sql string) error {
	if c.closed {
		return errors.New("wiretest: conn closed")
	}
	c.sent = append(c.sent, sql)

	if c.next >= len(c.script) {
		return errors.Errorf("wiretest: unexpected command %q: script exhausted", sql)
	}
	ex := c.script[c.next]
	c.next++

	if ex.Expect != "" && ex.Expect != sql {
		return errors.Errorf("wiretest: got command %q, want %q", sql, ex.Expect)
	}

	batch := buildBatch(ex)
	c.unflushed = append(c.unflushed, batch)
	if !c.pipeline {
		c.exchangeOpen = true
	}
	return nil
}

func buildBatch(ex *Exchange) *replyBatch {
	b := &replyBatch{recvErr: ex.RecvErr, held: ex.Held}

	var cur *wire.Result
	flush := func() {
		if cur != nil {
			b.results = append(b.results, cur)
			cur = nil
		}
	}

	for _, msg := range ex.Respond {
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			flush()
			cur = &wire.Result{Status: wire.ResultTuplesOK}
			for _, f := range m.Fields {
				cur.Fields = append(cur.Fields, wire.FieldDescription{
					Name:         append([]byte(nil), f.Name...),
					TableOID:     f.TableOID,
					TableAttr:    f.TableAttributeNumber,
					DataTypeOID:  f.DataTypeOID,
					DataTypeSize: f.DataTypeSize,
					TypeModifier: f.TypeModifier,
					Format:       wire.Format(f.Format),
				})
			}
		case *pgproto3.DataRow:
			if cur == nil {
				cur = &wire.Result{Status: wire.ResultTuplesOK}
			}
			row := make([][]byte, len(m.Values))
			for i, v := range m.Values {
				if v != nil {
					row[i] = append([]byte(nil), v...)
				}
			}
			cur.Rows = append(cur.Rows, row)
		case *pgproto3.CommandComplete:
			if cur == nil {
				cur = &wire.Result{Status: wire.ResultCommandOK}
			}
			cur.CommandTag = string(m.CommandTag)
			flush()
		case *pgproto3.EmptyQueryResponse:
			flush()
			b.results = append(b.results, &wire.Result{Status: wire.ResultEmptyQuery})
		case *pgproto3.ErrorResponse:
			flush()
			b.results = append(b.results, &wire.Result{
				Status: wire.ResultFatalError,
				Err: &wire.ErrorDetails{
					Severity: m.Severity,
					Code:     m.Code,
					Message:  m.Message,
					Detail:   m.Detail,
					Hint:     m.Hint,
					Position: m.Position,
				},
			})
		case *pgproto3.CopyInResponse:
			flush()
			b.results = append(b.results, &wire.Result{Status: wire.ResultCopyIn})
		case *pgproto3.CopyOutResponse:
			flush()
			b.results = append(b.results, &wire.Result{Status: wire.ResultCopyOut})
		case *pgproto3.NotificationResponse:
			b.notices = append(b.notices, &wire.Notification{
				PID:     m.PID,
				Channel: []byte(m.Channel),
				Payload: []byte(m.Payload),
			})
		case *pgproto3.ReadyForQuery:
			ts := txStatusFromByte(m.TxStatus)
			b.txStatus = &ts
		}
	}
	flush()
	b.results = append(b.results, ex.Results...)
	return b
}

func txStatusFromByte(b byte) wire.TxStatus {
	switch b {
	case 'I':
		return wire.TxStatusIdle
	case 'T':
		return wire.TxStatusInTrans
	case 'E':
		return wire.TxStatusInError
	default:
		return wire.TxStatusUnknown
	}
}

// SendQuery implements wire.Conn.
func (c *Conn) SendQuery(sql []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline {
		return errors.New("wiretest: simple protocol not available in pipeline mode")
	}
	return c.send(string(sql))
}

// SendQueryParams implements wire.Conn.
func (c *Conn) SendQueryParams(sql []byte, paramValues [][]byte, paramOIDs []uint32, paramFormats []wire.Format, resultFormat wire.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(string(sql))
}

// Flush implements wire.Conn.
func (c *Conn) Flush() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	return true, nil
}

func (c *Conn) flushLocked() {
	for _, b := range c.unflushed {
		if b.held {
			c.held = append(c.held, b)
		} else {
			c.pending = append(c.pending, b)
		}
	}
	c.unflushed = nil
}

// ConsumeInput implements wire.Conn.
func (c *Conn) ConsumeInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.pending {
		if b.recvErr != nil && c.recvErr == nil {
			c.recvErr = b.recvErr
		}
		c.arrived = append(c.arrived, b.results...)
		c.notifyArrived = append(c.notifyArrived, b.notices...)
		if b.txStatus != nil {
			c.txStatus = *b.txStatus
		}
	}
	c.pending = nil
	return nil
}

// IsBusy implements wire.Conn.
func (c *Conn) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.arrived) > 0 || c.recvErr != nil {
		return false
	}
	return len(c.pending) > 0 || len(c.held) > 0
}

// GetResult implements wire.Conn.
func (c *Conn) GetResult() (*wire.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recvErr != nil {
		err := c.recvErr
		c.recvErr = nil
		c.exchangeOpen = false
		return nil, err
	}

	if len(c.arrived) > 0 {
		r := c.arrived[0]
		c.arrived = c.arrived[1:]
		return r, nil
	}

	if c.exchangeOpen && len(c.pending) == 0 && len(c.unflushed) == 0 && len(c.held) == 0 {
		c.exchangeOpen = false
	}
	return nil, nil
}

// Notifies implements wire.Conn.
func (c *Conn) Notifies() *wire.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.notifyArrived) == 0 {
		return nil
	}
	n := c.notifyArrived[0]
	c.notifyArrived = c.notifyArrived[1:]
	return n
}

// Poll implements wire.Conn. Write readiness is always immediate.
// Read readiness is immediate when replies are waiting; otherwise the poll
// blocks until timeout (reported as Ready(0)) or ctx interruption.
func (c *Conn) Poll(ctx context.Context, want wire.Ready, timeout time.Duration) (wire.Ready, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if want&wire.WritableReady != 0 {
		return wire.WritableReady, nil
	}

	c.mu.Lock()
	readable := len(c.pending) > 0 || len(c.arrived) > 0 || c.recvErr != nil
	c.mu.Unlock()
	if readable {
		return wire.ReadableReady, nil
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, nil
	}
}

// Cancel implements wire.Conn: the scripted server acknowledges the cancel
// by answering the outstanding operation with a "query canceled" error (or
// CancelResponds when configured).
func (c *Conn) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++

	respond := c.CancelResponds
	if respond == nil {
		respond = []pgproto3.BackendMessage{
			&pgproto3.ErrorResponse{Severity: "ERROR", Code: "57014", Message: "canceling statement due to user request"},
			&pgproto3.ReadyForQuery{TxStatus: 'I'},
		}
	}

	// The pending and held replies of the outstanding operation are
	// superseded by the cancellation acknowledgment.
	c.pending = []*replyBatch{buildBatch(&Exchange{Respond: respond})}
	c.held = nil
	return nil
}

// Status implements wire.Conn.
func (c *Conn) Status() wire.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.ConnStatusBad
	}
	return c.status
}

// TransactionStatus implements wire.Conn.
func (c *Conn) TransactionStatus() wire.TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// Parameter implements wire.Conn.
func (c *Conn) Parameter(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parameters[name]
}

// EnterPipelineMode implements wire.Conn.
func (c *Conn) EnterPipelineMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = true
	return nil
}

// ExitPipelineMode implements wire.Conn.
func (c *Conn) ExitPipelineMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = false
	return nil
}

// Sync implements wire.Conn: a synchronization marker is queued behind the
// already-submitted replies.
func (c *Conn) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pipeline {
		return errors.New("wiretest: Sync outside pipeline mode")
	}
	c.flushLocked()
	c.pending = append(c.pending, &replyBatch{results: []*wire.Result{{Status: wire.ResultPipelineSync}}})
	return nil
}

// Close implements wire.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
