// Package wire defines the transport capability consumed by pgsession. An
// implementation owns a socket speaking the PostgreSQL wire protocol and
// exposes non-blocking send/receive plus a pollable readiness signal. The
// engine never frames or parses protocol messages itself.
package wire

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Format is a result or parameter format code.
type Format int16

const (
	TextFormat   Format = 0
	BinaryFormat Format = 1
)

// ConnStatus is the overall status of a transport connection.
type ConnStatus int

const (
	ConnStatusOK ConnStatus = iota
	ConnStatusBad
	ConnStatusConnecting
)

func (s ConnStatus) String() string {
	switch s {
	case ConnStatusOK:
		return "ok"
	case ConnStatusBad:
		return "bad"
	case ConnStatusConnecting:
		return "connecting"
	}
	return "invalid"
}

// TxStatus is the server-reported transaction status.
type TxStatus int

const (
	TxStatusIdle TxStatus = iota
	TxStatusActive
	TxStatusInTrans
	TxStatusInError
	TxStatusUnknown
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusIdle:
		return "idle"
	case TxStatusActive:
		return "active"
	case TxStatusInTrans:
		return "intrans"
	case TxStatusInError:
		return "inerror"
	}
	return "unknown"
}

// ResultStatus classifies one Result.
type ResultStatus int

const (
	ResultEmptyQuery ResultStatus = iota
	ResultCommandOK
	ResultTuplesOK
	ResultCopyOut
	ResultCopyIn
	ResultCopyBoth
	ResultBadResponse
	ResultNonfatalError
	ResultFatalError
	ResultPipelineSync
	ResultPipelineAborted
)

func (s ResultStatus) String() string {
	switch s {
	case ResultEmptyQuery:
		return "EMPTY_QUERY"
	case ResultCommandOK:
		return "COMMAND_OK"
	case ResultTuplesOK:
		return "TUPLES_OK"
	case ResultCopyOut:
		return "COPY_OUT"
	case ResultCopyIn:
		return "COPY_IN"
	case ResultCopyBoth:
		return "COPY_BOTH"
	case ResultBadResponse:
		return "BAD_RESPONSE"
	case ResultNonfatalError:
		return "NONFATAL_ERROR"
	case ResultFatalError:
		return "FATAL_ERROR"
	case ResultPipelineSync:
		return "PIPELINE_SYNC"
	case ResultPipelineAborted:
		return "PIPELINE_ABORTED"
	}
	return "UNKNOWN"
}

// FieldDescription describes one column of a row-producing result.
type FieldDescription struct {
	Name         []byte
	TableOID     uint32
	TableAttr    uint16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	Format       Format
}

// ErrorDetails carries the fields of a server error or notice response.
type ErrorDetails struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

// Result is one reply to one statement. Rows holds the raw column values in
// the formats announced by Fields; decoding is the caller's concern.
type Result struct {
	Status     ResultStatus
	Fields     []FieldDescription
	Rows       [][][]byte
	CommandTag string
	Err        *ErrorDetails
}

// RowsAffected parses the affected-row count out of the command tag. It
// returns -1 when the tag carries no count (e.g. "CREATE TABLE").
func (r *Result) RowsAffected() int64 {
	idx := strings.LastIndex(r.CommandTag, " ")
	if idx == -1 {
		return -1
	}
	n, err := strconv.ParseInt(r.CommandTag[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Notification is an asynchronous message received via LISTEN/NOTIFY. The
// channel and payload are raw bytes in the connection's client encoding.
type Notification struct {
	PID     uint32
	Channel []byte
	Payload []byte
}

// Ready is a readiness bitmask used between the wait driver and Poll.
type Ready int

const (
	ReadableReady Ready = 1 << iota
	WritableReady
)

// Conn is the protocol connection capability. It is not safe for concurrent
// use; pgsession serializes access with the owning Conn's lock.
type Conn interface {
	// SendQuery submits sql through the simple query protocol. sql may
	// contain multiple statements. Bytes are buffered until Flush reports
	// completion.
	SendQuery(sql []byte) error

	// SendQueryParams submits a single parameterized statement through the
	// extended query protocol.
	SendQueryParams(sql []byte, paramValues [][]byte, paramOIDs []uint32, paramFormats []Format, resultFormat Format) error

	// Flush pushes buffered outgoing data toward the socket. done is false
	// when the socket would block and more flushing is needed once writable.
	Flush() (done bool, err error)

	// ConsumeInput reads whatever bytes are currently available without
	// blocking.
	ConsumeInput() error

	// IsBusy reports whether GetResult would block waiting for more input.
	IsBusy() bool

	// GetResult returns the next available result, or nil when the current
	// command sequence is fully consumed.
	GetResult() (*Result, error)

	// Notifies pops one pending notification, or nil.
	Notifies() *Notification

	// Poll blocks until the requested readiness is available or timeout
	// elapses. A timeout returns Ready(0) and a nil error. ctx cancellation
	// returns ctx.Err().
	Poll(ctx context.Context, want Ready, timeout time.Duration) (Ready, error)

	// Cancel requests server-side cancellation of the in-flight operation.
	// It is usable from outside the normal request path.
	Cancel(ctx context.Context) error

	// Status reports the overall connection status.
	Status() ConnStatus

	// TransactionStatus reports the last server-announced transaction status.
	TransactionStatus() TxStatus

	// Parameter returns a server-reported run-time parameter (e.g.
	// server_version, client_encoding). Unknown parameters yield "".
	Parameter(name string) string

	// EnterPipelineMode and ExitPipelineMode switch the transports's
	// send/receive bookkeeping; Sync emits a synchronization point.
	EnterPipelineMode() error
	ExitPipelineMode() error
	Sync() error

	// Close terminates the transport. Safe to call more than once.
	Close() error
}

// Connector is the establishment-phase capability. The handshake may replace
// the underlying descriptor (e.g. on an SSL negotiation restart), so the
// poll target must be re-read every iteration via the Connector itself.
type Connector interface {
	// PollConnect advances the handshake one step. want is zero once the
	// connection is established or failed.
	PollConnect() (want Ready, err error)

	// Poll waits for readiness on whatever descriptor is current.
	Poll(ctx context.Context, want Ready, timeout time.Duration) (Ready, error)

	// Conn returns the established connection. Only valid after PollConnect
	// reports completion without error.
	Conn() Conn
}
