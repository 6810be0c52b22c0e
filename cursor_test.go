package pgsession_test

import (
	"context"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession"
	"github.com/jackc/pgsession/adapt"
	"github.com/jackc/pgsession/wire"
	"github.com/jackc/pgsession/wiretest"
)

func TestCursorExecuteFetchOne(t *testing.T) {
	conn, wc := newTestConn(t, wiretest.Query("select 1, 2, 3",
		wiretest.TypedRowDescription([]string{"a", "b", "c"}, []uint32{adapt.Int4OID, adapt.Int4OID, adapt.Int4OID}),
		wiretest.TextDataRow("1", "2", "3"),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	require.NoError(t, cur.Execute(context.Background(), "select 1, 2, 3"))

	row, ok, err := cur.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, row)

	// Exhaustion is stable: every further fetch reports no row.
	for i := 0; i < 2; i++ {
		row, ok, err = cur.FetchOne(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, row)
	}

	assert.Equal(t, int64(1), cur.RowCount())
	assert.Equal(t, int64(1), cur.RowNumber())
	assert.True(t, wc.ScriptExhausted())
}

func TestCursorMultiStatement(t *testing.T) {
	var msgs []pgproto3.BackendMessage
	msgs = append(msgs, wiretest.SelectMessages([]string{"?column?"}, []string{"foo"})...)
	msgs = append(msgs, wiretest.SelectMessages([]string{"generate_series"}, []string{"1"}, []string{"2"}, []string{"3"})...)
	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: 'I'})

	conn, _ := newTestConn(t, wiretest.Query("select 'foo'; select generate_series(1, 3)", msgs...))
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	require.NoError(t, cur.Execute(context.Background(), "select 'foo'; select generate_series(1, 3)"))

	rows, err := cur.FetchAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []pgsession.Row{[]interface{}{"foo"}}, rows)

	more, err := cur.NextSet()
	require.NoError(t, err)
	require.True(t, more)

	rows, err = cur.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []interface{}{"2"}, rows[1])

	more, err = cur.NextSet()
	require.NoError(t, err)
	require.False(t, more)
}

func TestCursorNextSetBeforeExecute(t *testing.T) {
	conn, _ := newTestConn(t)
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)

	_, err = cur.NextSet()
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgsession.ErrNoResult))

	var ie *pgsession.InterfaceError
	assert.True(t, errors.As(err, &ie))
}

func TestCursorFetchBeforeExecute(t *testing.T) {
	conn, _ := newTestConn(t)
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)

	_, _, err = cur.FetchOne(context.Background())
	require.Error(t, err)
	var pe *pgsession.ProgrammingError
	assert.True(t, errors.As(err, &pe))
	assert.True(t, errors.Is(err, pgsession.ErrNoResult))
}

func TestCursorFetchAfterCommand(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Command("create table t (a int)", "CREATE TABLE"))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "create table t (a int)")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cur.RowCount())

	_, _, err = cur.FetchOne(context.Background())
	require.Error(t, err)
	var pe *pgsession.ProgrammingError
	assert.True(t, errors.As(err, &pe))
}

func TestCursorRowCountFromCommandTag(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Command("update t set a = 1", "UPDATE 3"))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "update t set a = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.RowCount())
}

func TestCursorEmptyQuery(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Query("",
		&pgproto3.EmptyQueryResponse{},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), cur.RowCount())
}

func TestCursorClosed(t *testing.T) {
	conn, _ := newTestConn(t)
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
	assert.True(t, cur.Closed())

	err = cur.Execute(context.Background(), "select 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgsession.ErrCursorClosed))

	_, _, err = cur.FetchOne(context.Background())
	assert.True(t, errors.Is(err, pgsession.ErrCursorClosed))

	_, err = cur.NextSet()
	assert.True(t, errors.Is(err, pgsession.ErrCursorClosed))
}

func TestCursorServerError(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.ServerError("select no such", "42601", "syntax error at or near \"no\""))
	defer conn.Close()

	_, err := conn.Execute(context.Background(), "select no such")
	require.Error(t, err)

	var pe *pgsession.ProgrammingError
	require.True(t, errors.As(err, &pe))
	var se *pgsession.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "42601", se.Code)
}

func TestCursorBoundParameters(t *testing.T) {
	conn, wc := newTestConn(t, wiretest.Query("select $1::int8",
		wiretest.TypedRowDescription([]string{"x"}, []uint32{adapt.Int8OID}),
		wiretest.TextDataRow("42"),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "select $1::int8", int64(42))
	require.NoError(t, err)

	row, ok, err := cur.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{int64(42)}, row)
	assert.Equal(t, []string{"select $1::int8"}, wc.Sent())
}

func TestCursorNamedArgs(t *testing.T) {
	conn, wc := newTestConn(t, wiretest.Query("select $1, $2",
		wiretest.RowDescription("a", "b"),
		wiretest.TextDataRow("x", "y"),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "select @a, @b",
		pgsession.NamedArgs{"a": "x", "b": "y"})
	require.NoError(t, err)

	row, ok, err := cur.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"x", "y"}, row)
	assert.Equal(t, []string{"select $1, $2"}, wc.Sent())
}

func TestCursorDictRow(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Select("select 'x' as a, 'y' as b",
		[]string{"a", "b"}, []string{"x", "y"}))
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	cur.SetRowFactory(pgsession.DictRow)
	require.NoError(t, cur.Execute(context.Background(), "select 'x' as a, 'y' as b"))

	row, ok, err := cur.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": "x", "b": "y"}, row)
}

func TestCursorFetchMany(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Select("select generate_series(1, 5)",
		[]string{"n"}, []string{"1"}, []string{"2"}, []string{"3"}, []string{"4"}, []string{"5"}))
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	cur.SetBatchSize(2)
	require.NoError(t, cur.Execute(context.Background(), "select generate_series(1, 5)"))

	rows, err := cur.FetchMany(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = cur.FetchMany(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = cur.FetchMany(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCursorExecuteMany(t *testing.T) {
	conn, wc := newTestConn(t,
		wiretest.Command("insert into t values ($1)", "INSERT 0 1"),
		wiretest.Command("insert into t values ($1)", "INSERT 0 1"),
	)
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)
	require.NoError(t, cur.ExecuteMany(context.Background(), "insert into t values ($1)",
		[][]interface{}{{int64(1)}, {int64(2)}}))

	assert.Equal(t, int64(1), cur.RowCount())
	assert.Len(t, wc.Sent(), 2)
}

func TestCursorNullColumn(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Query("select null",
		wiretest.RowDescription("a"),
		wiretest.NullableDataRow(nil),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "select null")
	require.NoError(t, err)

	row, ok, err := cur.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{nil}, row)
}

func TestCursorImplicitTransaction(t *testing.T) {
	conn, wc := newRawConn(
		wiretest.Query("BEGIN",
			&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")},
			&pgproto3.ReadyForQuery{TxStatus: 'T'},
		),
		wiretest.Query("select 1",
			wiretest.RowDescription("a"),
			wiretest.TextDataRow("1"),
			&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
			&pgproto3.ReadyForQuery{TxStatus: 'T'},
		),
	)
	defer conn.Close()

	_, err := conn.Execute(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "select 1"}, wc.Sent())
	assert.Equal(t, wire.TxStatusInTrans, conn.TransactionStatus())

	// A second execute joins the open transaction without another BEGIN.
	wc.Append(wiretest.Query("select 2",
		wiretest.RowDescription("a"),
		wiretest.TextDataRow("2"),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'T'},
	))
	_, err = conn.Execute(context.Background(), "select 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "select 1", "select 2"}, wc.Sent())
}

func TestCursorDescription(t *testing.T) {
	rd := &pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("v"), DataTypeOID: 1043, DataTypeSize: -1, TypeModifier: 36},
		{Name: []byte("n"), DataTypeOID: 1700, DataTypeSize: -1, TypeModifier: 10<<16 + 2 + 4},
		{Name: []byte("i"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
	}}
	conn, _ := newTestConn(t, wiretest.Query("select * from t",
		rd,
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Execute(context.Background(), "select * from t")
	require.NoError(t, err)

	cols, err := cur.Description()
	require.NoError(t, err)
	require.Len(t, cols, 3)

	assert.Equal(t, "v", cols[0].Name)
	require.NotNil(t, cols[0].DisplaySize)
	assert.Equal(t, 32, *cols[0].DisplaySize)

	require.NotNil(t, cols[1].Precision)
	assert.Equal(t, 10, *cols[1].Precision)
	require.NotNil(t, cols[1].Scale)
	assert.Equal(t, 2, *cols[1].Scale)

	require.NotNil(t, cols[2].InternalSize)
	assert.Equal(t, 4, *cols[2].InternalSize)
	assert.Nil(t, cols[2].NullOK)

	attrs := cols[0].Attributes()
	require.Len(t, attrs, 7)
	assert.Equal(t, "v", attrs[0])
}

func TestCursorCopyRejected(t *testing.T) {
	conn, _ := newTestConn(t, wiretest.Query("copy t from stdin",
		&pgproto3.CopyInResponse{},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	))
	defer conn.Close()

	cur, err := conn.Cursor()
	require.NoError(t, err)

	err = cur.Execute(context.Background(), "copy t from stdin")
	require.Error(t, err)
	var pe *pgsession.ProgrammingError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "COPY")
}
