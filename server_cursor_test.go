package pgsession_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession"
	"github.com/jackc/pgsession/wiretest"
)

func fetchExchange(name, count string, rows ...[]string) *wiretest.Exchange {
	return wiretest.Select(`FETCH FORWARD `+count+` FROM "`+name+`"`, []string{"n"}, rows...)
}

func TestServerCursorDeclareAndFetch(t *testing.T) {
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select generate_series(1, 5)`, "DECLARE CURSOR"),
		fetchExchange("c", "2", []string{"1"}, []string{"2"}),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	sc.SetBatchSize(2)

	require.NoError(t, sc.Execute(context.Background(), "select generate_series(1, 5)"))
	assert.Equal(t, "c", sc.Name())
	assert.Equal(t, int64(0), sc.RowNumber())

	row, ok, err := sc.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"1"}, row)
	assert.Equal(t, int64(1), sc.RowNumber())

	_, ok, err = sc.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// The buffer is exhausted; the next fetch round-trips another batch.
	wc.Append(fetchExchange("c", "2", []string{"3"}, []string{"4"}))
	row, ok, err = sc.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"3"}, row)
	assert.Equal(t, int64(3), sc.RowNumber())

	// FetchAll drains the buffer then asks for the rest in one go.
	wc.Append(fetchExchange("c", "ALL", []string{"5"}))
	rows, err := sc.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []pgsession.Row{[]interface{}{"4"}, []interface{}{"5"}}, rows)
	assert.Equal(t, int64(5), sc.RowNumber())

	// Exhausted: no further round trip happens.
	_, ok, err = sc.FetchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, wc.ScriptExhausted())
}

func TestServerCursorFetchManyShortfall(t *testing.T) {
	conn, _ := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select generate_series(1, 3)`, "DECLARE CURSOR"),
		fetchExchange("c", "1", []string{"1"}),
		fetchExchange("c", "2", []string{"2"}, []string{"3"}),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)

	require.NoError(t, sc.Execute(context.Background(), "select generate_series(1, 3)"))

	rows, err := sc.FetchMany(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), sc.RowNumber())
}

func TestServerCursorDeclareQualifiers(t *testing.T) {
	scroll := true
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "q" SCROLL CURSOR WITH HOLD FOR select 1`, "DECLARE CURSOR"),
		fetchExchange("q", "1", []string{"1"}),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("q", pgsession.ServerCursorOptions{Scrollable: &scroll, WithHold: true})
	require.NoError(t, err)

	require.NoError(t, sc.Execute(context.Background(), "select 1"))
	require.NotNil(t, sc.Scrollable())
	assert.True(t, *sc.Scrollable())
	assert.True(t, sc.WithHold())
	assert.Equal(t, `DECLARE "q" SCROLL CURSOR WITH HOLD FOR select 1`, wc.Sent()[0])
}

func TestServerCursorScrollRelativeFoldsBuffer(t *testing.T) {
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select generate_series(1, 10)`, "DECLARE CURSOR"),
		fetchExchange("c", "2", []string{"1"}, []string{"2"}),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	sc.SetBatchSize(2)
	require.NoError(t, sc.Execute(context.Background(), "select generate_series(1, 10)"))

	// Two rows are buffered but unserved: the server-side position is
	// already 2 ahead of the logical one, so a +3 move sends +1.
	wc.Append(wiretest.Command(`MOVE RELATIVE 1 FROM "c"`, "MOVE 1"))
	require.NoError(t, sc.Scroll(context.Background(), 3, pgsession.ScrollRelative))
	assert.Equal(t, int64(3), sc.RowNumber())

	// The stale buffer was discarded; fetching resumes from the server.
	wc.Append(fetchExchange("c", "2", []string{"4"}, []string{"5"}))
	row, ok, err := sc.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"4"}, row)
}

func TestServerCursorScrollAbsolute(t *testing.T) {
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select generate_series(1, 10)`, "DECLARE CURSOR"),
		fetchExchange("c", "1", []string{"1"}),
		wiretest.Command(`MOVE ABSOLUTE 7 FROM "c"`, "MOVE 1"),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Execute(context.Background(), "select generate_series(1, 10)"))

	require.NoError(t, sc.Scroll(context.Background(), 7, pgsession.ScrollAbsolute))
	assert.Equal(t, int64(7), sc.RowNumber())
	assert.True(t, wc.ScriptExhausted())
}

func TestServerCursorNonScrollableGuards(t *testing.T) {
	noScroll := false
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "c" NO SCROLL CURSOR FOR select 1`, "DECLARE CURSOR"),
		fetchExchange("c", "1", []string{"1"}),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{Scrollable: &noScroll})
	require.NoError(t, err)
	require.NoError(t, sc.Execute(context.Background(), "select 1"))
	before := sc.RowNumber()

	var oe *pgsession.OperationalError

	err = sc.Scroll(context.Background(), -1, pgsession.ScrollRelative)
	require.Error(t, err)
	assert.True(t, errors.As(err, &oe))
	assert.Equal(t, before, sc.RowNumber())

	err = sc.Scroll(context.Background(), 3, pgsession.ScrollAbsolute)
	require.Error(t, err)
	assert.True(t, errors.As(err, &oe))
	assert.Equal(t, before, sc.RowNumber())

	// Nothing was sent for the rejected moves.
	assert.Len(t, wc.Sent(), 2)

	// Forward relative moves stay allowed.
	wc.Append(wiretest.Command(`MOVE RELATIVE 0 FROM "c"`, "MOVE 0"))
	require.NoError(t, sc.Scroll(context.Background(), 1, pgsession.ScrollRelative))
	assert.Equal(t, before+1, sc.RowNumber())
}

func TestServerCursorBadScrollMode(t *testing.T) {
	conn, _ := newTestConn(t)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)

	err = sc.Scroll(context.Background(), 1, pgsession.ScrollMode("sideways"))
	require.Error(t, err)
	var ie *pgsession.InterfaceError
	assert.True(t, errors.As(err, &ie))
}

func TestServerCursorStolen(t *testing.T) {
	conn, _ := newTestConn(t,
		fetchExchange("held", "1", []string{"x"}),
	)
	defer conn.Close()

	// The name was declared by someone else on this session; fetching
	// works without a prior Execute.
	sc, err := conn.ServerCursor("held", pgsession.ServerCursorOptions{})
	require.NoError(t, err)

	row, ok, err := sc.FetchOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"x"}, row)
}

func TestServerCursorClose(t *testing.T) {
	conn, wc := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select 1`, "DECLARE CURSOR"),
		fetchExchange("c", "1", []string{"1"}),
		wiretest.Command(`CLOSE "c"`, "CLOSE CURSOR"),
	)
	defer conn.Close()

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Execute(context.Background(), "select 1"))

	require.NoError(t, sc.Close(context.Background()))
	require.NoError(t, sc.Close(context.Background()))
	assert.True(t, wc.ScriptExhausted())

	_, _, err = sc.FetchOne(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgsession.ErrCursorClosed))
}

func TestServerCursorCloseWithoutOpen(t *testing.T) {
	conn, wc := newTestConn(t)
	defer conn.Close()

	// Never materialized on the server: no CLOSE round trip.
	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Close(context.Background()))
	assert.Empty(t, wc.Sent())
}

func TestServerCursorCloseAfterConnClose(t *testing.T) {
	conn, _ := newTestConn(t,
		wiretest.Command(`DECLARE "c" CURSOR FOR select 1`, "DECLARE CURSOR"),
		fetchExchange("c", "1", []string{"1"}),
	)

	sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Execute(context.Background(), "select 1"))

	require.NoError(t, conn.Close())
	require.NoError(t, sc.Close(context.Background()))
}

func TestServerCursorInPipeline(t *testing.T) {
	conn, wc := newTestConn(t)
	defer conn.Close()

	err := conn.Pipeline(context.Background(), func(*pgsession.Pipeline) error {
		sc, err := conn.ServerCursor("c", pgsession.ServerCursorOptions{})
		require.NoError(t, err)

		var nse *pgsession.NotSupportedError

		err = sc.Execute(context.Background(), "select generate_series(1,5)")
		require.Error(t, err)
		assert.True(t, errors.As(err, &nse))

		// A stolen cursor's first fetch round-trips too, and must be
		// rejected the same way.
		stolen, err := conn.ServerCursor("held", pgsession.ServerCursorOptions{})
		require.NoError(t, err)
		_, _, err = stolen.FetchOne(context.Background())
		require.Error(t, err)
		assert.True(t, errors.As(err, &nse))

		err = stolen.Scroll(context.Background(), 1, pgsession.ScrollRelative)
		require.Error(t, err)
		assert.True(t, errors.As(err, &nse))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, wc.Sent())
}
