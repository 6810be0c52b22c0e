package pgsession_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jackc/pgsession"
	"github.com/jackc/pgsession/adapt"
	"github.com/jackc/pgsession/wiretest"
)

// newRawConn wraps a scripted wire connection with the package defaults:
// autocommit off, tuple rows, batch size 1.
func newRawConn(script ...*wiretest.Exchange) (*pgsession.Conn, *wiretest.Conn) {
	wc := wiretest.New(script...)
	conn := pgsession.NewConn(wc, pgsession.ConnConfig{
		NewTransformer: func() pgsession.Transformer { return adapt.New() },
		WaitTimeout:    5 * time.Millisecond,
	})
	return conn, wc
}

// newTestConn is newRawConn with autocommit switched on, which most tests
// want so executions do not open implicit transactions.
func newTestConn(t *testing.T, script ...*wiretest.Exchange) (*pgsession.Conn, *wiretest.Conn) {
	t.Helper()
	conn, wc := newRawConn(script...)
	require.NoError(t, conn.SetAutocommit(context.Background(), true))
	return conn, wc
}
