package pgsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	errors "golang.org/x/xerrors"

	"github.com/jackc/pgsession/wire"
)

// Xid identifies a global (two-phase) transaction. A transaction begun with
// a plain string identifier round-trips as an unparsed Xid with FormatID
// nil.
type Xid struct {
	// FormatID, GlobalTransactionID and BranchQualifier follow the XA
	// naming. FormatID is nil for identifiers that are not in the
	// canonical encoded form.
	FormatID            *int
	GlobalTransactionID string
	BranchQualifier     string

	// Prepared and Owner and Database are filled in by TPCRecover.
	Prepared string
	Owner    string
	Database string
}

// String encodes the Xid the way it is stored in the server's gid field:
// fid_gtrid_bqual with the two components base64-encoded, or the raw
// GlobalTransactionID for unparsed identifiers.
func (x Xid) String() string {
	if x.FormatID == nil {
		return x.GlobalTransactionID
	}
	return strconv.Itoa(*x.FormatID) + "_" +
		base64.StdEncoding.EncodeToString([]byte(x.GlobalTransactionID)) + "_" +
		base64.StdEncoding.EncodeToString([]byte(x.BranchQualifier))
}

// NewXid builds a canonical Xid.
func NewXid(formatID int, gtrid, bqual string) Xid {
	return Xid{FormatID: &formatID, GlobalTransactionID: gtrid, BranchQualifier: bqual}
}

// ParseXid decodes a gid back into an Xid, falling back to an unparsed one.
func ParseXid(gid string) Xid {
	parts := strings.SplitN(gid, "_", 3)
	if len(parts) == 3 {
		if fid, err := strconv.Atoi(parts[0]); err == nil {
			gtrid, err1 := base64.StdEncoding.DecodeString(parts[1])
			bqual, err2 := base64.StdEncoding.DecodeString(parts[2])
			if err1 == nil && err2 == nil {
				return Xid{FormatID: &fid, GlobalTransactionID: string(gtrid), BranchQualifier: string(bqual)}
			}
		}
	}
	return Xid{GlobalTransactionID: gid}
}

// recoverQuery lists prepared-but-unresolved transactions. Restricted to
// the current database because only those can be finished here.
const recoverQuery = "SELECT gid, prepared, owner, database FROM pg_prepared_xacts WHERE database = current_database()"

// TPCBegin starts a two-phase transaction under xid. The connection must be
// idle and not in autocommit mode's implicit-transaction path already.
func (c *Conn) TPCBegin(ctx context.Context, xid Xid) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.checkConnOKLocked(); err != nil {
		return err
	}
	if c.tpcXid != nil {
		return programmingErrorf("two-phase transaction already begun with gid %q", c.tpcXid.String())
	}
	if c.txStatusLocked() != wire.TxStatusIdle {
		return programmingErrorf("can't start two-phase transaction: connection in status %s", c.txStatusLocked())
	}

	if err := c.execCommandLocked(ctx, c.beginCommandLocked()); err != nil {
		return err
	}
	c.tpcXid = &xid
	c.tpcPrepared = false
	return nil
}

// TPCPrepare performs the first phase of the transaction begun with
// TPCBegin. A server that does not support prepared transactions reports
// "object not in prerequisite state"; that is translated into a
// NotSupportedError so callers can detect missing feature support
// programmatically.
func (c *Conn) TPCPrepare(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.tpcXid == nil {
		return programmingErrorf("tpc_prepare called outside a two-phase transaction")
	}

	err := c.execCommandLocked(ctx, "PREPARE TRANSACTION "+quoteLiteral(c.tpcXid.String()))
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) && se.Code == codeObjectNotInPrerequisiteState {
			return &NotSupportedError{msg: se.Message, err: se}
		}
		return err
	}
	c.tpcPrepared = true
	return nil
}

// TPCCommit finishes phase two with COMMIT PREPARED. With a nil xid it
// commits the transaction begun on this connection (one-phase when
// TPCPrepare was never called).
func (c *Conn) TPCCommit(ctx context.Context, xid *Xid) error {
	return c.tpcFinish(ctx, "COMMIT", xid)
}

// TPCRollback is the rollback counterpart of TPCCommit.
func (c *Conn) TPCRollback(ctx context.Context, xid *Xid) error {
	return c.tpcFinish(ctx, "ROLLBACK", xid)
}

func (c *Conn) tpcFinish(ctx context.Context, action string, xid *Xid) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if xid != nil {
		// Finishing a recovered transaction; must not interfere with a
		// transaction open on this connection.
		if c.txStatusLocked() != wire.TxStatusIdle {
			return programmingErrorf("can't finish prepared transaction %q: connection in status %s", xid.String(), c.txStatusLocked())
		}
		return c.execCommandLocked(ctx, action+" PREPARED "+quoteLiteral(xid.String()))
	}

	if c.tpcXid == nil {
		return programmingErrorf("tpc_%s called outside a two-phase transaction and without an xid", strings.ToLower(action))
	}
	cur := c.tpcXid
	defer func() {
		c.tpcXid = nil
		c.tpcPrepared = false
	}()

	if c.tpcPrepared {
		return c.execCommandLocked(ctx, action+" PREPARED "+quoteLiteral(cur.String()))
	}
	return c.execCommandLocked(ctx, action)
}

// TPCRecover lists prepared-but-unresolved transactions from the server's
// catalog. Some servers implicitly open a transaction as a side effect of
// the catalog query; when the status is observed flipping from idle to
// in-transaction, a compensating rollback restores the caller's state.
func (c *Conn) TPCRecover(ctx context.Context) ([]Xid, error) {
	before := c.TransactionStatus()

	cur, err := c.Cursor()
	if err != nil {
		return nil, err
	}
	cur.SetRowFactory(ArgsRow(xidFromRecord))
	if err := cur.Execute(ctx, recoverQuery); err != nil {
		return nil, err
	}
	rows, err := cur.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	xids := make([]Xid, len(rows))
	for i, r := range rows {
		xids[i] = r.(Xid)
	}

	if before == wire.TxStatusIdle && c.TransactionStatus() == wire.TxStatusInTrans {
		if err := c.Rollback(ctx); err != nil {
			return nil, err
		}
	}

	return xids, nil
}

func xidFromRecord(values []interface{}) (Row, error) {
	if len(values) != 4 {
		return nil, internalErrorf("prepared transactions catalog returned %d columns, want 4", len(values))
	}
	xid := ParseXid(valueString(values[0]))
	xid.Prepared = valueString(values[1])
	xid.Owner = valueString(values[2])
	xid.Database = valueString(values[3])
	return xid, nil
}

func valueString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
