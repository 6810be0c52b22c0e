package pgsession

import (
	"context"
	"strconv"

	"github.com/jackc/pgsession/wire"
)

// IsolationLevel is a transaction isolation level.
type IsolationLevel string

// Transaction isolation levels
const (
	Serializable    = IsolationLevel("SERIALIZABLE")
	RepeatableRead  = IsolationLevel("REPEATABLE READ")
	ReadCommitted   = IsolationLevel("READ COMMITTED")
	ReadUncommitted = IsolationLevel("READ UNCOMMITTED")
)

// TransactionOptions control WithTransaction scopes.
type TransactionOptions struct {
	// SavepointName names the savepoint used when the scope nests inside an
	// open transaction. Empty picks one automatically.
	SavepointName string

	// ForceRollback rolls the scope back even on success (e.g. to dry-run a
	// process).
	ForceRollback bool
}

// Transaction is the handle passed to a WithTransaction scope body.
type Transaction struct {
	conn          *Conn
	savepointName string
	forceRollback bool

	// outer is true when this scope opened the outermost transaction rather
	// than a savepoint.
	outer    bool
	entered  bool
	finished bool
}

// Conn returns the connection the transaction runs on.
func (tx *Transaction) Conn() *Conn { return tx.conn }

// SavepointName returns the savepoint demarcating this scope, or "" for the
// outermost scope.
func (tx *Transaction) SavepointName() string { return tx.savepointName }

// WithTransaction runs fn within a transaction or, when one is already
// open, a savepoint-based nested transaction. On error the scope is rolled
// back and the error returned; a demarcation failure during unwind is
// linked to it, never replacing it. On success the scope is committed or
// its savepoint released.
//
// When a pipeline is active the scope's demarcation commands straddle the
// pipeline so they are batched with the statements around them.
func (c *Conn) WithTransaction(ctx context.Context, fn func(*Transaction) error) error {
	return c.WithTransactionOptions(ctx, TransactionOptions{}, fn)
}

// WithTransactionOptions is WithTransaction with explicit options.
func (c *Conn) WithTransactionOptions(ctx context.Context, opts TransactionOptions, fn func(*Transaction) error) error {
	tx := &Transaction{conn: c, savepointName: opts.SavepointName, forceRollback: opts.ForceRollback}

	if c.activePipeline() != nil {
		// Sub-transaction demarcation must batch too: wrap entry and the
		// body in nested pipeline scopes.
		return c.Pipeline(ctx, func(*Pipeline) error {
			if err := tx.begin(ctx); err != nil {
				return err
			}
			err := c.Pipeline(ctx, func(*Pipeline) error {
				return fn(tx)
			})
			return tx.finish(ctx, err)
		})
	}

	if err := tx.begin(ctx); err != nil {
		return err
	}
	return tx.finish(ctx, fn(tx))
}

func (c *Conn) activePipeline() *Pipeline {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pipeline
}

func (tx *Transaction) begin(ctx context.Context) error {
	c := tx.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.checkConnOKLocked(); err != nil {
		return err
	}

	switch c.txStatusLocked() {
	case wire.TxStatusIdle:
		tx.outer = true
		if err := c.execCommandLocked(ctx, c.beginCommandLocked()); err != nil {
			return err
		}
	case wire.TxStatusInTrans, wire.TxStatusActive:
		if tx.savepointName == "" {
			c.savepointSeq++
			tx.savepointName = "_pgsession_" + strconv.Itoa(c.savepointSeq)
		}
		if err := c.execCommandLocked(ctx, "SAVEPOINT "+quoteIdentifier(tx.savepointName)); err != nil {
			return err
		}
	case wire.TxStatusInError:
		return operationalErrorf("cannot start a transaction scope: the current transaction is aborted")
	default:
		return operationalErrorf("cannot start a transaction scope: transaction status is %s", c.txStatusLocked())
	}

	tx.entered = true
	return nil
}

// finish demarcates scope exit. bodyErr is the error propagating out of the
// scope body, if any; it is never masked by a demarcation failure.
func (tx *Transaction) finish(ctx context.Context, bodyErr error) error {
	if !tx.entered || tx.finished {
		return bodyErr
	}
	tx.finished = true

	c := tx.conn
	c.lock.Lock()
	defer c.lock.Unlock()

	if bodyErr != nil || tx.forceRollback {
		if err := tx.rollbackLocked(ctx); err != nil {
			if bodyErr == nil {
				return err
			}
			c.log(ctx, LogLevelWarn, "error ignored in transaction scope rollback", map[string]interface{}{"err": err.Error()})
			return bodyErr
		}
		return bodyErr
	}

	if tx.outer {
		return c.execCommandLocked(ctx, "COMMIT")
	}
	return c.execCommandLocked(ctx, "RELEASE SAVEPOINT "+quoteIdentifier(tx.savepointName))
}

func (tx *Transaction) rollbackLocked(ctx context.Context) error {
	c := tx.conn
	if tx.outer {
		return c.execCommandLocked(ctx, "ROLLBACK")
	}
	name := quoteIdentifier(tx.savepointName)
	if err := c.execCommandLocked(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return err
	}
	return c.execCommandLocked(ctx, "RELEASE SAVEPOINT "+name)
}
