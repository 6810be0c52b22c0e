package pgsession

import (
	"context"

	"github.com/jackc/puddle"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Connect builds one pooled connection.
	Connect func(ctx context.Context) (*Conn, error)

	// MaxConns is the ceiling of pooled connections. Zero means 4.
	MaxConns int32
}

// Pool is a small connection pool. Connections acquired from a Pool are
// marked pool-owned, so Conn.Scope hands them back instead of closing them.
type Pool struct {
	p *puddle.Pool
}

// NewPool creates a pool. No connection is established until the first
// Acquire.
func NewPool(config PoolConfig) *Pool {
	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}

	pool := &Pool{}

	constructor := func(ctx context.Context) (interface{}, error) {
		conn, err := config.Connect(ctx)
		if err != nil {
			return nil, err
		}
		conn.pool = pool
		return conn, nil
	}
	destructor := func(value interface{}) {
		value.(*Conn).Close()
	}

	pool.p = puddle.NewPool(constructor, destructor, maxConns)
	return pool
}

// Acquire returns a connection from the pool, establishing one if needed.
func (p *Pool) Acquire(ctx context.Context) (*PoolConn, error) {
	for {
		res, err := p.p.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		conn := res.Value().(*Conn)
		if conn.Closed() {
			res.Destroy()
			continue
		}
		return &PoolConn{res: res}, nil
	}
}

// Close closes every idle connection and prevents further acquisition.
func (p *Pool) Close() {
	p.p.Close()
}

// PoolConn is a pooled connection handle.
type PoolConn struct {
	res *puddle.Resource
}

// Conn returns the underlying connection.
func (pc *PoolConn) Conn() *Conn {
	return pc.res.Value().(*Conn)
}

// Release returns the connection to the pool. A connection observed in a
// non-reusable state is destroyed instead.
func (pc *PoolConn) Release() {
	conn := pc.Conn()
	if conn.Closed() {
		pc.res.Destroy()
		return
	}
	pc.res.Release()
}
