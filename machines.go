package pgsession

import (
	"github.com/jackc/pgsession/wire"
)

// execMachine is the ordinary exchange: flush the outgoing buffer, then
// collect every result of the submitted command sequence. GetResult
// returning nil marks the end of the sequence.
type execMachine struct {
	conn    wire.Conn
	flushed bool
	results []*wire.Result
}

func newExecMachine(conn wire.Conn) *execMachine {
	return &execMachine{conn: conn}
}

func (m *execMachine) Step(ready wire.Ready) progress {
	if !m.flushed {
		done, err := m.conn.Flush()
		if err != nil {
			return failed(err)
		}
		if !done {
			return wantWrite()
		}
		m.flushed = true
	}

	if ready&wire.ReadableReady != 0 {
		if err := m.conn.ConsumeInput(); err != nil {
			return failed(err)
		}
	}

	for !m.conn.IsBusy() {
		res, err := m.conn.GetResult()
		if err != nil {
			return failed(err)
		}
		if res == nil {
			return done(m.results)
		}
		m.results = append(m.results, res)
	}

	return wantRead()
}

// communicateMachine is the pipeline exchange: flush whatever commands are
// buffered, take one round of input, and drain every result that is already
// complete. It never blocks for results the server has not produced yet.
type communicateMachine struct {
	conn    wire.Conn
	flushed bool
	waited  bool
	results []*wire.Result
}

func newCommunicateMachine(conn wire.Conn) *communicateMachine {
	return &communicateMachine{conn: conn}
}

func (m *communicateMachine) Step(ready wire.Ready) progress {
	if !m.flushed {
		flushDone, err := m.conn.Flush()
		if err != nil {
			return failed(err)
		}
		if !flushDone {
			return wantWrite()
		}
		m.flushed = true
	}

	if ready&wire.ReadableReady != 0 {
		if err := m.conn.ConsumeInput(); err != nil {
			return failed(err)
		}
		m.waited = true
	}

	if !m.waited {
		return wantRead()
	}

	for {
		res, err := m.conn.GetResult()
		if err != nil {
			return failed(err)
		}
		if res == nil {
			return done(m.results)
		}
		m.results = append(m.results, res)
	}
}

// notifiesMachine waits until at least one asynchronous notification has
// arrived and returns the batch available at that moment.
type notifiesMachine struct {
	conn          wire.Conn
	notifications []*wire.Notification
}

func newNotifiesMachine(conn wire.Conn) *notifiesMachine {
	return &notifiesMachine{conn: conn}
}

func (m *notifiesMachine) Step(ready wire.Ready) progress {
	if ready&wire.ReadableReady != 0 {
		if err := m.conn.ConsumeInput(); err != nil {
			return failed(err)
		}
	}

	for {
		n := m.conn.Notifies()
		if n == nil {
			break
		}
		m.notifications = append(m.notifications, n)
	}

	if len(m.notifications) > 0 {
		return done(nil)
	}
	return wantRead()
}
