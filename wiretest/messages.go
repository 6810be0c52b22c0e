package wiretest

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

const textOID = 25

// Query builds an exchange expecting sql and replaying msgs.
func Query(sql string, msgs ...pgproto3.BackendMessage) *Exchange {
	return &Exchange{Expect: sql, Respond: msgs}
}

// Command builds an exchange for a statement that produces no rows.
func Command(sql, tag string) *Exchange {
	return Query(sql,
		&pgproto3.CommandComplete{CommandTag: []byte(tag)},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
}

// Select builds an exchange answering sql with a single text result set.
// Every column is reported as type text.
func Select(sql string, columns []string, rows ...[]string) *Exchange {
	msgs := SelectMessages(columns, rows...)
	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: 'I'})
	return Query(sql, msgs...)
}

// SelectMessages builds the message sequence of one text result set without
// a trailing ReadyForQuery, so several can be concatenated into a
// multi-statement reply.
func SelectMessages(columns []string, rows ...[]string) []pgproto3.BackendMessage {
	msgs := []pgproto3.BackendMessage{RowDescription(columns...)}
	for _, row := range rows {
		msgs = append(msgs, TextDataRow(row...))
	}
	msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", len(rows)))})
	return msgs
}

// RowDescription builds a RowDescription of text columns.
func RowDescription(names ...string) *pgproto3.RowDescription {
	rd := &pgproto3.RowDescription{}
	for _, name := range names {
		rd.Fields = append(rd.Fields, pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	return rd
}

// TypedRowDescription builds a RowDescription from name/OID pairs.
func TypedRowDescription(names []string, oids []uint32) *pgproto3.RowDescription {
	rd := &pgproto3.RowDescription{}
	for i, name := range names {
		rd.Fields = append(rd.Fields, pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  oids[i],
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	return rd
}

// TextDataRow builds a DataRow of text values.
func TextDataRow(values ...string) *pgproto3.DataRow {
	dr := &pgproto3.DataRow{}
	for _, v := range values {
		dr.Values = append(dr.Values, []byte(v))
	}
	return dr
}

// NullableDataRow builds a DataRow where nil entries are SQL NULLs.
func NullableDataRow(values ...[]byte) *pgproto3.DataRow {
	return &pgproto3.DataRow{Values: values}
}

// ServerError builds an exchange answering sql with a server error.
func ServerError(sql, code, message string) *Exchange {
	return Query(sql,
		&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
}

// Notification builds a NotificationResponse message.
func Notification(pid uint32, channel, payload string) *pgproto3.NotificationResponse {
	return &pgproto3.NotificationResponse{PID: pid, Channel: channel, Payload: payload}
}
