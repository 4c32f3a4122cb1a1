package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// statusIdle is the transaction status reported in ReadyForQuery.
const statusIdle byte = 'I'

const oidText = 25

// message builds one backend message: type byte, length, body.
type message struct {
	buf []byte
}

func newMessage(kind byte) *message {
	return &message{buf: []byte{kind, 0, 0, 0, 0}}
}

func (m *message) byte1(b byte) *message {
	m.buf = append(m.buf, b)
	return m
}

func (m *message) int16(v int) *message {
	m.buf = binary.BigEndian.AppendUint16(m.buf, uint16(v))
	return m
}

func (m *message) int32(v int32) *message {
	m.buf = binary.BigEndian.AppendUint32(m.buf, uint32(v))
	return m
}

func (m *message) cstring(s string) *message {
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
	return m
}

func (m *message) bytes(b []byte) *message {
	m.buf = append(m.buf, b...)
	return m
}

func (m *message) send(w io.Writer) error {
	binary.BigEndian.PutUint32(m.buf[1:5], uint32(len(m.buf)-1))
	_, err := w.Write(m.buf)
	return err
}

func writeAuthenticationOK(w io.Writer) error {
	return newMessage('R').int32(0).send(w)
}

func writeParameterStatus(w io.Writer, key, value string) error {
	return newMessage('S').cstring(key).cstring(value).send(w)
}

func writeBackendKeyData(w io.Writer, key backendKey) error {
	return newMessage('K').int32(key.processID).int32(key.secretKey).send(w)
}

func writeReadyForQuery(w io.Writer, status byte) error {
	return newMessage('Z').byte1(status).send(w)
}

func writeParseComplete(w io.Writer) error { return newMessage('1').send(w) }

func writeBindComplete(w io.Writer) error { return newMessage('2').send(w) }

func writeCloseComplete(w io.Writer) error { return newMessage('3').send(w) }

func writeNoData(w io.Writer) error { return newMessage('n').send(w) }

func writeEmptyQueryResponse(w io.Writer) error { return newMessage('I').send(w) }

func writeParameterDescription(w io.Writer, oids []uint32) error {
	m := newMessage('t').int16(len(oids))
	for _, oid := range oids {
		m.int32(int32(oid))
	}
	return m.send(w)
}

// writeRowDescription describes every column as text: no table oid, no attribute
// number, variable size, no type modifier, text format.
func writeRowDescription(w io.Writer, columns []string) error {
	m := newMessage('T').int16(len(columns))
	for _, col := range columns {
		m.cstring(col).int32(0).int16(0).int32(oidText).int16(-1).int32(-1).int16(0)
	}
	return m.send(w)
}

func writeDataRow(w io.Writer, row []any) error {
	m := newMessage('D').int16(len(row))
	for _, value := range row {
		if value == nil {
			m.int32(-1)
			continue
		}
		text := formatValue(value)
		m.int32(int32(len(text))).bytes([]byte(text))
	}
	return m.send(w)
}

func writeCommandComplete(w io.Writer, tag string) error {
	return newMessage('C').cstring(tag).send(w)
}

// writeErrorResponse sends an ErrorResponse with severity, SQLSTATE and message.
func writeErrorResponse(w io.Writer, code, text string) error {
	return newMessage('E').
		byte1('S').cstring("ERROR").
		byte1('V').cstring("ERROR").
		byte1('C').cstring(code).
		byte1('M').cstring(text).
		byte1(0).
		send(w)
}

// writeProtocolError reports a malformed or unsupported frontend message.
func writeProtocolError(w io.Writer, text string) error {
	return writeErrorResponse(w, "08P01", text)
}

func writeQueryError(w io.Writer, err error) error {
	return writeErrorResponse(w, SQLState(err), err.Error())
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "t"
		}
		return "f"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999Z07:00")
	default:
		return fmt.Sprintf("%v", x)
	}
}
