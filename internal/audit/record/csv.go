// Package record assembles CSV-safe audit lines.
package record

import (
	"bytes"
	"strings"
)

// AppendValidCSV appends value to buf, quoting it when it contains a comma, a
// double quote, or a line break. Embedded quotes are doubled. An empty value
// appends nothing.
func AppendValidCSV(buf *bytes.Buffer, value string) {
	if value == "" {
		return
	}
	if !strings.ContainsAny(value, ",\"\r\n") {
		buf.WriteString(value)
		return
	}
	buf.WriteByte('"')
	for i := 0; i < len(value); i++ {
		if value[i] == '"' {
			buf.WriteByte('"')
		}
		buf.WriteByte(value[i])
	}
	buf.WriteByte('"')
}

// ValidCSV returns value escaped the way AppendValidCSV writes it.
func ValidCSV(value string) string {
	var buf bytes.Buffer
	AppendValidCSV(&buf, value)
	return buf.String()
}
