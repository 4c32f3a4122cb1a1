package pgwire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Param is one bound parameter of the extended query protocol.
type Param struct {
	Literal string // SQL literal substituted for the placeholder
	Text    string // value as the client sent it, for audit records
	Null    bool
}

var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// bindReader walks a Bind message body.
type bindReader struct {
	payload []byte
	offset  int
}

func (r *bindReader) uint16() (int, bool) {
	if len(r.payload[r.offset:]) < 2 {
		return 0, false
	}
	v := int(binary.BigEndian.Uint16(r.payload[r.offset:]))
	r.offset += 2
	return v, true
}

func (r *bindReader) int32() (int32, bool) {
	if len(r.payload[r.offset:]) < 4 {
		return 0, false
	}
	v := int32(binary.BigEndian.Uint32(r.payload[r.offset:]))
	r.offset += 4
	return v, true
}

func (r *bindReader) take(n int) ([]byte, bool) {
	if n < 0 || len(r.payload[r.offset:]) < n {
		return nil, false
	}
	b := r.payload[r.offset : r.offset+n]
	r.offset += n
	return b, true
}

// decodeParams reads the parameter section of a Bind message: format codes,
// then the values.
func (r *bindReader) decodeParams(oids []uint32) ([]Param, error) {
	numFormats, ok := r.uint16()
	if !ok {
		return nil, fmt.Errorf("invalid Bind format codes")
	}
	formats := make([]int16, numFormats)
	for i := range formats {
		v, ok := r.uint16()
		if !ok {
			return nil, fmt.Errorf("invalid Bind format code list")
		}
		formats[i] = int16(v)
	}

	numParams, ok := r.uint16()
	if !ok {
		return nil, fmt.Errorf("invalid Bind parameter count")
	}
	if numFormats > 1 && numFormats != numParams {
		return nil, fmt.Errorf("invalid Bind format code index")
	}

	params := make([]Param, 0, numParams)
	for i := 0; i < numParams; i++ {
		format := int16(0)
		switch numFormats {
		case 0:
		case 1:
			format = formats[0]
		default:
			format = formats[i]
		}

		length, ok := r.int32()
		if !ok {
			return nil, fmt.Errorf("invalid Bind parameter length")
		}
		if length == -1 {
			params = append(params, Param{Literal: "NULL", Null: true})
			continue
		}
		raw, ok := r.take(int(length))
		if !ok {
			return nil, fmt.Errorf("invalid Bind parameter payload")
		}

		oid := uint32(0)
		if i < len(oids) {
			oid = oids[i]
		}
		p, err := decodeParam(format, oid, raw)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func decodeParam(format int16, oid uint32, raw []byte) (Param, error) {
	switch format {
	case 0:
		text := string(raw)
		return Param{Literal: quoteLiteral(text), Text: text}, nil
	case 1:
		literal, text, err := decodeBinary(oid, raw)
		if err != nil {
			return Param{}, err
		}
		return Param{Literal: literal, Text: text}, nil
	default:
		return Param{}, fmt.Errorf("unsupported Bind format code %d", format)
	}
}

func requireLength(raw []byte, n int, typeName string) error {
	if len(raw) != n {
		return fmt.Errorf("invalid binary %s parameter length", typeName)
	}
	return nil
}

// decodeBinary converts a binary-format parameter into a SQL literal and its
// display text.
func decodeBinary(oid uint32, raw []byte) (literal, text string, err error) {
	switch oid {
	case 16: // BOOL
		if err := requireLength(raw, 1, "bool"); err != nil {
			return "", "", err
		}
		if raw[0] == 0 {
			return "FALSE", "f", nil
		}
		return "TRUE", "t", nil
	case 20: // INT8
		if err := requireLength(raw, 8, "int8"); err != nil {
			return "", "", err
		}
		v := strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10)
		return v, v, nil
	case 21: // INT2
		if err := requireLength(raw, 2, "int2"); err != nil {
			return "", "", err
		}
		v := strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(raw))), 10)
		return v, v, nil
	case 23: // INT4
		if err := requireLength(raw, 4, "int4"); err != nil {
			return "", "", err
		}
		v := strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(raw))), 10)
		return v, v, nil
	case 700: // FLOAT4
		if err := requireLength(raw, 4, "float4"); err != nil {
			return "", "", err
		}
		v := strconv.FormatFloat(float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), 'g', -1, 32)
		return v, v, nil
	case 701: // FLOAT8
		if err := requireLength(raw, 8, "float8"); err != nil {
			return "", "", err
		}
		v := strconv.FormatFloat(math.Float64frombits(binary.BigEndian.Uint64(raw)), 'g', -1, 64)
		return v, v, nil
	case 1082: // DATE
		if err := requireLength(raw, 4, "date"); err != nil {
			return "", "", err
		}
		v := pgEpoch.AddDate(0, 0, int(int32(binary.BigEndian.Uint32(raw)))).Format("2006-01-02")
		return quoteLiteral(v) + "::DATE", v, nil
	case 1114: // TIMESTAMP
		if err := requireLength(raw, 8, "timestamp"); err != nil {
			return "", "", err
		}
		v := pgMicros(raw).Format("2006-01-02 15:04:05.999999")
		return quoteLiteral(v) + "::TIMESTAMP", v, nil
	case 1184: // TIMESTAMPTZ
		if err := requireLength(raw, 8, "timestamptz"); err != nil {
			return "", "", err
		}
		v := pgMicros(raw).Format(time.RFC3339Nano)
		return quoteLiteral(v) + "::TIMESTAMPTZ", v, nil
	case 1700: // NUMERIC
		v, err := decodeNumeric(raw)
		if err != nil {
			return "", "", err
		}
		return v, v, nil
	case 2950: // UUID
		if err := requireLength(raw, 16, "uuid"); err != nil {
			return "", "", err
		}
		h := hex.EncodeToString(raw)
		v := h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
		return quoteLiteral(v) + "::UUID", v, nil
	case 18, 19, 25, 1043: // CHAR, NAME, TEXT, VARCHAR
		return quoteLiteral(string(raw)), string(raw), nil
	default:
		return "", "", fmt.Errorf("unsupported binary parameter type oid %d", oid)
	}
}

func pgMicros(raw []byte) time.Time {
	micros := int64(binary.BigEndian.Uint64(raw))
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// decodeNumeric renders the binary NUMERIC format: base-10000 digit groups with a
// weight, a sign and a display scale.
func decodeNumeric(raw []byte) (string, error) {
	if len(raw) < 8 || (len(raw)-8)%2 != 0 {
		return "", fmt.Errorf("invalid binary numeric payload")
	}
	ndigits := int(int16(binary.BigEndian.Uint16(raw[0:2])))
	weight := int(int16(binary.BigEndian.Uint16(raw[2:4])))
	sign := binary.BigEndian.Uint16(raw[4:6])
	dscale := int(int16(binary.BigEndian.Uint16(raw[6:8])))
	if ndigits < 0 || dscale < 0 || len(raw) != 8+ndigits*2 {
		return "", fmt.Errorf("invalid binary numeric header")
	}
	switch sign {
	case 0x0000, 0x4000:
	case 0xC000:
		return "", fmt.Errorf("numeric NaN is not supported")
	default:
		return "", fmt.Errorf("unsupported binary numeric sign %d", sign)
	}

	group := func(i int) (int, error) {
		if i < 0 || i >= ndigits {
			return 0, nil
		}
		d := int(int16(binary.BigEndian.Uint16(raw[8+i*2:])))
		if d < 0 || d >= 10000 {
			return 0, fmt.Errorf("invalid binary numeric digit")
		}
		return d, nil
	}

	var intPart strings.Builder
	for i := 0; i <= weight; i++ {
		d, err := group(i)
		if err != nil {
			return "", err
		}
		if intPart.Len() == 0 {
			if d != 0 {
				intPart.WriteString(strconv.Itoa(d))
			}
			continue
		}
		fmt.Fprintf(&intPart, "%04d", d)
	}
	integer := intPart.String()
	if integer == "" {
		integer = "0"
	}

	var frac strings.Builder
	for i := weight + 1; frac.Len() < dscale; i++ {
		d, err := group(i)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&frac, "%04d", d)
	}
	value := integer
	if dscale > 0 {
		value += "." + frac.String()[:dscale]
	}

	if sign == 0x4000 && strings.Trim(value, "0.") != "" {
		value = "-" + value
	}
	return value, nil
}

// Substitute renders the bound parameters into the statement text, highest
// placeholder first so that $1 never matches inside $10.
func Substitute(query string, params []Param) (string, error) {
	rendered := query
	for i := len(params); i >= 1; i-- {
		placeholder := "$" + strconv.Itoa(i)
		if !strings.Contains(rendered, placeholder) {
			return "", fmt.Errorf("missing placeholder %s", placeholder)
		}
		rendered = strings.ReplaceAll(rendered, placeholder, params[i-1].Literal)
	}
	return rendered, nil
}

// Texts returns the display text of each parameter; NULL for null values.
func Texts(params []Param) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		if p.Null {
			out[i] = "NULL"
			continue
		}
		out[i] = p.Text
	}
	return out
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
