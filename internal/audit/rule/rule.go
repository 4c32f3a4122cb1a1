// Package rule evaluates administrator-defined audit filter rules against the typed
// fields of an audit event.
package rule

import "strings"

// Kind is the type of value a rule slot filters on.
type Kind int

// Rule kinds.
const (
	KindString Kind = iota + 1
	KindInteger
	KindBitmap
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindBitmap:
		return "bitmap"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Value is the payload of a rule. It is one of StringSet, Integers, Bitmap or
// Intervals. A nil Value leaves the field unconstrained.
type Value interface {
	kind() Kind
	empty() bool
}

// StringSet matches when the operand equals one of its members, ignoring case.
type StringSet []string

// Integers is the payload of integer rules.
type Integers []int64

// Bitmap matches when the operand shares at least one bit with it.
type Bitmap uint32

// Interval is an inclusive range of seconds since midnight.
type Interval struct {
	Begin int
	End   int
}

// Intervals matches when the operand falls into one of its ranges.
type Intervals []Interval

func (StringSet) kind() Kind { return KindString }
func (Integers) kind() Kind  { return KindInteger }
func (Bitmap) kind() Kind    { return KindBitmap }
func (Intervals) kind() Kind { return KindTimestamp }

func (s StringSet) empty() bool { return len(s) == 0 }
func (s Integers) empty() bool  { return len(s) == 0 }
func (Bitmap) empty() bool      { return false }
func (s Intervals) empty() bool { return len(s) == 0 }

func (s StringSet) contains(v string) bool {
	for _, m := range s {
		if strings.EqualFold(m, v) {
			return true
		}
	}
	return false
}

func (s Intervals) contains(sec int) bool {
	for _, iv := range s {
		if iv.Begin <= sec && sec <= iv.End {
			return true
		}
	}
	return false
}

// Rule is one filter slot of a rule section.
type Rule struct {
	Field string
	Kind  Kind
	Eq    bool // false for "!="
	Value Value
}

// Unconstrained reports whether the rule matches everything.
func (r Rule) Unconstrained() bool {
	return r.Value == nil || r.Value.empty()
}

// Operand is a runtime field value handed to ApplyOne.
type Operand struct {
	kind Kind
	str  string
	num  int64
	bits uint32
}

// String returns a string operand.
func String(v string) Operand { return Operand{kind: KindString, str: v} }

// Integer returns an integer operand.
func Integer(v int64) Operand { return Operand{kind: KindInteger, num: v} }

// Bits returns a bitmap operand.
func Bits(v uint32) Operand { return Operand{kind: KindBitmap, bits: v} }

// Seconds returns a second-of-day operand for timestamp rules.
func Seconds(v int) Operand { return Operand{kind: KindTimestamp, num: int64(v)} }

// Kind returns the operand kind.
func (o Operand) Kind() Kind { return o.kind }

// ApplyOne evaluates a single rule against a value.
//
// Polarity is honored by timestamp rules only; string and bitmap rules test
// membership and the integer matcher is not active yet.
func ApplyOne(value Operand, r Rule) bool {
	if r.Unconstrained() {
		return true
	}

	switch v := r.Value.(type) {
	case StringSet:
		if value.kind != KindString {
			return false
		}
		return v.contains(value.str)

	case Bitmap:
		if value.kind != KindBitmap {
			return false
		}
		return value.bits&uint32(v) != 0

	case Intervals:
		if value.kind != KindTimestamp {
			return false
		}
		in := v.contains(int(value.num))
		if r.Eq {
			return in
		}
		return !in

	case Integers:
		if value.kind != KindInteger {
			return false
		}
		return applyInteger(value.num, v, r.Eq)
	}

	return false
}

// applyInteger is reserved for audit_role and remote_port filtering. No comparison
// semantics are defined for it yet, so every value passes.
func applyInteger(_ int64, _ Integers, _ bool) bool {
	return true
}
