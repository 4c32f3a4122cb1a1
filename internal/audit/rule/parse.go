package rule

import (
	"strconv"
	"strings"

	"duck-audit/internal/domain"
)

const clockLen = len("hh:mm:ss")

// ParseOp accepts "=" and "!=" and returns the rule polarity.
func ParseOp(op string) (bool, error) {
	switch strings.TrimSpace(op) {
	case "", "=":
		return true, nil
	case "!=":
		return false, nil
	}
	return false, domain.ErrValidation("invalid operator %q: must be = or !=", op)
}

// ParseStringSet splits a comma separated list. Blank members are dropped.
func ParseStringSet(s string) StringSet {
	var out StringSet
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseIntegers parses a comma separated list of integers.
func ParseIntegers(s string) (Integers, error) {
	var out Integers
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, domain.ErrValidation("invalid integer %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseIntervals parses "hh:mm:ss-hh:mm:ss" ranges separated by commas.
func ParseIntervals(s string) (Intervals, error) {
	var out Intervals
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		begin, end, ok := strings.Cut(part, "-")
		if !ok {
			return nil, domain.ErrValidation("format error at timestamp %q: want hh:mm:ss-hh:mm:ss", part)
		}
		b, err := parseClock(strings.TrimSpace(begin))
		if err != nil {
			return nil, err
		}
		e, err := parseClock(strings.TrimSpace(end))
		if err != nil {
			return nil, err
		}
		if b >= e {
			return nil, domain.ErrValidation("error at timestamp values %q: begin must precede end", part)
		}
		out = append(out, Interval{Begin: b, End: e})
	}
	return out, nil
}

func parseClock(s string) (int, error) {
	if len(s) != clockLen || s[2] != ':' || s[5] != ':' {
		return 0, domain.ErrValidation("format error at timestamp %q", s)
	}
	hh, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[3:5])
	ss, err3 := strconv.Atoi(s[6:8])
	if err1 != nil || err2 != nil || err3 != nil ||
		hh < 0 || hh > 23 || mm < 0 || mm > 59 || ss < 0 || ss > 59 {
		return 0, domain.ErrValidation("format error at timestamp %q", s)
	}
	return (hh*60+mm)*60 + ss, nil
}
