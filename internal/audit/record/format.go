package record

import (
	"strings"

	"duck-audit/internal/audit/field"
	"duck-audit/internal/domain"
)

type segment struct {
	text    string
	item    field.Item
	hasItem bool
}

// Format is a parsed output format. Items are written as %name, as a single
// log_line_prefix letter (%t, %u, ...), or %% for a literal percent sign.
type Format struct {
	source   string
	segments []segment
}

// ParseFormat parses an output format. Item names take precedence over prefix
// letters and the longest matching name wins.
func ParseFormat(s string) (*Format, error) {
	f := &Format{source: s}
	var text strings.Builder

	for i := 0; i < len(s); {
		if s[i] != '%' {
			text.WriteByte(s[i])
			i++
			continue
		}
		rest := s[i+1:]
		if rest == "" {
			return nil, domain.ErrValidation("format %q ends with a dangling %%", s)
		}
		if rest[0] == '%' {
			text.WriteByte('%')
			i += 2
			continue
		}

		item, n, ok := matchItem(rest)
		if !ok {
			return nil, domain.ErrValidation("unknown item at %q in format %q", "%"+firstWord(rest), s)
		}
		f.segments = append(f.segments, segment{text: text.String(), item: item, hasItem: true})
		text.Reset()
		i += 1 + n
	}

	if text.Len() > 0 {
		f.segments = append(f.segments, segment{text: text.String()})
	}
	return f, nil
}

func matchItem(rest string) (field.Item, int, bool) {
	best, bestLen := field.Item(0), 0
	for _, item := range field.Items() {
		name := item.String()
		if len(name) > bestLen && strings.HasPrefix(rest, name) {
			best, bestLen = item, len(name)
		}
	}
	if bestLen > 0 {
		return best, bestLen, true
	}
	if item, ok := field.LookupPrefix(rest[0]); ok {
		return item, 1, true
	}
	return 0, 0, false
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if end < 0 {
		return s
	}
	if end == 0 {
		return s[:1]
	}
	return s[:end]
}

// String returns the source the format was parsed from.
func (f *Format) String() string { return f.source }

// Items returns the items the format prints, in order.
func (f *Format) Items() []field.Item {
	var out []field.Item
	for _, seg := range f.segments {
		if seg.hasItem {
			out = append(out, seg.item)
		}
	}
	return out
}

// Render fills the format from the registry.
func (f *Format) Render(reg *field.Registry) string {
	var b strings.Builder
	for _, seg := range f.segments {
		b.WriteString(seg.text)
		if seg.hasItem {
			b.WriteString(reg.Get(seg.item))
		}
	}
	return b.String()
}
