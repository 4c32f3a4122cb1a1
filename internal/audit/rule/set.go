package rule

import "strings"

// Slot indexes the fixed rule array of a section.
type Slot int

// Rule slots, in evaluation order.
const (
	SlotTimestamp Slot = iota
	SlotDatabase
	SlotAuditRole
	SlotClass
	SlotCommandTag
	SlotObjectType
	SlotObjectID
	SlotApplicationName
	SlotRemoteHost
	SlotRemotePort

	NumSlots
)

var template = [NumSlots]struct {
	field string
	kind  Kind
}{
	SlotTimestamp:       {"timestamp", KindTimestamp},
	SlotDatabase:        {"database", KindString},
	SlotAuditRole:       {"audit_role", KindInteger},
	SlotClass:           {"class", KindBitmap},
	SlotCommandTag:      {"command_tag", KindString},
	SlotObjectType:      {"object_type", KindBitmap},
	SlotObjectID:        {"object_id", KindString},
	SlotApplicationName: {"application_name", KindString},
	SlotRemoteHost:      {"remote_host", KindString},
	SlotRemotePort:      {"remote_port", KindInteger},
}

func (s Slot) String() string {
	if s < 0 || s >= NumSlots {
		return "unknown"
	}
	return template[s].field
}

// Kind returns the value kind of the slot.
func (s Slot) Kind() Kind {
	if s < 0 || s >= NumSlots {
		return 0
	}
	return template[s].kind
}

// LookupSlot resolves a field name to its slot.
func LookupSlot(field string) (Slot, bool) {
	for i, t := range template {
		if strings.EqualFold(t.field, field) {
			return Slot(i), true
		}
	}
	return 0, false
}

// Config is one rule section: a rule per slot plus an optional output format.
type Config struct {
	Format string
	Rules  [NumSlots]Rule
}

// NewConfig returns a section in which every slot is unconstrained.
func NewConfig() Config {
	var c Config
	for i, t := range template {
		c.Rules[i] = Rule{Field: t.field, Kind: t.kind, Eq: true}
	}
	return c
}

// Set is the ordered list of rule sections. Sections are evaluated independently.
type Set []Config

// Input carries the runtime field values a section is matched against.
type Input struct {
	SecondOfDay     int
	Database        string
	AuditRole       int64
	Class           uint32
	CommandTag      string
	ObjectType      uint32
	ObjectID        string
	ApplicationName string
	RemoteHost      string
	RemotePort      int64
}

func (in Input) operand(s Slot) Operand {
	switch s {
	case SlotTimestamp:
		return Seconds(in.SecondOfDay)
	case SlotDatabase:
		return String(in.Database)
	case SlotAuditRole:
		return Integer(in.AuditRole)
	case SlotClass:
		return Bits(in.Class)
	case SlotCommandTag:
		return String(in.CommandTag)
	case SlotObjectType:
		return Bits(in.ObjectType)
	case SlotObjectID:
		return String(in.ObjectID)
	case SlotApplicationName:
		return String(in.ApplicationName)
	case SlotRemoteHost:
		return String(in.RemoteHost)
	default:
		return Integer(in.RemotePort)
	}
}

// Match reports whether every slot of the section accepts the input. The
// object_type and object_id slots take part only when tableRelevant is set.
func (c *Config) Match(in Input, tableRelevant bool) bool {
	for s := Slot(0); s < NumSlots; s++ {
		if !tableRelevant && (s == SlotObjectType || s == SlotObjectID) {
			continue
		}
		if !ApplyOne(in.operand(s), c.Rules[s]) {
			return false
		}
	}
	return true
}

// Apply evaluates every section. matchedAny is true when at least one section
// matched; perRule[i] records whether section i did.
func (s Set) Apply(in Input, tableRelevant bool) (matchedAny bool, perRule []bool) {
	perRule = make([]bool, len(s))
	for i := range s {
		if s[i].Match(in, tableRelevant) {
			perRule[i] = true
			matchedAny = true
		}
	}
	return matchedAny, perRule
}
