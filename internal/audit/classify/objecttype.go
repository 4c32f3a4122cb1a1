package classify

import (
	"strings"

	"duck-audit/internal/domain"
)

// ObjectType is a bitmask of relation kinds, used by the object_type rule slot.
type ObjectType uint32

// Object type bits.
const (
	ObjectTable         ObjectType = 0x0001
	ObjectIndex         ObjectType = 0x0002
	ObjectSequence      ObjectType = 0x0004
	ObjectToastValue    ObjectType = 0x0008
	ObjectView          ObjectType = 0x0010
	ObjectMatView       ObjectType = 0x0020
	ObjectCompositeType ObjectType = 0x0040
	ObjectForeignTable  ObjectType = 0x0080
	ObjectFunction      ObjectType = 0x0100
	ObjectUnknown       ObjectType = 0x0200
	ObjectAll           ObjectType = 0x0FFF
)

// objectTypes lists the display name printed in audit lines and the underscore form
// accepted in policy files.
var objectTypes = []struct {
	bit     ObjectType
	display string
	config  string
}{
	{ObjectTable, "TABLE", "TABLE"},
	{ObjectIndex, "INDEX", "INDEX"},
	{ObjectSequence, "SEQUENCE", "SEQUENCE"},
	{ObjectToastValue, "TOAST VALUE", "TOAST_VALUE"},
	{ObjectView, "VIEW", "VIEW"},
	{ObjectMatView, "MATERIALIZED VIEW", "MATERIALIZED_VIEW"},
	{ObjectCompositeType, "COMPOSITE TYPE", "COMPOSITE_TYPE"},
	{ObjectForeignTable, "FOREIGN TABLE", "FOREIGN_TABLE"},
	{ObjectFunction, "FUNCTION", "FUNCTION"},
	{ObjectUnknown, "UNKNOWN", "UNKNOWN"},
}

// String returns the display name of a single object type bit.
func (o ObjectType) String() string {
	for _, ot := range objectTypes {
		if ot.bit == o {
			return ot.display
		}
	}
	if o == ObjectAll {
		return "ALL"
	}
	return ""
}

// ParseObjectType accepts either the display form ("MATERIALIZED VIEW") or the
// configuration form ("MATERIALIZED_VIEW"), case-insensitively. ALL is accepted.
func ParseObjectType(name string) (ObjectType, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "ALL") {
		return ObjectAll, nil
	}
	for _, ot := range objectTypes {
		if strings.EqualFold(name, ot.display) || strings.EqualFold(name, ot.config) {
			return ot.bit, nil
		}
	}
	return 0, domain.ErrValidation("invalid value %q for object_type", name)
}

// ObjectTypeBit returns the bit for a display name carried on an event, or 0 when
// the event has no object type.
func ObjectTypeBit(display string) ObjectType {
	if display == "" {
		return 0
	}
	bit, err := ParseObjectType(display)
	if err != nil {
		return ObjectUnknown
	}
	return bit
}
