// Package classify maps statement descriptors and server messages to audit classes.
package classify

import (
	"strings"

	"duck-audit/internal/domain"
)

// Class is a bitmask of audit classes. Rules filter on it with a bitmap test.
type Class uint32

// Audit class bits.
const (
	ClassBackup   Class = 1 << 0 // base backup through replication
	ClassConnect  Class = 1 << 1 // connection, disconnection
	ClassDDL      Class = 1 << 2 // CREATE/DROP/ALTER objects
	ClassError    Class = 1 << 3 // statement or session errors
	ClassFunction Class = 1 << 4 // function calls and DO blocks
	ClassMisc     Class = 1 << 5 // statements not covered elsewhere
	ClassRead     Class = 1 << 6 // SELECT, COPY TO
	ClassRole     Class = 1 << 7 // GRANT/REVOKE, CREATE/ALTER/DROP ROLE
	ClassWrite    Class = 1 << 8 // INSERT, UPDATE, DELETE, TRUNCATE, COPY FROM
	ClassSystem   Class = 1 << 9 // startup, shutdown, interruption

	ClassNone Class = 0
	ClassAll  Class = 0xFFFFFFFF
)

var classNames = []struct {
	class Class
	name  string
}{
	{ClassBackup, "BACKUP"},
	{ClassConnect, "CONNECT"},
	{ClassDDL, "DDL"},
	{ClassError, "ERROR"},
	{ClassFunction, "FUNCTION"},
	{ClassMisc, "MISC"},
	{ClassRead, "READ"},
	{ClassRole, "ROLE"},
	{ClassWrite, "WRITE"},
	{ClassSystem, "SYSTEM"},
}

// String returns the class name for a single class bit, "NONE", "ALL", or a
// comma-joined list for a combined mask.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "NONE"
	case ClassAll:
		return "ALL"
	}
	var parts []string
	for _, cn := range classNames {
		if c&cn.class != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseClass resolves a class name case-insensitively. NONE and ALL are accepted.
func ParseClass(name string) (Class, error) {
	name = strings.TrimSpace(name)
	switch {
	case strings.EqualFold(name, "NONE"):
		return ClassNone, nil
	case strings.EqualFold(name, "ALL"):
		return ClassAll, nil
	}
	for _, cn := range classNames {
		if strings.EqualFold(name, cn.name) {
			return cn.class, nil
		}
	}
	return ClassNone, domain.ErrValidation("invalid value %q for class", name)
}

// TableRelevant reports whether events of this class touch relations, in which case
// the object_type and object_id rule slots take part in matching.
func TableRelevant(c Class) bool {
	return c&(ClassRead|ClassWrite|ClassMisc) != 0
}
