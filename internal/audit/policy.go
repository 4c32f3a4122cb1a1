package audit

import (
	"strings"
	"sync/atomic"

	"duck-audit/internal/audit/record"
	"duck-audit/internal/audit/rule"
	"duck-audit/internal/domain"
)

// Options are the session-wide audit toggles.
type Options struct {
	LogParameter     bool
	LogStatementOnce bool
	LogCatalog       bool
	Role             string // audit role; grants to it mark objects for object logging
}

func (o Options) record() record.Options {
	return record.Options{LogParameter: o.LogParameter, LogStatementOnce: o.LogStatementOnce}
}

// Policy is a validated audit configuration.
type Policy struct {
	Rules   rule.Set
	Formats []*record.Format // parallel to Rules; nil prints the canonical line
	Options Options
	Grants  Grants
}

// DefaultPolicy logs nothing through rules and includes catalog relations.
func DefaultPolicy() *Policy {
	return &Policy{Options: Options{LogCatalog: true}}
}

func (p *Policy) format(i int) *record.Format {
	if i < len(p.Formats) {
		return p.Formats[i]
	}
	return nil
}

// PolicyHolder publishes the current policy to every session.
type PolicyHolder struct {
	current atomic.Pointer[Policy]
}

// NewPolicyHolder returns a holder serving p, or DefaultPolicy when p is nil.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Store(p)
	return h
}

// Load returns the current policy.
func (h *PolicyHolder) Load() *Policy {
	return h.current.Load()
}

// Store replaces the current policy. Statements already in flight keep the policy
// they started with.
func (h *PolicyHolder) Store(p *Policy) {
	if p == nil {
		p = DefaultPolicy()
	}
	h.current.Store(p)
}

// Access is a set of relation privileges required by a statement.
type Access uint8

// Relation privileges.
const (
	AccessSelect Access = 1 << iota
	AccessInsert
	AccessUpdate
	AccessDelete

	AccessAll = AccessSelect | AccessInsert | AccessUpdate | AccessDelete
)

var accessNames = []struct {
	bit  Access
	name string
}{
	{AccessSelect, "SELECT"},
	{AccessInsert, "INSERT"},
	{AccessUpdate, "UPDATE"},
	{AccessDelete, "DELETE"},
}

func (a Access) String() string {
	var parts []string
	for _, an := range accessNames {
		if a&an.bit != 0 {
			parts = append(parts, an.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseAccess resolves a privilege name. ALL grants every privilege.
func ParseAccess(name string) (Access, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "ALL") {
		return AccessAll, nil
	}
	for _, an := range accessNames {
		if strings.EqualFold(name, an.name) {
			return an.bit, nil
		}
	}
	return 0, domain.ErrValidation("invalid privilege %q", name)
}

// ObjectAccess is one relation a statement touches.
type ObjectAccess struct {
	Schema  string
	Name    string
	Type    string // display object type, e.g. "TABLE"
	Access  Access
	Columns []string
	Catalog bool // relation lives in a system schema
	Granted bool // the audit role holds a matching privilege
}

// QualifiedName returns schema.name, or name when there is no schema.
func (o ObjectAccess) QualifiedName() string {
	if o.Schema == "" {
		return o.Name
	}
	return o.Schema + "." + o.Name
}

// Grant is a privilege held by a role on a relation, optionally limited to columns.
type Grant struct {
	Role       string
	Object     string
	Privileges Access
	Columns    []string
}

// Grants is the declarative grant catalog.
type Grants []Grant

// Granted reports whether role holds any of the privileges the access requires.
// Column grants apply when the statement touches one of the granted columns.
func (g Grants) Granted(role string, obj ObjectAccess) bool {
	if role == "" || obj.Access == 0 {
		return false
	}
	qualified := obj.QualifiedName()
	for _, grant := range g {
		if !strings.EqualFold(grant.Role, role) || grant.Privileges&obj.Access == 0 {
			continue
		}
		if !strings.EqualFold(grant.Object, qualified) && !strings.EqualFold(grant.Object, obj.Name) {
			continue
		}
		if len(grant.Columns) == 0 {
			return true
		}
		for _, want := range grant.Columns {
			for _, col := range obj.Columns {
				if strings.EqualFold(want, col) {
					return true
				}
			}
		}
	}
	return false
}
