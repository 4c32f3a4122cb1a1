package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/audit/record"
	"duck-audit/internal/audit/rule"
	"duck-audit/internal/domain"
	"duck-audit/internal/output"
)

// AuditFile is the audit policy file as written by the administrator.
type AuditFile struct {
	Output OutputSection `yaml:"output" toml:"output"`
	Option OptionSection `yaml:"option" toml:"option"`
	Rules  []RuleSection `yaml:"rules" toml:"rules"`
	Grants []GrantEntry  `yaml:"grants" toml:"grants"`
}

// OutputSection selects where audit lines go.
type OutputSection struct {
	Logger    string      `yaml:"logger" toml:"logger"`
	Level     string      `yaml:"level" toml:"level"`
	PathLog   string      `yaml:"pathlog" toml:"pathlog"`
	Facility  string      `yaml:"facility" toml:"facility"`
	Priority  string      `yaml:"priority" toml:"priority"`
	Ident     string      `yaml:"ident" toml:"ident"`
	Option    string      `yaml:"option" toml:"option"`
	MaxLength int         `yaml:"maxlength" toml:"maxlength"`
	File      FileSection `yaml:"file" toml:"file"`
}

// FileSection configures the rotating file logger.
type FileSection struct {
	Path       string `yaml:"path" toml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   Switch `yaml:"compress" toml:"compress"`
}

// OptionSection holds the session-wide toggles.
type OptionSection struct {
	Role             string `yaml:"role" toml:"role"`
	LogCatalog       Switch `yaml:"log_catalog" toml:"log_catalog"`
	LogParameter     Switch `yaml:"log_parameter" toml:"log_parameter"`
	LogStatementOnce Switch `yaml:"log_statement_once" toml:"log_statement_once"`
	LogLevel         string `yaml:"log_level" toml:"log_level"`
}

// RuleSection is one rule section. Unset filters match everything.
type RuleSection struct {
	Format          string `yaml:"format" toml:"format"`
	Timestamp       Filter `yaml:"timestamp" toml:"timestamp"`
	Database        Filter `yaml:"database" toml:"database"`
	AuditRole       Filter `yaml:"audit_role" toml:"audit_role"`
	Class           Filter `yaml:"class" toml:"class"`
	CommandTag      Filter `yaml:"command_tag" toml:"command_tag"`
	ObjectType      Filter `yaml:"object_type" toml:"object_type"`
	ObjectID        Filter `yaml:"object_id" toml:"object_id"`
	ApplicationName Filter `yaml:"application_name" toml:"application_name"`
	RemoteHost      Filter `yaml:"remote_host" toml:"remote_host"`
	RemotePort      Filter `yaml:"remote_port" toml:"remote_port"`
}

func (r *RuleSection) filters() [rule.NumSlots]Filter {
	return [rule.NumSlots]Filter{
		rule.SlotTimestamp:       r.Timestamp,
		rule.SlotDatabase:        r.Database,
		rule.SlotAuditRole:       r.AuditRole,
		rule.SlotClass:           r.Class,
		rule.SlotCommandTag:      r.CommandTag,
		rule.SlotObjectType:      r.ObjectType,
		rule.SlotObjectID:        r.ObjectID,
		rule.SlotApplicationName: r.ApplicationName,
		rule.SlotRemoteHost:      r.RemoteHost,
		rule.SlotRemotePort:      r.RemotePort,
	}
}

// GrantEntry declares privileges held by a role on a relation.
type GrantEntry struct {
	Role       string `yaml:"role" toml:"role"`
	Object     string `yaml:"object" toml:"object"`
	Privileges List   `yaml:"privileges" toml:"privileges"`
	Columns    List   `yaml:"columns" toml:"columns"`
}

// AuditConfig is a validated policy file.
type AuditConfig struct {
	Policy *audit.Policy
	Output output.Settings
}

// LoadAuditConfig reads and validates a policy file. The format follows the
// extension: .toml is TOML, anything else YAML.
func LoadAuditConfig(path string) (*AuditConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read audit config: %w", err)
	}
	f, err := ParseAuditFile(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg, err := f.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseAuditFile decodes a policy document. Unknown keys are rejected.
func ParseAuditFile(data []byte, ext string) (*AuditFile, error) {
	var f AuditFile
	if strings.EqualFold(ext, ".toml") {
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, domain.ErrValidation("parse TOML: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, domain.ErrValidation("unknown keys: %s", strings.Join(keys, ", "))
		}
		return &f, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.ErrValidation("parse YAML: %v", err)
	}
	return &f, nil
}

// Build validates the document and produces the policy and output settings.
// Every problem is reported, each naming its field.
func (f *AuditFile) Build() (*AuditConfig, error) {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, domain.ErrValidation(format, args...))
	}

	out := output.DefaultSettings()
	o := f.Output
	setIf(&out.Logger, strings.ToLower(o.Logger))
	setIf(&out.Level, f.Option.LogLevel)
	setIf(&out.Level, o.Level)
	setIf(&out.PathLog, o.PathLog)
	setIf(&out.Facility, o.Facility)
	setIf(&out.Priority, o.Priority)
	setIf(&out.Ident, o.Ident)
	// Syslog headers always carry the process id, so "pid" is the only
	// behavior; "none" and "" are accepted for existing policy files.
	switch strings.ToLower(o.Option) {
	case "", "pid", "none":
	default:
		fail("output.option: unsupported value %q (want pid)", o.Option)
	}
	out.MaxLength = o.MaxLength
	out.File = output.FileSettings{
		Path:       o.File.Path,
		MaxSizeMB:  o.File.MaxSizeMB,
		MaxBackups: o.File.MaxBackups,
		MaxAgeDays: o.File.MaxAgeDays,
		Compress:   o.File.Compress.On(false),
	}
	if err := out.Validate(); err != nil {
		errs = append(errs, err)
	}

	def := audit.DefaultPolicy().Options
	p := &audit.Policy{
		Options: audit.Options{
			Role:             strings.TrimSpace(f.Option.Role),
			LogCatalog:       f.Option.LogCatalog.On(def.LogCatalog),
			LogParameter:     f.Option.LogParameter.On(def.LogParameter),
			LogStatementOnce: f.Option.LogStatementOnce.On(def.LogStatementOnce),
		},
	}
	for _, sw := range []struct {
		name string
		s    Switch
	}{
		{"option.log_catalog", f.Option.LogCatalog},
		{"option.log_parameter", f.Option.LogParameter},
		{"option.log_statement_once", f.Option.LogStatementOnce},
		{"output.file.compress", f.Output.File.Compress},
	} {
		if err := sw.s.Validate(); err != nil {
			fail("%s: %v", sw.name, err)
		}
	}

	for i := range f.Rules {
		section := &f.Rules[i]
		cfg := rule.NewConfig()
		for slot, flt := range section.filters() {
			if !flt.Set {
				continue
			}
			r, err := buildRule(rule.Slot(slot), flt)
			if err != nil {
				fail("rules[%d].%s: %v", i, rule.Slot(slot), err)
				continue
			}
			cfg.Rules[slot] = r
		}

		var format *record.Format
		if section.Format != "" {
			parsed, err := record.ParseFormat(section.Format)
			if err != nil {
				fail("rules[%d].format: %v", i, err)
			}
			format = parsed
			cfg.Format = section.Format
		}
		p.Rules = append(p.Rules, cfg)
		p.Formats = append(p.Formats, format)
	}

	for i, g := range f.Grants {
		grant := audit.Grant{Role: strings.TrimSpace(g.Role), Object: strings.TrimSpace(g.Object), Columns: g.Columns}
		if grant.Role == "" {
			fail("grants[%d].role is required", i)
		}
		if grant.Object == "" {
			fail("grants[%d].object is required", i)
		}
		if len(g.Privileges) == 0 {
			fail("grants[%d].privileges is required", i)
		}
		for _, name := range g.Privileges {
			a, err := audit.ParseAccess(name)
			if err != nil {
				fail("grants[%d].privileges: %v", i, err)
				continue
			}
			grant.Privileges |= a
		}
		p.Grants = append(p.Grants, grant)
	}
	if len(p.Grants) > 0 && p.Options.Role == "" {
		fail("option.role is required when grants are declared")
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &AuditConfig{Policy: p, Output: out}, nil
}

func buildRule(slot rule.Slot, f Filter) (rule.Rule, error) {
	eq, err := rule.ParseOp(f.Op)
	if err != nil {
		return rule.Rule{}, err
	}
	// The matcher honors "!=" on timestamp ranges only.
	if !eq && slot != rule.SlotTimestamp {
		return rule.Rule{}, fmt.Errorf(`op "!=" is only supported for timestamp`)
	}
	r := rule.Rule{Field: slot.String(), Kind: slot.Kind(), Eq: eq}

	switch slot {
	case rule.SlotTimestamp:
		v, err := rule.ParseIntervals(f.Value)
		if err != nil {
			return r, err
		}
		r.Value = v
	case rule.SlotClass:
		var bits classify.Class
		for _, name := range rule.ParseStringSet(f.Value) {
			c, err := classify.ParseClass(name)
			if err != nil {
				return r, err
			}
			bits |= c
		}
		r.Value = rule.Bitmap(bits)
	case rule.SlotObjectType:
		var bits classify.ObjectType
		for _, name := range rule.ParseStringSet(f.Value) {
			ot, err := classify.ParseObjectType(name)
			if err != nil {
				return r, err
			}
			bits |= ot
		}
		r.Value = rule.Bitmap(bits)
	case rule.SlotAuditRole, rule.SlotRemotePort:
		v, err := rule.ParseIntegers(f.Value)
		if err != nil {
			return r, err
		}
		r.Value = v
	default:
		r.Value = rule.ParseStringSet(f.Value)
	}
	return r, nil
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Filter is a rule filter: either a bare value (operator "=") or a mapping
// with op and value. A list value is joined with commas.
type Filter struct {
	Op    string
	Value string
	Set   bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Filter) UnmarshalYAML(n *yaml.Node) error {
	f.Set = true
	switch n.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		v, err := yamlValue(n)
		f.Value = v
		return err
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			switch key {
			case "op":
				f.Op = val.Value
			case "value":
				v, err := yamlValue(val)
				if err != nil {
					return err
				}
				f.Value = v
			default:
				return fmt.Errorf("line %d: unknown filter key %q (want op, value)", n.Content[i].Line, key)
			}
		}
		return nil
	}
	return fmt.Errorf("line %d: filter must be a value or {op, value}", n.Line)
}

func yamlValue(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("line %d: list items must be scalars", item.Line)
			}
			parts = append(parts, item.Value)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("line %d: expected a value or a list", n.Line)
}

// UnmarshalTOML implements toml.Unmarshaler.
func (f *Filter) UnmarshalTOML(data interface{}) error {
	f.Set = true
	if m, ok := data.(map[string]interface{}); ok {
		for key, val := range m {
			switch key {
			case "op":
				s, ok := val.(string)
				if !ok {
					return fmt.Errorf("filter op must be a string")
				}
				f.Op = s
			case "value":
				v, err := tomlValue(val)
				if err != nil {
					return err
				}
				f.Value = v
			default:
				return fmt.Errorf("unknown filter key %q (want op, value)", key)
			}
		}
		return nil
	}
	v, err := tomlValue(data)
	f.Value = v
	return err
}

func tomlValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, err := tomlValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported filter value %v (%T)", v, v)
}

// List is a string list written either as a sequence or as a comma
// separated string.
type List []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *List) UnmarshalYAML(n *yaml.Node) error {
	v, err := yamlValue(n)
	if err != nil {
		return err
	}
	*l = List(rule.ParseStringSet(v))
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (l *List) UnmarshalTOML(data interface{}) error {
	v, err := tomlValue(data)
	if err != nil {
		return err
	}
	*l = List(rule.ParseStringSet(v))
	return nil
}

// Switch is a boolean option accepting on/off, true/false, yes/no and 1/0.
type Switch struct {
	raw string
	set bool
}

// On returns the switch value, or def when unset or invalid.
func (s Switch) On(def bool) bool {
	if !s.set {
		return def
	}
	v, ok := parseSwitch(s.raw)
	if !ok {
		return def
	}
	return v
}

// Validate reports a value that is not a recognized boolean.
func (s Switch) Validate() error {
	if !s.set {
		return nil
	}
	if _, ok := parseSwitch(s.raw); !ok {
		return fmt.Errorf("invalid boolean %q", s.raw)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Switch) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a boolean", n.Line)
	}
	s.raw, s.set = n.Value, true
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Switch) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case bool:
		s.raw = strconv.FormatBool(v)
	case string:
		s.raw = v
	case int64:
		s.raw = strconv.FormatInt(v, 10)
	default:
		return fmt.Errorf("expected a boolean, got %T", data)
	}
	s.set = true
	return nil
}

func parseSwitch(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1":
		return true, true
	case "off", "false", "no", "0":
		return false, true
	}
	return false, false
}
