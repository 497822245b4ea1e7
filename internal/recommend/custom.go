package recommend

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/yaml"
)

// Operator compares a snapshot field with a rule value.
type Operator string

const (
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpMatches   Operator = "matches"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpIn        Operator = "in"
)

var validOperators = map[Operator]bool{
	OpExists: true, OpNotExists: true, OpEquals: true, OpNotEquals: true,
	OpContains: true, OpMatches: true,
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpIn: true,
}

// Condition is either a field comparison or a combination of conditions.
// Fields are dotted paths into the snapshot, e.g.
// "disk_space.drives.0.percent_used" or "metadata.checks.SYSTEM_INFO.os".
type Condition struct {
	Field string      `yaml:"field,omitempty"`
	Op    Operator    `yaml:"op,omitempty"`
	Value any         `yaml:"value,omitempty"`
	All   []Condition `yaml:"all,omitempty"`
	Any   []Condition `yaml:"any,omitempty"`
	Not   *Condition  `yaml:"not,omitempty"`

	re *regexp.Regexp
}

// CustomRule emits one recommendation when When holds. "{machine}" in Text
// is replaced with the machine id.
type CustomRule struct {
	ID       string    `yaml:"id"`
	Type     string    `yaml:"type"`
	Severity string    `yaml:"severity"`
	Text     string    `yaml:"text"`
	When     Condition `yaml:"when"`
}

type rulesFile struct {
	yaml.Header `yaml:",inline"`
	Rules       []CustomRule `yaml:"rules"`
}

// LoadCustomRules reads and validates a recommendation_rules file.
func LoadCustomRules(path string) ([]CustomRule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.ValidateHeader(content, yaml.FileTypeRecommendationRules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var f rulesFile
	if err := yamlv3.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	var errs *multierror.Error
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		name := r.ID
		if name == "" {
			name = fmt.Sprintf("rules[%d]", i)
			errs = multierror.Append(errs, fmt.Errorf("%s: id is required", name))
		} else if seen[name] {
			errs = multierror.Append(errs, fmt.Errorf("%s: duplicate id", name))
		}
		seen[name] = true

		if r.Type == "" {
			r.Type = "custom"
		}
		if r.Severity == "" {
			r.Severity = SeverityWarning
		}
		if _, ok := severityRank[r.Severity]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: unknown severity %q", name, r.Severity))
		}
		if strings.TrimSpace(r.Text) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: text is required", name))
		}
		if err := compile(&r.When); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// compile validates c and precompiles its regular expressions.
func compile(c *Condition) error {
	kinds := 0
	if c.Field != "" {
		kinds++
	}
	if len(c.All) > 0 {
		kinds++
	}
	if len(c.Any) > 0 {
		kinds++
	}
	if c.Not != nil {
		kinds++
	}
	if kinds != 1 {
		return errors.New("condition needs exactly one of field, all, any or not")
	}

	for i := range c.All {
		if err := compile(&c.All[i]); err != nil {
			return err
		}
	}
	for i := range c.Any {
		if err := compile(&c.Any[i]); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return compile(c.Not)
	}
	if c.Field == "" {
		return nil
	}

	if !validOperators[c.Op] {
		return fmt.Errorf("field %s: unknown op %q", c.Field, c.Op)
	}
	switch c.Op {
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("field %s: matches needs a string pattern", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("field %s: %w", c.Field, err)
		}
		c.re = re
	case OpGT, OpGTE, OpLT, OpLTE:
		if _, err := cast.ToFloat64E(c.Value); err != nil {
			return fmt.Errorf("field %s: %s needs a number", c.Field, c.Op)
		}
	}
	return nil
}

func evaluateCustom(custom []CustomRule, snap *model.HealthSnapshot) []model.Recommendation {
	if len(custom) == 0 {
		return nil
	}
	view := snapshotView(snap)
	var out []model.Recommendation
	for _, r := range custom {
		if !r.When.holds(view) {
			continue
		}
		out = append(out, model.Recommendation{
			Type:     r.Type,
			Severity: r.Severity,
			Text:     strings.ReplaceAll(r.Text, "{machine}", snap.MachineID),
		})
	}
	return out
}

func snapshotView(s *model.HealthSnapshot) map[string]any {
	return map[string]any{
		"overall_status":   string(s.OverallStatus),
		"checks_completed": s.ChecksCompleted,
		"checks_failed":    s.ChecksFailed,
		"disk_space":       s.DiskSpaceInfo,
		"resources":        s.ResourceOptInfo,
		"windows_updates":  s.WindowsUpdateInfo,
		"defender":         s.DefenderStatus,
		"applications":     s.ApplicationInventory,
		"metadata":         s.Metadata,
	}
}

// lookup walks a dotted path through maps and slices.
func lookup(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return nil, false
		}
		if m, err := cast.ToStringMapE(cur); err == nil {
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
			continue
		}
		list, err := cast.ToSliceE(cur)
		if err != nil {
			return nil, false
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(list) {
			return nil, false
		}
		cur = list[idx]
	}
	return cur, cur != nil
}

func (c *Condition) holds(view map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].holds(view) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].holds(view) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.holds(view)
	}

	v, ok := lookup(view, c.Field)
	switch c.Op {
	case OpExists:
		return ok && v != ""
	case OpNotExists:
		return !ok || v == ""
	case OpNotEquals:
		return !ok || !strings.EqualFold(cast.ToString(v), cast.ToString(c.Value))
	}
	if !ok {
		return false
	}

	switch c.Op {
	case OpEquals:
		return strings.EqualFold(cast.ToString(v), cast.ToString(c.Value))
	case OpContains:
		if list, err := cast.ToSliceE(v); err == nil {
			for _, item := range list {
				if strings.EqualFold(cast.ToString(item), cast.ToString(c.Value)) {
					return true
				}
			}
			return false
		}
		return strings.Contains(strings.ToLower(cast.ToString(v)), strings.ToLower(cast.ToString(c.Value)))
	case OpMatches:
		return c.re != nil && c.re.MatchString(cast.ToString(v))
	case OpIn:
		for _, item := range cast.ToSlice(c.Value) {
			if strings.EqualFold(cast.ToString(v), cast.ToString(item)) {
				return true
			}
		}
		return false
	}

	a, err := cast.ToFloat64E(v)
	if err != nil {
		return false
	}
	b := cast.ToFloat64(c.Value)
	switch c.Op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	}
	return false
}
