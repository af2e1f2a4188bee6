package ability

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// Rule allows one action on one subject type.
type Rule struct {
	Action  Action      `yaml:"action"`
	Subject SubjectType `yaml:"subject"`
}

type roleDefinition struct {
	Inherits []Role `yaml:"inherits"`
	Rules    []Rule `yaml:"rules"`
}

type policyDocument struct {
	Roles map[Role]roleDefinition `yaml:"roles"`
}

// Policy holds the flattened rule set of every role.
type Policy struct {
	rules map[Role][]Rule
}

// DefaultPolicy returns the built-in role policy.
func DefaultPolicy() *Policy {
	policy, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("ability: invalid embedded policy: %v", err))
	}
	return policy
}

// LoadPolicy reads a YAML policy file. An empty path yields the default policy.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return policy, nil
}

func ParsePolicy(data []byte) (*Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if len(doc.Roles) == 0 {
		return nil, fmt.Errorf("policy defines no roles")
	}

	for role, def := range doc.Roles {
		if _, ok := knownRoles[role]; !ok {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		for _, parent := range def.Inherits {
			if _, ok := doc.Roles[parent]; !ok {
				return nil, fmt.Errorf("role %q inherits undefined role %q", role, parent)
			}
		}
		for _, rule := range def.Rules {
			if _, ok := knownActions[rule.Action]; !ok {
				return nil, fmt.Errorf("role %q: unknown action %q", role, rule.Action)
			}
			if _, ok := knownSubjects[rule.Subject]; !ok {
				return nil, fmt.Errorf("role %q: unknown subject %q", role, rule.Subject)
			}
		}
	}

	policy := &Policy{rules: make(map[Role][]Rule, len(doc.Roles))}
	for role := range doc.Roles {
		rules, err := flatten(doc.Roles, role, map[Role]bool{})
		if err != nil {
			return nil, err
		}
		policy.rules[role] = rules
	}
	return policy, nil
}

func flatten(defs map[Role]roleDefinition, role Role, visiting map[Role]bool) ([]Rule, error) {
	if visiting[role] {
		return nil, fmt.Errorf("role inheritance cycle at %q", role)
	}
	visiting[role] = true
	defer delete(visiting, role)

	def := defs[role]
	rules := append([]Rule(nil), def.Rules...)
	for _, parent := range def.Inherits {
		inherited, err := flatten(defs, parent, visiting)
		if err != nil {
			return nil, err
		}
		rules = append(rules, inherited...)
	}
	return rules, nil
}

// Rules returns the effective rules of a role, inherited ones included.
func (p *Policy) Rules(role Role) []Rule {
	return append([]Rule(nil), p.rules[role]...)
}

// Can reports whether any of the user's grants that cover the subject allows
// the action.
func (p *Policy) Can(user User, action Action, subject Subject) bool {
	for _, grant := range user.Grants {
		if !grant.covers(user, subject) {
			continue
		}
		for _, rule := range p.rules[grant.Role] {
			if rule.allows(action, subject.Type) {
				return true
			}
		}
	}
	return false
}

// Cannot is the negation of Can.
func (p *Policy) Cannot(user User, action Action, subject Subject) bool {
	return !p.Can(user, action, subject)
}

func (r Rule) allows(action Action, subject SubjectType) bool {
	if r.Subject != SubjectAll && r.Subject != subject {
		return false
	}
	return r.Action == ActionManage || r.Action == action
}
