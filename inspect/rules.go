package inspect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mimekit/internal/expand"
)

type Action int

const (
	Accept Action = iota
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return "unknown"
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "accept":
		return Accept, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Rule matches parts by content type and file name. A missing pattern
// matches any value.
type Rule struct {
	ContentType *regexp.Regexp
	Name        *regexp.Regexp
	Action      Action
}

func (r Rule) Match(contentType, name string) bool {
	if r.ContentType != nil && !r.ContentType.MatchString(contentType) {
		return false
	}
	if r.Name != nil && !r.Name.MatchString(name) {
		return false
	}
	return true
}

func (r Rule) String() string {
	var sb strings.Builder
	if r.ContentType != nil {
		fmt.Fprintf(&sb, "content_type=~%s ", r.ContentType)
	}
	if r.Name != nil {
		fmt.Fprintf(&sb, "name=~%s ", r.Name)
	}
	sb.WriteString(r.Action.String())
	return sb.String()
}

func compilePattern(v interface{}, key string) (*regexp.Regexp, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("key '%s' is not a string", key)
	}
	return regexp.Compile(expand.Expand(s, expand.Env))
}

func (r *Rule) UnmarshalStructure(v map[string]interface{}) error {
	ct, err := compilePattern(v["content_type"], "content_type")
	if err != nil {
		return err
	}
	name, err := compilePattern(v["name"], "name")
	if err != nil {
		return err
	}
	if ct == nil && name == nil {
		return fmt.Errorf("rule has neither 'content_type' nor 'name'")
	}
	action, ok := v["action"].(string)
	if !ok {
		return fmt.Errorf("key 'action' is not a string")
	}
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	*r = Rule{ContentType: ct, Name: name, Action: a}
	return nil
}

// Rules is an ordered rule list; the first rule matching a part decides
// what happens to it. It unmarshals from either a list of rule objects or
// a mapping of content type patterns to actions.
type Rules []Rule

// Evaluate returns the first rule matching the given part attributes.
func (rs Rules) Evaluate(contentType, name string) (Rule, bool) {
	for _, r := range rs {
		if r.Match(contentType, name) {
			return r, true
		}
	}
	return Rule{}, false
}

func (rs *Rules) UnmarshalJSON(b []byte) error {
	var rules interface{}
	if err := json.Unmarshal(b, &rules); err != nil {
		return err
	}
	return rs.unmarshalInner(rules)
}

func (rs *Rules) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		// keep the document order of a mapping
		_rs := make(Rules, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var match, action string
			if err := n.Content[i].Decode(&match); err != nil {
				return err
			}
			if err := n.Content[i+1].Decode(&action); err != nil {
				return fmt.Errorf("value for key %q is not a string", match)
			}
			r, err := patternRule(match, action)
			if err != nil {
				return err
			}
			_rs = append(_rs, r)
		}
		*rs = _rs
		return nil
	}
	var rules interface{}
	if err := n.Decode(&rules); err != nil {
		return err
	}
	return rs.unmarshalInner(rules)
}

// UnmarshalTOML implements toml.Unmarshaler.
func (rs *Rules) UnmarshalTOML(v interface{}) error {
	return rs.unmarshalInner(v)
}

func patternRule(match, action string) (Rule, error) {
	r, err := regexp.Compile(expand.Expand(match, expand.Env))
	if err != nil {
		return Rule{}, err
	}
	a, err := ParseAction(action)
	if err != nil {
		return Rule{}, err
	}
	return Rule{ContentType: r, Action: a}, nil
}

func (rs *Rules) unmarshalInner(rules interface{}) error {
	switch rules := rules.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(rules))
		for k := range rules {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_rs := make(Rules, 0, len(rules))
		for _, match := range keys {
			action, ok := rules[match].(string)
			if !ok {
				return fmt.Errorf("value for key %q is not a string", match)
			}
			r, err := patternRule(match, action)
			if err != nil {
				return err
			}
			_rs = append(_rs, r)
		}
		*rs = _rs
	case []interface{}:
		_rs := make(Rules, 0, len(rules))
		for _, r := range rules {
			m, ok := r.(map[string]interface{})
			if !ok {
				return fmt.Errorf("rule is not an object")
			}
			var rule Rule
			if err := rule.UnmarshalStructure(m); err != nil {
				return err
			}
			_rs = append(_rs, rule)
		}
		*rs = _rs
	case []map[string]interface{}:
		_rs := make(Rules, 0, len(rules))
		for _, m := range rules {
			var rule Rule
			if err := rule.UnmarshalStructure(m); err != nil {
				return err
			}
			_rs = append(_rs, rule)
		}
		*rs = _rs
	default:
		return fmt.Errorf("rules is not an object or an array")
	}
	return nil
}
