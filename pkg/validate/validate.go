// Package validate evaluates a Method Definition's Parameter Rules against
// an inbound JSON-RPC params payload, short-circuiting at the first failure.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"rpcgate/pkg/models"
)

// Reason is the failure tag carried by a Failure.
type Reason string

const (
	ReasonMissing         Reason = "missing"
	ReasonWrongType       Reason = "wrong_type"
	ReasonTooShort        Reason = "too_short"
	ReasonTooLong         Reason = "too_long"
	ReasonPatternMismatch Reason = "pattern_mismatch"
	ReasonOutOfRange      Reason = "out_of_range"
	ReasonNotInEnum       Reason = "not_in_enum"
	ReasonCustomRejected  Reason = "custom_rejected"
)

// Failure is returned for the first rule that does not hold.
type Failure struct {
	RuleIndex int
	RuleName  string
	Reason    Reason
}

func (f *Failure) Error() string {
	return fmt.Sprintf("param %q (index %d): %s", f.RuleName, f.RuleIndex, f.Reason)
}

// Predicate is a named custom validator, registered once at startup.
type Predicate func(value interface{}) bool

var (
	predicatesMu sync.RWMutex
	predicates   = map[string]Predicate{
		"hex-32-bytes":          hexOfByteLen(32),
		"hex-64-bytes":          hexOfByteLen(64),
		"shielded-address-kind": isShieldedAddress,
		"positive-amount":       isPositiveAmount,
	}
)

var hexBytesPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

func hexOfByteLen(n int) Predicate {
	return func(value interface{}) bool {
		s, ok := value.(string)
		if !ok {
			return false
		}
		return len(s) == n*2 && hexBytesPattern.MatchString(s)
	}
}

// isShieldedAddress accepts the two recognized shielded address prefixes.
// Real prefix validation (bech32 checksum) belongs to the backend; the
// gateway only rejects values that could not possibly be one.
var shieldedAddressPattern = regexp.MustCompile(`^(zs1|zo1)[0-9a-z]+$`)

func isShieldedAddress(value interface{}) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return shieldedAddressPattern.MatchString(s)
}

func isPositiveAmount(value interface{}) bool {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return err == nil && f > 0
	case float64:
		return v > 0
	default:
		return false
	}
}

// RegisterPredicate adds or overrides a named custom predicate, typically at
// startup. It takes the same lock as predicate lookup in Params.
func RegisterPredicate(name string, p Predicate) {
	predicatesMu.Lock()
	defer predicatesMu.Unlock()
	predicates[name] = p
}

func lookupPredicate(name string) (Predicate, bool) {
	predicatesMu.RLock()
	defer predicatesMu.RUnlock()
	p, ok := predicates[name]
	return p, ok
}

var compiledPatterns sync.Map // string -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if cached, ok := compiledPatterns.Load(p); ok {
		return cached.(*regexp.Regexp), nil
	}
	anchored := p
	if len(anchored) == 0 || anchored[0] != '^' {
		anchored = "^(?:" + anchored + ")$"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, err
	}
	compiledPatterns.Store(p, re)
	return re, nil
}

// Params validates the raw params payload against def's rules, in index
// order, returning the first Failure encountered or nil on success. params
// may decode to either a JSON array (positional) or a JSON object (named).
func Params(def models.MethodDefinition, raw json.RawMessage) *Failure {
	if len(def.Params) == 0 {
		return nil
	}

	slots, err := decodeSlots(raw, def.Params)
	if err != nil {
		// Payload present but shaped wrong (neither array nor object):
		// every rule in index order is reported as missing, the first one wins.
		rules := sortedByIndex(def.Params)
		return &Failure{RuleIndex: rules[0].Index, RuleName: rules[0].Name, Reason: ReasonMissing}
	}

	for _, r := range sortedByIndex(def.Params) {
		value, present := slots[r.Index]
		if !present {
			if r.Required {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonMissing}
			}
			continue
		}
		if f := checkType(r, value); f != nil {
			return f
		}
		for _, c := range r.Constraints {
			if f := checkConstraint(r, value, c); f != nil {
				return f
			}
		}
	}
	return nil
}

func sortedByIndex(rules []models.ParameterRule) []models.ParameterRule {
	out := make([]models.ParameterRule, len(rules))
	copy(out, rules)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Index > out[j].Index; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// decodeSlots maps each rule's index to its decoded value, accepting either
// a positional array or a named mapping keyed by rule name. Positional
// arrays are assigned to rules in index order, by position.
func decodeSlots(raw json.RawMessage, rules []models.ParameterRule) (map[int]interface{}, error) {
	slots := make(map[int]interface{}, len(rules))
	if len(raw) == 0 {
		return slots, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		sorted := sortedByIndex(rules)
		for i, item := range arr {
			if i >= len(sorted) {
				break
			}
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			slots[sorted[i].Index] = v
		}
		return slots, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, r := range rules {
			item, present := obj[r.Name]
			if !present {
				continue
			}
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			slots[r.Index] = v
		}
		return slots, nil
	}

	return nil, fmt.Errorf("validate: params is neither array nor object")
}

func decodeValue(item json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytesReader(item))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func checkType(r models.ParameterRule, value interface{}) *Failure {
	switch r.ParamType {
	case models.ParamString, models.ParamHexString:
		if _, ok := value.(string); !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	case models.ParamInteger:
		n, ok := value.(json.Number)
		if !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
		if _, err := n.Int64(); err != nil {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	case models.ParamNumber:
		n, ok := value.(json.Number)
		if !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
		if _, err := n.Float64(); err != nil {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	case models.ParamBoolean:
		if _, ok := value.(bool); !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	case models.ParamObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	case models.ParamArray:
		if _, ok := value.([]interface{}); !ok {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
		}
	}
	return nil
}

func checkConstraint(r models.ParameterRule, value interface{}, c models.Constraint) *Failure {
	if c.MinLength != nil || c.MaxLength != nil {
		s, ok := value.(string)
		if ok {
			if c.MinLength != nil && len(s) < *c.MinLength {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonTooShort}
			}
			if c.MaxLength != nil && len(s) > *c.MaxLength {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonTooLong}
			}
		}
	}
	if c.Pattern != "" {
		s, ok := value.(string)
		if ok {
			re, err := compilePattern(c.Pattern)
			if err != nil || !re.MatchString(s) {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonPatternMismatch}
			}
		}
	}
	if c.MinValue != nil || c.MaxValue != nil {
		if n, ok := value.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonWrongType}
			}
			if c.MinValue != nil && f < *c.MinValue {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonOutOfRange}
			}
			if c.MaxValue != nil && f > *c.MaxValue {
				return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonOutOfRange}
			}
		}
	}
	if len(c.OneOf) > 0 {
		s, ok := value.(string)
		found := false
		if ok {
			for _, candidate := range c.OneOf {
				if s == candidate {
					found = true
					break
				}
			}
		}
		if !found {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonNotInEnum}
		}
	}
	if c.Custom != "" {
		p, ok := lookupPredicate(c.Custom)
		if !ok || !p(value) {
			return &Failure{RuleIndex: r.Index, RuleName: r.Name, Reason: ReasonCustomRejected}
		}
	}
	return nil
}
