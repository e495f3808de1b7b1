package validate

import (
	"encoding/json"
	"testing"

	"rpcgate/pkg/models"
)

func hexRule(index int, name string, n int) models.ParameterRule {
	return models.ParameterRule{
		Index:     index,
		Name:      name,
		ParamType: models.ParamHexString,
		Required:  true,
		Constraints: []models.Constraint{
			{MinLength: intp(n * 2), MaxLength: intp(n * 2), Pattern: `^[0-9a-fA-F]+$`},
		},
	}
}

func intp(v int) *int { return &v }

func TestParamsPositionalArray(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{hexRule(0, "hash", 32)},
	}
	hash64 := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	raw := json.RawMessage(`["` + hash64 + `"]`)

	if f := Params(def, raw); f != nil {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestParamsTooShort(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{hexRule(0, "hash", 32)},
	}
	raw := json.RawMessage(`["deadbeef"]`)

	f := Params(def, raw)
	if f == nil {
		t.Fatalf("expected failure")
	}
	if f.Reason != ReasonTooShort {
		t.Fatalf("expected too_short, got %s", f.Reason)
	}
	if f.RuleIndex != 0 || f.RuleName != "hash" {
		t.Fatalf("unexpected failure detail: %+v", f)
	}
}

func TestParamsMissingRequired(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{hexRule(0, "hash", 32)},
	}
	raw := json.RawMessage(`[]`)

	f := Params(def, raw)
	if f == nil || f.Reason != ReasonMissing {
		t.Fatalf("expected missing failure, got %+v", f)
	}
}

func TestParamsNamedMapping(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "conf_target", ParamType: models.ParamInteger, Required: true,
				Constraints: []models.Constraint{{MinValue: floatp(1), MaxValue: floatp(1008)}}},
		},
	}
	raw := json.RawMessage(`{"conf_target": 6}`)

	if f := Params(def, raw); f != nil {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func floatp(v float64) *float64 { return &v }

func TestParamsOutOfRange(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "conf_target", ParamType: models.ParamInteger, Required: true,
				Constraints: []models.Constraint{{MinValue: floatp(1), MaxValue: floatp(1008)}}},
		},
	}
	raw := json.RawMessage(`{"conf_target": 5000}`)

	f := Params(def, raw)
	if f == nil || f.Reason != ReasonOutOfRange {
		t.Fatalf("expected out_of_range, got %+v", f)
	}
}

func TestParamsNotInEnum(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "type", ParamType: models.ParamString, Required: false,
				Constraints: []models.Constraint{{OneOf: []string{"sapling", "orchard"}}}},
		},
	}
	raw := json.RawMessage(`["transparent"]`)

	f := Params(def, raw)
	if f == nil || f.Reason != ReasonNotInEnum {
		t.Fatalf("expected not_in_enum, got %+v", f)
	}
}

func TestParamsOptionalMissingIsOK(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "type", ParamType: models.ParamString, Required: false,
				Constraints: []models.Constraint{{OneOf: []string{"sapling", "orchard"}}}},
		},
	}
	raw := json.RawMessage(`[]`)

	if f := Params(def, raw); f != nil {
		t.Fatalf("unexpected failure for absent optional param: %+v", f)
	}
}

func TestParamsCustomPredicateRejected(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "address", ParamType: models.ParamString, Required: true,
				Constraints: []models.Constraint{{Custom: "shielded-address-kind"}}},
		},
	}
	raw := json.RawMessage(`["t1notshielded"]`)

	f := Params(def, raw)
	if f == nil || f.Reason != ReasonCustomRejected {
		t.Fatalf("expected custom_rejected, got %+v", f)
	}
}

func TestParamsCustomPredicateAccepted(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "address", ParamType: models.ParamString, Required: true,
				Constraints: []models.Constraint{{Custom: "shielded-address-kind"}}},
		},
	}
	raw := json.RawMessage(`["zs1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"]`)

	if f := Params(def, raw); f != nil {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestParamsWrongType(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "verbose", ParamType: models.ParamBoolean, Required: false},
		},
	}
	raw := json.RawMessage(`["not-a-bool"]`)

	f := Params(def, raw)
	if f == nil || f.Reason != ReasonWrongType {
		t.Fatalf("expected wrong_type, got %+v", f)
	}
}

func TestParamsShortCircuitsAtFirstFailure(t *testing.T) {
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "a", ParamType: models.ParamString, Required: true,
				Constraints: []models.Constraint{{MinLength: intp(10)}}},
			{Index: 1, Name: "b", ParamType: models.ParamString, Required: true,
				Constraints: []models.Constraint{{Custom: "does-not-exist"}}},
		},
	}
	// "a" fails too_short first; "b"'s unregistered predicate must never be reached.
	raw := json.RawMessage(`["short", "x"]`)

	f := Params(def, raw)
	if f == nil || f.RuleName != "a" || f.Reason != ReasonTooShort {
		t.Fatalf("expected short-circuit on rule a, got %+v", f)
	}
}

func TestParamsNoRulesAlwaysOK(t *testing.T) {
	def := models.MethodDefinition{}
	if f := Params(def, json.RawMessage(`["anything"]`)); f != nil {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestRegisterPredicateOverride(t *testing.T) {
	RegisterPredicate("always-true-test", func(interface{}) bool { return true })
	def := models.MethodDefinition{
		Params: []models.ParameterRule{
			{Index: 0, Name: "x", ParamType: models.ParamString, Required: true,
				Constraints: []models.Constraint{{Custom: "always-true-test"}}},
		},
	}
	if f := Params(def, json.RawMessage(`["anything"]`)); f != nil {
		t.Fatalf("unexpected failure: %+v", f)
	}
}
