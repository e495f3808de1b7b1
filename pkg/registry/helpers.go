package registry

import "rpcgate/pkg/models"

func intp(v int) *int          { return &v }
func floatp(v float64) *float64 { return &v }

func rule(index int, name string, t models.ParamType, required bool, cs ...models.Constraint) models.ParameterRule {
	return models.ParameterRule{Index: index, Name: name, ParamType: t, Required: required, Constraints: cs}
}

func hexLen(n int) models.Constraint {
	return models.Constraint{MinLength: intp(n), MaxLength: intp(n), Pattern: `^[0-9a-fA-F]+$`}
}

func minMaxLen(min, max int) models.Constraint {
	return models.Constraint{MinLength: intp(min), MaxLength: intp(max)}
}

func pattern(p string) models.Constraint {
	return models.Constraint{Pattern: p}
}

func oneOf(vals ...string) models.Constraint {
	return models.Constraint{OneOf: vals}
}

func valueRange(min, max float64) models.Constraint {
	return models.Constraint{MinValue: floatp(min), MaxValue: floatp(max)}
}

func custom(name string) models.Constraint {
	return models.Constraint{Custom: name}
}
