package registry

import "rpcgate/pkg/models"

func utilityMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:          "help",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
		{
			Name:          "getdifficulty",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
		{
			Name:          "estimatefee",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "conf_target", models.ParamInteger, true, valueRange(1, 1008)),
			},
		},
	}
}
