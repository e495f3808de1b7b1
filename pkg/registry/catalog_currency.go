package registry

import "rpcgate/pkg/models"

func currencyMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:          "getbalance",
			ReadOnly:      true,
			RequiredPermissions: []string{"read"},
			SecurityLevel: models.SecurityAuthenticated,
			Enabled:       true,
		},
		{
			Name:                "z_sendmany",
			ReadOnly:            false,
			RequiredPermissions: []string{"write", "paid"},
			SecurityLevel:       models.SecurityAuthenticated,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "fromaddress", models.ParamString, true, minMaxLen(1, 256)),
				rule(1, "amounts", models.ParamArray, true),
			},
		},
	}
}
