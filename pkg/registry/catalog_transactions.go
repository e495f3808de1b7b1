package registry

import "rpcgate/pkg/models"

func transactionMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:          "getrawtransaction",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "txid", models.ParamHexString, true, hexLen(64)),
				rule(1, "verbose", models.ParamBoolean, false),
			},
		},
		{
			Name:          "gettransaction",
			ReadOnly:      true,
			RequiredPermissions: []string{"read"},
			SecurityLevel: models.SecurityAuthenticated,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "txid", models.ParamHexString, true, hexLen(64)),
			},
		},
		{
			Name:                "decoderawtransaction",
			ReadOnly:            true,
			RequiredPermissions: []string{"read"},
			SecurityLevel:       models.SecurityAuthenticated,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "hexstring", models.ParamHexString, true, minMaxLen(2, 1<<20)),
			},
		},
	}
}
