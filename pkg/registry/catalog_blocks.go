package registry

import "rpcgate/pkg/models"

func blockMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:          "getblock",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "hash", models.ParamHexString, true, hexLen(64)),
				rule(1, "verbosity", models.ParamInteger, false, valueRange(0, 2)),
			},
		},
		{
			Name:          "getblockhash",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "height", models.ParamInteger, true, valueRange(0, 1<<31)),
			},
		},
		{
			Name:          "getblockheader",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
			Params: []models.ParameterRule{
				rule(0, "hash", models.ParamHexString, true, hexLen(64)),
				rule(1, "verbose", models.ParamBoolean, false),
			},
		},
		{
			Name:          "getblockcount",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
	}
}
