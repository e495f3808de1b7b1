package registry

import "rpcgate/pkg/models"

func identityMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:                "validateaddress",
			ReadOnly:            true,
			SecurityLevel:       models.SecurityPublic,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "address", models.ParamString, true, minMaxLen(1, 256), custom("shielded-address-kind")),
			},
		},
		{
			Name:                "z_getnewaddress",
			ReadOnly:            false,
			RequiredPermissions: []string{"write"},
			SecurityLevel:       models.SecurityAuthenticated,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "type", models.ParamString, false, oneOf("sapling", "orchard")),
			},
		},
	}
}
