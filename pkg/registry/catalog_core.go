package registry

import "rpcgate/pkg/models"

func coreMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:          "getinfo",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
		{
			Name:          "getblockchaininfo",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
		{
			Name:          "getnetworkinfo",
			ReadOnly:      true,
			SecurityLevel: models.SecurityPublic,
			Enabled:       true,
		},
		{
			Name:                "stop",
			ReadOnly:            false,
			RequiredPermissions: []string{"admin"},
			SecurityLevel:       models.SecurityPrivileged,
			Enabled:             false, // never reachable over the public gateway
		},
	}
}
