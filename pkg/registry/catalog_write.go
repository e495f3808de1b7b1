package registry

import "rpcgate/pkg/models"

// write holds raw transaction broadcast, which mutates backend state, and
// the read-only viewing-key inspection call. The Payment Service verifies
// /payments/submit with z_viewtransaction through the backend proxy
// directly, not through this registry.
func writeMethods() []models.MethodDefinition {
	return []models.MethodDefinition{
		{
			Name:                "sendrawtransaction",
			ReadOnly:            false,
			RequiredPermissions: []string{"write", "paid"},
			SecurityLevel:       models.SecurityAuthenticated,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "hexstring", models.ParamHexString, true, minMaxLen(2, 1<<20)),
			},
		},
		{
			Name:                "z_viewtransaction",
			ReadOnly:            true,
			RequiredPermissions: []string{"admin"},
			SecurityLevel:       models.SecurityPrivileged,
			Enabled:             true,
			Params: []models.ParameterRule{
				rule(0, "txid", models.ParamHexString, true, hexLen(64)),
			},
		},
	}
}
