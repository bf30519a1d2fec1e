package config

import (
	"os"
	"strings"
)

// tenantTokenEnvPrefix mirrors the teacher's MEMORY_SERVICE_API_KEYS_<CLIENT_ID>
// pattern (internal/config/compat.go's loadAPIKeysFromEnv), one env var per
// tenant instead of per API client: MEMORY_SERVICE_TENANT_TOKENS_<TENANT_ID>=
// token1,token2,...
const tenantTokenEnvPrefix = "MEMORY_SERVICE_TENANT_TOKENS_"

// LoadTenantTokensFromEnv scans the process environment for tenant bearer
// tokens and returns a token -> tenantID map (spec.md §6 Authentication).
func LoadTenantTokensFromEnv() map[string]string {
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, tenantTokenEnvPrefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		tenantID := strings.ToLower(strings.TrimSpace(env[len(tenantTokenEnvPrefix):eqIdx]))
		if tenantID == "" {
			continue
		}
		for _, tok := range strings.Split(env[eqIdx+1:], ",") {
			token := strings.ToLower(strings.TrimSpace(tok))
			if token == "" {
				continue
			}
			result[token] = tenantID
		}
	}
	return result
}
