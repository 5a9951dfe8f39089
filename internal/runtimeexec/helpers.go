package runtimeexec

import (
	"sort"
	"strings"
)

// reservedEnv lists variables the executors always set themselves.
var reservedEnv = map[string]bool{
	"SHIPYARD_RUN_ID":  true,
	"SHIPYARD_STAGE":   true,
	"SHIPYARD_ATTEMPT": true,
}

func isReservedJobEnvKey(key string) bool {
	return reservedEnv[strings.ToUpper(strings.TrimSpace(key))]
}

// sortedEnvKeys returns the caller-supplied keys in a stable order, skipping
// blanks and reserved names.
func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
