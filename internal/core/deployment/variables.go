package deployment

import (
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Environment Functions
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} patterns.
// Groups:
//   - Group 1: Variable name (required)
//   - Group 2: ":-default" suffix (optional)
//   - Group 3: Default value
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Built-in variables available to declared environment values.
const (
	VarPort      = "PORT"
	VarWorkDir   = "WORK_DIR"
	VarSafeID    = "SAFE_ID"
	VarAddress   = "HOST_ADDRESS"
	unbufferedPy = "PYTHONUNBUFFERED=1"
)

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders with
// values from the variables map.
//
//	SubstituteVariables("sqlite:///${WORK_DIR}/x.db", map[string]string{"WORK_DIR": "/srv/a"})
//	// Returns: "sqlite:////srv/a/x.db"
//
//	SubstituteVariables("${MISSING}", nil) // Returns: "${MISSING}"
//	SubstituteVariables("${MISSING:-}", nil) // Returns: ""
func SubstituteVariables(value string, variables map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		sub := varPlaceholderRegex.FindStringSubmatch(match)
		if val, ok := variables[sub[1]]; ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		return match
	})
}

// ProcessEnv builds the environment for a launched server: the host
// environment, then the declared variables with built-ins substituted,
// then PYTHONUNBUFFERED so the log file is written as output happens.
// Later entries win for duplicate keys.
func ProcessEnv(base []string, declared, builtins map[string]string) []string {
	env := make([]string, 0, len(base)+len(declared)+1)
	env = append(env, base...)

	keys := make([]string, 0, len(declared))
	for k := range declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+SubstituteVariables(declared[k], builtins))
	}
	return append(env, unbufferedPy)
}

// LookupEnv returns the last value for key in an environment slice.
func LookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
