package secrets

import (
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// PrefixEnvLoader returns a Loader that collects every environment
// variable starting with prefix. The prefix is stripped from the stored
// key, so PARLEY_TOKEN_GITHUB becomes GITHUB.
func PrefixEnvLoader(prefix string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || v == "" || !strings.HasPrefix(k, prefix) {
				continue
			}
			vals[strings.TrimPrefix(k, prefix)] = v
		}
		return vals, nil
	}
}
