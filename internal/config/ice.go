package config

import (
	"fmt"
	"strings"
)

// parseICEURLs splits a comma-separated URL list and validates every entry
// against the allowed schemes. Empty entries are filtered out before the list
// is handed to endpoints or the underlying connection.
func parseICEURLs(envVar, value string, allowedSchemes ...string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ok := false
		for _, scheme := range allowedSchemes {
			if strings.HasPrefix(part, scheme) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%s: unsupported url scheme: %q", envVar, part)
		}
		out = append(out, part)
	}
	return out, nil
}
