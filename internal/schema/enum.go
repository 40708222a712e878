package schema

import (
	"fmt"
	"strings"
)

// enumName returns names[v] or "UNKNOWN".
func enumName[T ~uint8](names []string, v T) string {
	if int(v) < len(names) && names[v] != "" {
		return names[v]
	}
	return "UNKNOWN"
}

// parseEnum resolves a case-insensitive name; index 0 is reserved for unknown.
func parseEnum[T ~uint8](names []string, text string, what string) (T, error) {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for i := 1; i < len(names); i++ {
		if names[i] == upper {
			return T(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s: %q", what, text)
}

// lookupEnum resolves a name including index 0.
func lookupEnum[T ~uint8 | ~int8](names []string, text string, what string) (T, error) {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for i, name := range names {
		if name == upper {
			return T(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s: %q", what, text)
}
