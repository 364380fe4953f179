package bot

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ParseScopeArg extracts a scope name and checks it against the watched scopes.
func ParseScopeArg(args string, scopes []string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", fmt.Errorf("scope is required, one of: %s", strings.Join(scopes, ", "))
	}
	scope := parts[0]
	if !slices.Contains(scopes, scope) {
		return "", fmt.Errorf("unknown scope %q, one of: %s", scope, strings.Join(scopes, ", "))
	}
	return scope, nil
}

// ParseLockArgs extracts a post type and numeric ID.
// Format: <type> <id>
func ParseLockArgs(args string) (string, int64, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("usage: /lock <type> <id>")
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid post ID %q", parts[1])
	}
	return parts[0], id, nil
}
