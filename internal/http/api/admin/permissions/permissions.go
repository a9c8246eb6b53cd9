package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Definition describes an admin permission.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

// Key builds a permission key from method and path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// NormalizePermissions trims, de-duplicates, and sorts permissions.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// ValidatePermissions validates that all permissions exist in the definition set.
func ValidatePermissions(perms []string) error {
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := definitionMap[trimmed]; !ok {
			return fmt.Errorf("invalid permission: %s", trimmed)
		}
	}
	return nil
}

// HasPermission checks whether the key exists in the permission list.
func HasPermission(perms []string, key string) bool {
	if key == "" {
		return false
	}
	for _, perm := range perms {
		if perm == key {
			return true
		}
	}
	return false
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// IsDefined reports whether key names a guarded route.
func IsDefined(key string) bool {
	_, ok := definitionMap[key]
	return ok
}

// newDefinition builds a Definition with a normalized key.
func newDefinition(method, path, label, module string) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
	}
}

// definitions is the ordered list of permission definitions.
var definitions = []Definition{
	newDefinition("GET", "/v0/admin/users/:id/usage", "Get User Usage", "Usage"),
	newDefinition("POST", "/v0/admin/users/:id/charges", "Record Charge", "Usage"),
	newDefinition("POST", "/v0/admin/users/:id/sync", "Sync User Usage", "Usage"),
	newDefinition("POST", "/v0/admin/audit", "Run Usage Audit", "Usage"),
	newDefinition("GET", "/v0/admin/audit/last", "Get Last Audit Report", "Usage"),

	newDefinition("GET", "/v0/admin/users/:id/session", "Get User Session", "Sessions"),
	newDefinition("POST", "/v0/admin/users/:id/session/reset", "Reset User Session", "Sessions"),

	newDefinition("POST", "/v0/admin/users", "Create User", "Users"),

	newDefinition("GET", "/v0/admin/plans", "List Plans", "Billing"),
	newDefinition("POST", "/v0/admin/users/:id/plan", "Change User Plan", "Billing"),

	newDefinition("GET", "/v0/admin/settings", "List Settings", "Settings"),
	newDefinition("GET", "/v0/admin/settings/:key", "Get Setting", "Settings"),
	newDefinition("PUT", "/v0/admin/settings/:key", "Upsert Setting", "Settings"),
	newDefinition("DELETE", "/v0/admin/settings/:key", "Delete Setting", "Settings"),

	newDefinition("GET", "/v0/admin/permissions", "List Permissions", "Admin"),
}

var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
