package tools

import (
	"sort"
	"strings"
)

// identityKeys are argument names that identify a user, tenant or
// conversation. Their values come from the authenticated call identity and
// are never taken from model-supplied arguments.
var identityKeys = map[string]struct{}{
	"user_id":          {},
	"userid":           {},
	"tenant_id":        {},
	"tenantid":         {},
	"conversation_id":  {},
	"conversationid":   {},
	"account_id":       {},
	"customer_id":      {},
	"external_id":      {},
	"user_external_id": {},
	"session_id":       {},
	"email":            {},
	"user_email":       {},
	"phone":            {},
	"phone_number":     {},
}

// IsIdentityKey reports whether an argument name is identity-scoped. The
// comparison ignores case and hyphens.
func IsIdentityKey(key string) bool {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	_, ok := identityKeys[normalized]
	return ok
}

// StripIdentityKeys returns a copy of args without identity-scoped keys at
// any depth, plus the sorted top-level names that were removed.
func StripIdentityKeys(args map[string]any) (map[string]any, []string) {
	var removed []string
	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		if IsIdentityKey(k) {
			removed = append(removed, k)
			continue
		}
		cleaned[k] = stripNested(v)
	}
	sort.Strings(removed)
	return cleaned, removed
}

func stripNested(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out, _ := StripIdentityKeys(val)
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripNested(item)
		}
		return out
	default:
		return v
	}
}
