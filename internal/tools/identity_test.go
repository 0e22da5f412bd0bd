package tools

import (
	"reflect"
	"testing"
)

func TestIsIdentityKey(t *testing.T) {
	tests := map[string]bool{
		"user_id":         true,
		"User-ID":         true,
		"TENANT_ID":       true,
		"conversationId":  true,
		" email ":         true,
		"phone-number":    true,
		"query":           false,
		"user":            false,
		"idempotency_key": false,
	}
	for key, want := range tests {
		if got := IsIdentityKey(key); got != want {
			t.Errorf("IsIdentityKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestStripIdentityKeys(t *testing.T) {
	args := map[string]any{
		"query":     "refund",
		"tenant_id": "other-tenant",
		"User_Id":   "u-99",
		"filters": map[string]any{
			"email":  "x@example.com",
			"status": "open",
		},
		"items": []any{
			map[string]any{"sku": "A", "customer_id": "c-1"},
			"plain",
		},
	}

	cleaned, removed := StripIdentityKeys(args)

	want := map[string]any{
		"query":   "refund",
		"filters": map[string]any{"status": "open"},
		"items": []any{
			map[string]any{"sku": "A"},
			"plain",
		},
	}
	if !reflect.DeepEqual(cleaned, want) {
		t.Errorf("cleaned = %#v", cleaned)
	}
	if !reflect.DeepEqual(removed, []string{"User_Id", "tenant_id"}) {
		t.Errorf("removed = %v", removed)
	}
	if _, ok := args["tenant_id"]; !ok {
		t.Error("input map was mutated")
	}
}

func TestStripIdentityKeysEmpty(t *testing.T) {
	cleaned, removed := StripIdentityKeys(nil)
	if len(cleaned) != 0 || removed != nil {
		t.Errorf("got %v, %v", cleaned, removed)
	}
}
