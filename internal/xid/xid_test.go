package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New("sale")
		if !strings.HasPrefix(id, "sale-") {
			t.Fatalf("expected sale- prefix, got %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestReceiptCodeFormat(t *testing.T) {
	at := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	code := ReceiptCode("RCP", at)
	if !strings.HasPrefix(code, "RCP-20260102-") {
		t.Fatalf("unexpected receipt code %q", code)
	}
	if len(code) != len("RCP-20260102-")+8 {
		t.Fatalf("expected 8 character suffix, got %q", code)
	}
}
