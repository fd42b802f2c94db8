package ids

import (
	"testing"
	"time"
)

func TestNewTokenID(t *testing.T) {
	a, err := NewTokenID(time.Now())
	if err != nil {
		t.Fatalf("NewTokenID: %v", err)
	}
	b, err := NewTokenID(time.Now())
	if err != nil {
		t.Fatalf("NewTokenID: %v", err)
	}
	if len(a) != 26 || !IsULID(a) {
		t.Fatalf("expected ULID, got %q", a)
	}
	if a == b {
		t.Fatalf("ids must be unique")
	}
}

func TestNewNonce(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		n, err := NewNonce()
		if err != nil {
			t.Fatalf("NewNonce: %v", err)
		}
		if len(n) != 22 {
			t.Fatalf("nonce length=%d", len(n))
		}
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = struct{}{}
	}
}
