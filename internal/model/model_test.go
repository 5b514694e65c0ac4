package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestQueryMatch(t *testing.T) {
	tests := []struct {
		prefix string
		id     string
		want   bool
	}{
		{"", "anything", true},
		{"user:", "user:1", true},
		{"user:", "user:", true},
		{"user:", "usr:1", false},
		{"user:", "use", false},
	}

	for _, tt := range tests {
		got := Query{Prefix: tt.prefix}.Match(tt.id)
		if got != tt.want {
			t.Errorf("Query{Prefix: %q}.Match(%q) = %v, want %v", tt.prefix, tt.id, got, tt.want)
		}
	}
}

func TestQueryTruncate(t *testing.T) {
	recs := []Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	if got := (Query{}).Truncate(recs); len(got) != 3 {
		t.Errorf("unlimited Truncate len = %d, want 3", len(got))
	}
	if got := (Query{Limit: 2}).Truncate(recs); len(got) != 2 || got[1].ID != "b" {
		t.Errorf("Truncate(limit 2) = %v, want [a b]", got)
	}
	if got := (Query{Limit: 10}).Truncate(recs); len(got) != 3 {
		t.Errorf("Truncate(limit 10) len = %d, want 3", len(got))
	}
}

func TestOpConstants(t *testing.T) {
	if OpPut != "put" {
		t.Errorf("OpPut = %q, want %q", OpPut, "put")
	}
	if OpDelete != "delete" {
		t.Errorf("OpDelete = %q, want %q", OpDelete, "delete")
	}
}
