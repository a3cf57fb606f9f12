package pg

import "testing"

func TestNamespaceRoundTrip(t *testing.T) {
	s := &Store{cluster: "prod-west"}
	if got := s.ns("backlog"); got != "prod-west:backlog" {
		t.Fatalf("ns = %q", got)
	}
	if got := s.stripNS("prod-west:backlog"); got != "backlog" {
		t.Fatalf("stripNS = %q", got)
	}

	bare := &Store{}
	if got := bare.ns("backlog"); got != "backlog" {
		t.Fatalf("ns without cluster = %q", got)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"a_b", `a\_b`},
		{"100%", `100\%`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
