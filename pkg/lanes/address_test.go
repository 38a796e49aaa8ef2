package lanes

import "testing"

func TestParseAddressRoundTrip(t *testing.T) {
	addr := Address{
		ScopeID:       "s1",
		Lane:          LaneRaw,
		SystemID:      "sys1",
		ContainerID:   "c1",
		UniqueID:      "d1",
		SchemaVersion: 2,
	}

	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", addr.String(), err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, addr)
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	cases := []string{
		"nova.s1.raw.sys1.c1.d1",           // missing version segment
		"other.s1.raw.sys1.c1.d1.v1",       // wrong prefix
		"nova.s1.bogus.sys1.c1.d1.v1",      // invalid lane
		"nova..raw.sys1.c1.d1.v1",          // empty scopeId
		"nova.s1.raw.sys1.c1.d1.v0",        // non-positive schema version
		"nova.s1.raw.sys1.c1.d1.vabc",      // non-numeric schema version
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); err == nil {
			t.Errorf("ParseAddress(%q): expected error, got nil", c)
		}
	}
}
