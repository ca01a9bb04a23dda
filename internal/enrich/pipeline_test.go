package enrich

import "testing"

func TestClampSentiment(t *testing.T) {
	cases := []struct {
		in       string
		expected *int
	}{
		{"5", intPtr(5)},
		{"-3", intPtr(0)},
		{"15", intPtr(10)},
		{"not a number", nil},
		{"", nil},
	}
	for _, c := range cases {
		got := clampSentiment(c.in)
		if c.expected == nil {
			if got != nil {
				t.Fatalf("input %q: expected nil, got %v", c.in, *got)
			}
			continue
		}
		if got == nil || *got != *c.expected {
			t.Fatalf("input %q: expected %v, got %v", c.in, *c.expected, got)
		}
	}
}

func intPtr(v int) *int { return &v }
