package serial

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  12345a ", "12345A"},
		{"0012345a", "12345A"},
		{"12345A", "12345A"},
		{"000", ""},
		{"0x9", "X9"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"  0042abc ", "7X", "0007x", "   "}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestFindDuplicates(t *testing.T) {
	dups := FindDuplicates([]string{"0012345a", "99", "12345A", " 12345a", "99"})
	if len(dups) != 2 || dups[0] != "12345A" || dups[1] != "99" {
		t.Fatalf("unexpected duplicates: %v", dups)
	}
	if got := FindDuplicates([]string{"1", "2", "3"}); len(got) != 0 {
		t.Fatalf("expected no duplicates, got %v", got)
	}
}
