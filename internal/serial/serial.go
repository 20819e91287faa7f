// Package serial holds the canonical form for meter serial numbers. Every
// lookup, duplicate check, and stored row uses the normalized form so that
// "0012345a", " 12345A " and "12345A" name the same physical meter.
package serial

import "strings"

// Normalize trims whitespace, strips leading zeros, and uppercases.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "0")
	return strings.ToUpper(s)
}

// FindDuplicates returns the normalized serials that appear more than once in
// the input, in first-seen order.
func FindDuplicates(serials []string) []string {
	seen := make(map[string]int, len(serials))
	var dups []string
	for _, raw := range serials {
		n := Normalize(raw)
		seen[n]++
		if seen[n] == 2 {
			dups = append(dups, n)
		}
	}
	return dups
}
