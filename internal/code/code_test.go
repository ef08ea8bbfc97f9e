package code

import (
	"strings"
	"testing"
)

func TestGenerateShape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		c := Generate()
		if len(c) != Length {
			t.Fatalf("generated code %q has length %d, want %d", c, len(c), Length)
		}
		if !Validate(c) {
			t.Fatalf("generated code %q does not validate", c)
		}
		for _, r := range c[:3] {
			if strings.ContainsRune("AEIOU", r) {
				t.Fatalf("generated code %q contains a vowel", c)
			}
			if r >= '0' && r <= '9' {
				t.Fatalf("generated code %q has a digit in the letter part", c)
			}
		}
		for _, r := range c[3:] {
			if r == '0' || r == '1' {
				t.Fatalf("generated code %q contains an ambiguous digit", c)
			}
			if r < '2' || r > '9' {
				t.Fatalf("generated code %q has a non-digit in the digit part", c)
			}
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for i := 0; i < 100; i++ {
		c := Generate()
		if Normalize(c) != c {
			t.Fatalf("Normalize(%q) = %q, want unchanged", c, Normalize(c))
		}
		if Normalize(Normalize(c)) != Normalize(c) {
			t.Fatalf("Normalize not idempotent for %q", c)
		}
	}
}

func TestValidateCaseAndWhitespace(t *testing.T) {
	c := Generate()
	variants := []string{
		strings.ToLower(c),
		"  " + c + "  ",
		"\t" + strings.ToLower(c) + "\n",
	}
	for _, v := range variants {
		if !Validate(v) {
			t.Fatalf("Validate(%q) = false, want true (canonical %q)", v, c)
		}
		if Normalize(v) != c {
			t.Fatalf("Normalize(%q) = %q, want %q", v, Normalize(v), c)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	bad := []string{
		"",
		"KT234",   // too short
		"KTXM234", // too long
		"KTX23A",  // letter in digit part
		"2TX234",  // digit in letter part
		"ATX234",  // vowel
		"KTX014",  // ambiguous digits
		"KT X234", // inner whitespace
		"KTX-34",  // punctuation
		"KTX2345", // extra digit
		"ÜTX234",  // non-ASCII letter
	}
	for _, c := range bad {
		if Validate(c) {
			t.Fatalf("Validate(%q) = true, want false", c)
		}
	}
}
