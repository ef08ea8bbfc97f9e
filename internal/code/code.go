// Package code generates and validates the short human-readable
// identifiers used to join group sessions.
package code

import (
	"math/rand/v2"
	"strings"
)

// Alphabets deliberately exclude vowels (no accidental words) and the
// visually ambiguous digits 0 and 1.
const (
	consonants = "BCDFGHJKLMNPQRSTVWXYZ"
	digits     = "23456789"

	letterCount = 3
	digitCount  = 3
	Length      = letterCount + digitCount
)

// Generate returns a fresh session code: three random consonants
// followed by three random digits, e.g. "KTX427". Collisions with live
// rooms are not checked; the relay resolves them by demoting the second
// host-intent connection.
func Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < letterCount; i++ {
		b.WriteByte(consonants[rand.IntN(len(consonants))])
	}
	for i := 0; i < digitCount; i++ {
		b.WriteByte(digits[rand.IntN(len(digits))])
	}
	return b.String()
}

// Normalize uppercases and trims surrounding whitespace. It performs no
// validation.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate reports whether code, after normalization, is a well-formed
// session code.
func Validate(code string) bool {
	c := Normalize(code)
	if len(c) != Length {
		return false
	}
	for i := 0; i < letterCount; i++ {
		if !strings.ContainsRune(consonants, rune(c[i])) {
			return false
		}
	}
	for i := letterCount; i < Length; i++ {
		if !strings.ContainsRune(digits, rune(c[i])) {
			return false
		}
	}
	return true
}
