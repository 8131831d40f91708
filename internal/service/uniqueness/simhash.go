// Package uniqueness detects near-duplicate text across scopes using 64-bit
// SimHash fingerprints kept in an append-only JSONL registry.
package uniqueness

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// ShingleSize is the number of tokens per shingle.
const ShingleSize = 3

// Tokenize splits text into lowercased runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Simhash returns the 64-bit SimHash of text. Each overlapping shingle of
// ShingleSize tokens votes on every bit; a bit is set iff its total is
// positive. Inputs shorter than one shingle are padded with sentinel tokens
// so every text yields at least one shingle.
func Simhash(text string) uint64 {
	tokens := Tokenize(text)
	for i := 0; len(tokens) < ShingleSize; i++ {
		tokens = append(tokens, "__pad"+strconv.Itoa(i)+"__")
	}

	var votes [64]int
	for i := 0; i+ShingleSize <= len(tokens); i++ {
		h := xxhash.Sum64String(strings.Join(tokens[i:i+ShingleSize], " "))
		for b := range 64 {
			if h&(1<<uint(b)) != 0 {
				votes[b]++
			} else {
				votes[b]--
			}
		}
	}

	var fp uint64
	for b, v := range votes {
		if v > 0 {
			fp |= 1 << uint(b)
		}
	}
	return fp
}

// Similarity is 1 minus the normalized Hamming distance of two fingerprints.
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}

// FormatFingerprint renders a fingerprint as 16 lowercase hex digits.
func FormatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// ParseFingerprint parses the output of FormatFingerprint.
func ParseFingerprint(s string) (uint64, error) {
	fp, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("uniqueness: parse fingerprint %q: %w", s, err)
	}
	return fp, nil
}
