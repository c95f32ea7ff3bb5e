package content

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// NumBands is the number of 16-bit SimHash bands used for candidate lookup.
const NumBands = 4

// Hash returns the exact-duplicate fingerprint: SHA-256 over the lowercased
// whitespace-collapsed title, a newline, and the whitespace-collapsed
// content. Case changes in the title and whitespace shifts anywhere do not
// change the hash.
func Hash(title, body string) string {
	t := strings.ToLower(collapseSpace(title))
	b := collapseSpace(body)
	sum := sha256.Sum256([]byte(t + "\n" + b))
	return hex.EncodeToString(sum[:])
}

// SimHash returns a 64-bit similarity fingerprint over lowercased word
// 3-shingles. Texts with fewer than 3 words hash the words they have as a
// single shingle, which is degenerate but stable.
func SimHash(text string) uint64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var counts [64]int
	if len(words) < 3 {
		addShingle(&counts, strings.Join(words, " "))
	} else {
		var sb strings.Builder
		for i := 0; i+3 <= len(words); i++ {
			sb.Reset()
			sb.WriteString(words[i])
			sb.WriteByte(' ')
			sb.WriteString(words[i+1])
			sb.WriteByte(' ')
			sb.WriteString(words[i+2])
			addShingle(&counts, sb.String())
		}
	}

	var out uint64
	for b := 0; b < 64; b++ {
		if counts[b] > 0 {
			out |= 1 << b
		}
	}
	return out
}

func addShingle(counts *[64]int, shingle string) {
	h := xxhash.Sum64String(shingle)
	for b := 0; b < 64; b++ {
		if h&(1<<b) != 0 {
			counts[b]++
		} else {
			counts[b]--
		}
	}
}

// Band extracts the i-th 16-bit band of a SimHash (i in 0..NumBands-1).
// Two hashes within Hamming distance 3 share at least one identical band,
// so band lookup never misses a near-duplicate.
func Band(h uint64, i int) uint16 {
	return uint16(h >> (16 * uint(i)))
}

// Hamming returns the number of differing bits between two SimHashes.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// tokenize lowercases text and splits it into letter/digit runs.
func tokenize(text string) []string {
	var words []string
	var cur strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

// collapseSpace trims and squeezes all whitespace runs to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
