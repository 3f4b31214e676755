package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// normalizeRE strips the volatile parts of an error message (numbers,
// quoted literals, hex addresses, UUIDs) so that two occurrences of
// "the same" failure fingerprint identically regardless of which row
// id or timestamp happened to be embedded in the text.
var normalizeRE = regexp.MustCompile(`(?i)(0x[0-9a-f]+|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|"[^"]*"|'[^']*'|\b\d+\b)`)

func normalize(s string) string {
	s = normalizeRE.ReplaceAllString(s, "#")
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// computeFingerprint derives a stable identity for a Problem from its
// category plus normalized error patterns (order-independent, so the
// same set of patterns reported in a different order still dedups).
// This is the basis for P5: re-adding the same problem increments
// occurrence_count instead of creating a new node.
func computeFingerprint(category string, errorPatterns []string) string {
	normalized := make([]string, len(errorPatterns))
	for i, p := range errorPatterns {
		normalized[i] = normalize(p)
	}
	sort.Strings(normalized)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(category)))
	for _, p := range normalized {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
