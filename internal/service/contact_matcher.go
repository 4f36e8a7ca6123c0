package service

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/vipul43/ledgersync/internal/models"
)

// MatchConfidence is the tier of a contact name match.
type MatchConfidence string

const (
	ConfidenceExact  MatchConfidence = "exact"
	ConfidenceHigh   MatchConfidence = "high"
	ConfidenceMedium MatchConfidence = "medium"
	ConfidenceLow    MatchConfidence = "low"
	ConfidenceNone   MatchConfidence = "none"
)

const (
	highThreshold   = 0.9
	mediumThreshold = 0.75
	lowThreshold    = 0.6

	// canonicalScore is awarded when names differ only in punctuation or
	// legal-suffix spelling.
	canonicalScore = 0.95
)

// Linkable reports whether a match is strong enough to attach a remote id to
// an existing contact.
func (c MatchConfidence) Linkable() bool {
	return c == ConfidenceExact || c == ConfidenceHigh
}

func confidenceFor(score float64) MatchConfidence {
	switch {
	case score >= 1:
		return ConfidenceExact
	case score >= highThreshold:
		return ConfidenceHigh
	case score >= mediumThreshold:
		return ConfidenceMedium
	case score >= lowThreshold:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

var legalSuffixes = map[string]string{
	"limited":       "ltd",
	"private":       "pte",
	"pvt":           "pte",
	"incorporated":  "inc",
	"corporation":   "corp",
	"company":       "co",
	"proprietary":   "pty",
	"international": "intl",
}

// NormalizeName folds case, strips diacritics and collapses whitespace.
// Two names are an exact match when their normalized forms are equal.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, name)
	if err != nil {
		out = name
	}
	out = cases.Fold().String(out)
	return strings.Join(strings.Fields(out), " ")
}

// canonicalTokens goes further than NormalizeName: punctuation is dropped
// and common legal suffixes are spelled one way.
func canonicalTokens(name string) []string {
	normalized := NormalizeName(name)
	normalized = strings.ReplaceAll(normalized, "&", " and ")
	normalized = strings.NewReplacer("'", "", "’", "").Replace(normalized)

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, normalized)

	tokens := strings.Fields(cleaned)
	for i, tok := range tokens {
		if canon, ok := legalSuffixes[tok]; ok {
			tokens[i] = canon
		}
	}
	return tokens
}

// ScoreNames returns a similarity in [0, 1]. Only normalized equality
// scores 1.
func ScoreNames(a, b string) float64 {
	if NormalizeName(a) == NormalizeName(b) {
		return 1
	}

	ta, tb := canonicalTokens(a), canonicalTokens(b)
	ca, cb := strings.Join(ta, " "), strings.Join(tb, " ")
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return canonicalScore
	}

	similarity := levenshteinRatio(ca, cb)
	if dice := diceCoefficient(ta, tb); dice > similarity {
		similarity = dice
	}
	return canonicalScore * similarity
}

func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func diceCoefficient(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	counts := make(map[string]int, len(a))
	for _, tok := range a {
		counts[tok]++
	}
	shared := 0
	for _, tok := range b {
		if counts[tok] > 0 {
			counts[tok]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// ContactMatch is the best candidate for a remote contact.
type ContactMatch struct {
	Contact    *models.Contact
	Score      float64
	Confidence MatchConfidence
}

// MatchContact picks the single best candidate for a remote contact name.
// Ties go to the candidate already linked to remoteID, then to an unlinked
// candidate, then to one linked to another remote contact, then to the
// lowest id, so the result never depends on the order of candidates. A
// candidate linked elsewhere cannot be relinked, so it ranks last.
func MatchContact(remoteName string, remoteID string, candidates []models.Contact) ContactMatch {
	best := ContactMatch{Confidence: ConfidenceNone}
	for i := range candidates {
		candidate := &candidates[i]
		score := ScoreNames(remoteName, candidate.Name)
		if score < lowThreshold {
			continue
		}
		if best.Contact == nil || score > best.Score || (score == best.Score && preferCandidate(candidate, best.Contact, remoteID)) {
			best = ContactMatch{Contact: candidate, Score: score, Confidence: confidenceFor(score)}
		}
	}
	return best
}

func preferCandidate(a, b *models.Contact, remoteID string) bool {
	aRank, bRank := linkRank(a, remoteID), linkRank(b, remoteID)
	if aRank != bRank {
		return aRank < bRank
	}
	return a.ID < b.ID
}

func linkRank(c *models.Contact, remoteID string) int {
	switch {
	case c.RemoteContactID != nil && remoteID != "" && *c.RemoteContactID == remoteID:
		return 0
	case c.RemoteContactID == nil:
		return 1
	default:
		return 2
	}
}
