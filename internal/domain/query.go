package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SearchKey is the normalized identity of a search query. Two requests whose keys
// are equal are the same job.
type SearchKey string

func (k SearchKey) String() string {
	return string(k)
}

// Tokens splits the key into its whitespace separated terms.
func (k SearchKey) Tokens() []string {
	return strings.Fields(string(k))
}

// NormalizeQuery case-folds and trims a raw query, collapsing inner whitespace.
func NormalizeQuery(raw string) SearchKey {
	value := norm.NFKC.String(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	// Casers carry state and must not be shared between goroutines.
	value = cases.Fold().String(value)
	return SearchKey(strings.Join(strings.Fields(value), " "))
}
