package filter

import (
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"
)

var DefaultAccessoryKeywords = []string{
	"case", "cover", "charger", "charging", "cable", "strap", "band",
	"screen protector", "protector", "tempered glass", "skin", "sleeve",
	"pouch", "holder", "mount", "stand", "adapter", "stylus", "dock",
	"keyboard cover", "lens protector",
}

var DefaultRefurbishedKeywords = []string{
	"refurbished", "renewed", "pre-owned", "preowned", "used",
	"open-box", "open box", "second hand", "second-hand",
}

// keywordSet answers "does the text contain any of these words" with one pass
// over the text. The cloudflare matcher keeps per-call state, so Match is guarded.
type keywordSet struct {
	mu       sync.Mutex
	matcher  *ahocorasick.Matcher
	keywords []string
}

func newKeywordSet(keywords []string) *keywordSet {
	cleaned := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		cleaned = append(cleaned, kw)
	}
	set := &keywordSet{keywords: cleaned}
	if len(cleaned) > 0 {
		set.matcher = ahocorasick.NewStringMatcher(cleaned)
	}
	return set
}

// contains reports whether text, which must already be lower-cased, holds any keyword.
func (s *keywordSet) contains(text string) bool {
	if s.matcher == nil || text == "" {
		return false
	}
	s.mu.Lock()
	hits := s.matcher.Match([]byte(text))
	s.mu.Unlock()
	return len(hits) > 0
}
