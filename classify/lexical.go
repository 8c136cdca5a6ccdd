package classify

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/capmesh/capmesh/capability"
)

// stopWords are skipped during tokenization; they carry no routing signal.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "as": true, "at": true, "by": true, "from": true,
	"this": true, "that": true, "it": true, "its": true, "what": true,
	"how": true, "please": true, "can": true, "you": true,
}

// lexicalRank scores each candidate by token overlap between the request
// text and the capability's name, description, and tags. Only candidates
// with non-zero overlap are returned, ranked by relevance; confidence is
// capped below oracle levels so the two rankings stay distinguishable.
func lexicalRank(text string, candidates []capability.Record) []Match {
	reqTokens := tokenize(text)
	if len(reqTokens) == 0 {
		return nil
	}

	out := make([]Match, 0, len(candidates))
	for _, rec := range candidates {
		capTokens := tokenize(rec.Name + " " + rec.Description + " " + strings.Join(rec.Tags, " "))
		overlap := 0
		for _, rt := range reqTokens {
			for _, ct := range capTokens {
				if rt == ct {
					overlap++
					break
				}
			}
		}
		if overlap == 0 {
			continue
		}

		relevance := math.Min(1.0, float64(overlap)/float64(len(reqTokens)))
		out = append(out, Match{
			Record:     rec,
			Relevance:  relevance,
			Reason:     fmt.Sprintf("lexical overlap: %d/%d request tokens", overlap, len(reqTokens)),
			Source:     SourceLexical,
			Confidence: math.Min(lexicalConfidenceCap, relevance*lexicalConfidenceCap),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	return out
}

// tokenize lower-cases and splits on non-alphanumeric runes, dropping stop
// words and one/two-letter fragments.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})

	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}
