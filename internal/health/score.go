package health

import (
	"sort"
	"strings"
	"unicode"

	"radiorec/internal/model"
)

// Score rates how likely c is the same station as st, in [0, 1].
//
// Name similarity carries most of the weight. A call sign match, a passing
// directory liveness check and a usable bitrate add to it.
func Score(st model.Station, c Candidate) float64 {
	if c.StreamURL() == "" {
		return 0
	}
	s := 0.6 * nameSimilarity(st.Name, c.Name)

	if cs := strings.ToLower(strings.TrimSpace(st.CallSign)); cs != "" {
		hay := strings.ToLower(c.Name + " " + c.Homepage + " " + c.Tags)
		if containsWord(hay, cs) {
			s += 0.2
		}
	}
	if c.LastCheckOK == 1 {
		s += 0.15
	}
	if c.Bitrate > 0 {
		b := c.Bitrate
		if b > 128 {
			b = 128
		}
		s += 0.05 * float64(b) / 128
	}
	return s
}

// Scored is a candidate with its score.
type Scored struct {
	Candidate
	Score float64
}

// Best returns the top candidate at or above minScore.
func Best(st model.Station, cands []Candidate, minScore float64) (Scored, bool) {
	ranked := Rank(st, cands)
	if len(ranked) == 0 || ranked[0].Score < minScore {
		return Scored{}, false
	}
	return ranked[0], true
}

// Rank orders candidates by score, best first.
func Rank(st model.Station, cands []Candidate) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		out = append(out, Scored{Candidate: c, Score: Score(st, c)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Bitrate > out[j].Bitrate
	})
	return out
}

// nameSimilarity is the Dice coefficient over word tokens.
func nameSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]int, len(ta))
	for _, t := range ta {
		set[t]++
	}
	common := 0
	for _, t := range tb {
		if set[t] > 0 {
			set[t]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

var stopWords = map[string]bool{"the": true, "radio": true, "fm": true, "am": true}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return fields
	}
	return out
}

func containsWord(hay, word string) bool {
	for _, t := range strings.FieldsFunc(hay, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if t == word {
			return true
		}
	}
	return false
}
