package category

import "strings"

const fuzzyMinLen = 4        // containment matches shorter than this are noise
const fuzzyRatioThreshold = 0.8

// MatchTaxonomy resolves a free-form classifier response to a taxonomy
// member. The ladder is: exact case-insensitive match, then containment when
// both strings are long enough, then similarity ratio above 0.8.
func MatchTaxonomy(response string) (string, bool) {
	cleaned := strings.TrimSpace(strings.Trim(strings.TrimSpace(response), `"'.`))
	if cleaned == "" {
		return "", false
	}
	lower := strings.ToLower(cleaned)

	for _, c := range Taxonomy {
		if lower == strings.ToLower(c) {
			return c, true
		}
	}

	for _, c := range Taxonomy {
		cl := strings.ToLower(c)
		if len(lower) >= fuzzyMinLen && len(cl) >= fuzzyMinLen &&
			(strings.Contains(cl, lower) || strings.Contains(lower, cl)) {
			return c, true
		}
	}

	for _, c := range Taxonomy {
		if similarity(lower, strings.ToLower(c)) > fuzzyRatioThreshold {
			return c, true
		}
	}

	return "", false
}

// similarity returns 2*LCS/(len(a)+len(b)), a ratio in [0,1] comparable to
// difflib's SequenceMatcher for short labels.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lcs := lcsLength(a, b)
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

func lcsLength(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
