package bargein

// editDistance is the rune-level Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	// two-row DP
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// tolerance is the edit distance allowed against a phrase. Very short phrases
// must match exactly or nearly so; "ok" fuzzed by two edits matches anything.
func tolerance(phrase string, maxDist int) int {
	n := len([]rune(phrase))
	switch {
	case n <= 3:
		return 0
	case n <= 5:
		return min(1, maxDist)
	default:
		return maxDist
	}
}

// bestMatch returns the phrase closest to text within tolerance.
func bestMatch(text string, phrases []string, maxDist int) (string, int, bool) {
	best, bestDist := "", maxDist+1
	for _, p := range phrases {
		if p == text {
			return p, 0, true
		}
		d := editDistance(text, p)
		if d <= tolerance(p, maxDist) && d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, bestDist, best != ""
}
