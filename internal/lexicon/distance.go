package lexicon

// EditDistance is the Levenshtein distance between a and b over runes.
// Insertion, deletion and substitution each cost 1.
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	dp := make([][]int, len(ra)+1)
	for i := range dp {
		dp[i] = make([]int, len(rb)+1)
		dp[i][0] = i
	}
	for j := 0; j <= len(rb); j++ {
		dp[0][j] = j
	}
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				dp[i][j] = dp[i-1][j-1]
				continue
			}
			dp[i][j] = 1 + min(dp[i-1][j-1], dp[i][j-1], dp[i-1][j])
		}
	}
	return dp[len(ra)][len(rb)]
}

// BoundedEditDistance returns EditDistance(a, b) when it is at most bound and
// some value greater than bound otherwise, skipping the table when the length
// difference alone exceeds the bound.
func BoundedEditDistance(a, b string, bound int) int {
	la, lb := len([]rune(a)), len([]rune(b))
	if d := la - lb; d > bound || -d > bound {
		return bound + 1
	}
	return EditDistance(a, b)
}
