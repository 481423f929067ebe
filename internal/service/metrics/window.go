package metrics

import "math"

// periodHours maps the symbolic query periods onto window sizes. Anything
// unrecognized falls back to one hour rather than failing the query.
func periodHours(period string) int {
	switch period {
	case "1h":
		return 1
	case "24h":
		return 24
	case "7d":
		return 168
	default:
		return 1
	}
}

// nearestRank returns the nearest-rank percentile of an ascending-sorted
// slice: index = floor(n * pct / 100) clamped to the last element. The result
// is always a value present in the input, or 0 for an empty set.
func nearestRank(sorted []float64, pct int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := len(sorted) * pct / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
