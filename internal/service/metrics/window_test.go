package metrics

import "testing"

func TestPeriodHours(t *testing.T) {
	cases := []struct {
		period string
		hours  int
	}{
		{"1h", 1},
		{"24h", 24},
		{"7d", 168},
		{"", 1},
		{"30d", 1},
		{"garbage", 1},
	}
	for _, tc := range cases {
		if got := periodHours(tc.period); got != tc.hours {
			t.Fatalf("periodHours(%q) = %d, want %d", tc.period, got, tc.hours)
		}
	}
}

func TestNearestRankEmpty(t *testing.T) {
	if got := nearestRank(nil, 95); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
}

func TestNearestRankSingle(t *testing.T) {
	values := []float64{42}
	for _, pct := range []int{50, 95, 99} {
		if got := nearestRank(values, pct); got != 42 {
			t.Fatalf("p%d of single value = %f, want 42", pct, got)
		}
	}
}

func TestNearestRankThreeValues(t *testing.T) {
	values := []float64{100, 200, 300}
	if got := nearestRank(values, 50); got != 200 {
		t.Fatalf("p50 = %f, want 200", got)
	}
	if got := nearestRank(values, 95); got != 300 {
		t.Fatalf("p95 = %f, want 300", got)
	}
	if got := nearestRank(values, 99); got != 300 {
		t.Fatalf("p99 = %f, want 300", got)
	}
}

func TestNearestRankIndexClamp(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	// index = 10*99/100 = 9, the last element
	if got := nearestRank(values, 99); got != 10 {
		t.Fatalf("p99 = %f, want 10", got)
	}
	// index = 10*50/100 = 5, sixth element
	if got := nearestRank(values, 50); got != 6 {
		t.Fatalf("p50 = %f, want 6", got)
	}
}

func TestRounding(t *testing.T) {
	if got := round2(123.456); got != 123.46 {
		t.Fatalf("round2 = %f", got)
	}
	if got := round4(0.123456); got != 0.1235 {
		t.Fatalf("round4 = %f", got)
	}
	if got := round2(0); got != 0 {
		t.Fatalf("round2(0) = %f", got)
	}
}
