package tokens

import "testing"

func TestCountEmptyTextIsZero(t *testing.T) {
	if got := NewEstimator().Count(""); got != 0 {
		t.Fatalf("empty text: got %d want 0", got)
	}
}

func TestCountIsPositiveAndStable(t *testing.T) {
	e := NewEstimator()
	first := e.Count("the quick brown fox jumps over the lazy dog")
	if first < 1 {
		t.Fatalf("expected positive count, got %d", first)
	}
	second := e.Count("the quick brown fox jumps over the lazy dog")
	if first != second {
		t.Fatalf("count not stable: %d vs %d", first, second)
	}
}

func TestCountGrowsWithText(t *testing.T) {
	e := NewEstimator()
	short := e.Count("hello")
	long := e.Count("hello hello hello hello hello hello hello hello hello hello")
	if long <= short {
		t.Fatalf("longer text should count more tokens: short=%d long=%d", short, long)
	}
}

func TestHeuristicCountFloor(t *testing.T) {
	if got := heuristicCount("ab"); got != 1 {
		t.Fatalf("heuristic floor: got %d want 1", got)
	}
	if got := heuristicCount("abcdefgh"); got != 2 {
		t.Fatalf("heuristic: got %d want 2", got)
	}
}
