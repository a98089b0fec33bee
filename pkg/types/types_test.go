package types

import (
	"testing"
	"time"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestSideOppositeAndIndexSet(t *testing.T) {
	t.Parallel()

	if SideUp.Opposite() != SideDown || SideDown.Opposite() != SideUp {
		t.Fatal("Opposite() must swap sides")
	}
	if SideUp.IndexSet() != 1 {
		t.Errorf("Up index set = %d, want 1", SideUp.IndexSet())
	}
	if SideDown.IndexSet() != 2 {
		t.Errorf("Down index set = %d, want 2", SideDown.IndexSet())
	}
}

func TestSlotStart(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 1, 14, 37, 42, 0, time.UTC)

	got5 := SlotStart(ts, 5)
	want5 := time.Date(2025, 6, 1, 14, 35, 0, 0, time.UTC)
	if !got5.Equal(want5) {
		t.Errorf("SlotStart(5m) = %v, want %v", got5, want5)
	}

	got15 := SlotStart(ts, 15)
	want15 := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	if !got15.Equal(want15) {
		t.Errorf("SlotStart(15m) = %v, want %v", got15, want15)
	}
}

func TestRoundFingerprintExactVsFallback(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	end := start.Add(15 * time.Minute)

	a := Round{ConditionID: "0xaaa", Asset: AssetBTC, DurationMin: 15, StartTs: start, EndTs: end}
	b := Round{ConditionID: "0xbbb", Asset: AssetBTC, DurationMin: 15, StartTs: start, EndTs: end}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("rounds with identical bounds must share a fingerprint regardless of cid")
	}

	c := Round{Asset: AssetBTC, DurationMin: 15, Question: "Bitcoin Up or Down?"}
	d := Round{Asset: AssetBTC, DurationMin: 15, Question: "Bitcoin Up or Down?"}
	if c.Fingerprint() != d.Fingerprint() {
		t.Error("rounds without bounds must fall back to the question fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("bounded and unbounded fingerprints must differ")
	}
}

func TestPctRemaining(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	r := Round{StartTs: start, EndTs: start.Add(10 * time.Minute)}

	if got := r.PctRemaining(start); got != 1.0 {
		t.Errorf("at open: %v, want 1.0", got)
	}
	if got := r.PctRemaining(start.Add(5 * time.Minute)); got != 0.5 {
		t.Errorf("mid-round: %v, want 0.5", got)
	}
	if got := r.PctRemaining(start.Add(11 * time.Minute)); got != 0 {
		t.Errorf("after close: %v, want 0", got)
	}
}

func TestPriceViewAges(t *testing.T) {
	t.Parallel()

	now := time.Now()
	v := PriceView{Value: 60000, Ts: now.Add(-2 * time.Second)}
	if got := v.AgeMS(now); got < 1999 || got > 2001 {
		t.Errorf("AgeMS = %v, want ~2000", got)
	}

	var zero PriceView
	if zero.AgeMS(now) < 1e9 || zero.AgeS(now) < 1e9 {
		t.Error("absent observation must report a huge age")
	}
}

func TestBucketKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		duration int
		score    int
		entry    float64
		want     string
	}{
		{15, 14, 0.18, "15m|s12+|e00-20"},
		{15, 10, 0.55, "15m|s9-11|e50-65"},
		{5, 3, 0.70, "5m|s0-8|e65+"},
		{15, 12, 0.35, "15m|s12+|e20-35"},
	}
	for _, tt := range tests {
		if got := BucketKey(tt.duration, tt.score, tt.entry); got != tt.want {
			t.Errorf("BucketKey(%d,%d,%v) = %q, want %q", tt.duration, tt.score, tt.entry, got, tt.want)
		}
	}
}
