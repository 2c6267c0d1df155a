package audio

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParamDefaultValue(t *testing.T) {
	p := NewParam(0.7)
	if got := p.ValueAt(3); got != 0.7 {
		t.Fatalf("ValueAt() = %v, want 0.7", got)
	}
}

func TestParamAttackEnvelope(t *testing.T) {
	p := NewParam(1)
	p.SetValueAtTime(0, 1)
	p.LinearRampToValueAtTime(0.5, 1.01)
	p.ExponentialRampToValueAtTime(0.15, 1.11)

	tests := []struct {
		t, want float64
	}{
		{0.5, 1},
		{1, 0},
		{1.005, 0.25},
		{1.01, 0.5},
		{1.06, 0.5 * math.Pow(0.3, 0.5)},
		{1.11, 0.15},
		{5, 0.15},
	}
	for _, tt := range tests {
		if got := p.ValueAt(tt.t); !approx(got, tt.want) {
			t.Fatalf("ValueAt(%v) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestParamExponentialFromZeroIsLinear(t *testing.T) {
	p := NewParam(0)
	p.SetValueAtTime(0, 0)
	p.ExponentialRampToValueAtTime(1, 1)
	if got := p.ValueAt(0.5); !approx(got, 0.5) {
		t.Fatalf("ValueAt(0.5) = %v, want 0.5", got)
	}
}

func TestParamCancelAndReanchor(t *testing.T) {
	p := NewParam(0)
	p.SetValueAtTime(0, 0)
	p.LinearRampToValueAtTime(1, 1)
	p.LinearRampToValueAtTime(0, 2)

	now := 0.5
	cur := p.ValueAt(now)
	p.CancelScheduledValues(now)
	p.SetValueAtTime(cur, now)
	p.ExponentialRampToValueAtTime(0.001, now+0.3)

	if got := p.ValueAt(now); !approx(got, 0.5) {
		t.Fatalf("ValueAt(now) = %v, want 0.5", got)
	}
	if got := p.ValueAt(now + 0.3); !approx(got, 0.001) {
		t.Fatalf("ValueAt(end) = %v, want 0.001", got)
	}
	if got := p.ValueAt(1.5); !approx(got, 0.001) {
		t.Fatalf("ValueAt(1.5) = %v, want 0.001 after cancelled ramp", got)
	}
}

func TestParamSetValueClearsAutomation(t *testing.T) {
	p := NewParam(0)
	p.LinearRampToValueAtTime(1, 1)
	p.SetValue(0.25)
	if got := p.ValueAt(0.5); got != 0.25 {
		t.Fatalf("ValueAt() = %v, want 0.25", got)
	}
}

func TestParamEqualTimesKeepOrder(t *testing.T) {
	p := NewParam(0)
	p.SetValueAtTime(0.2, 1)
	p.SetValueAtTime(0.8, 1)
	if got := p.ValueAt(1); got != 0.8 {
		t.Fatalf("ValueAt(1) = %v, want last inserted 0.8", got)
	}
}
