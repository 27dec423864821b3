package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func unitsWith(attentions ...float64) []Unit {
	out := make([]Unit, len(attentions))
	for i, a := range attentions {
		out[i] = Unit{Attention: a}
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		attention float64
		neighbors []Unit
		want      Fate
	}{
		{"no neighbors", 0.9, nil, Die},
		{"one relevant", 0.9, unitsWith(0.9), Die},
		{"irrelevant neighbors ignored", 0.9, unitsWith(0.3, 0.1, 0.2, 0.9), Die},
		{"two relevant", 0.9, unitsWith(0.5, 0.6), Live},
		{"three relevant low attention", 0.8, unitsWith(0.5, 0.6, 0.7), Live},
		{"three relevant high attention", 0.81, unitsWith(0.5, 0.6, 0.7), Reproduce},
		{"four relevant", 0.9, unitsWith(0.5, 0.6, 0.7, 0.8), Die},
		{"threshold is exclusive", 0.9, unitsWith(0.3, 0.3, 0.3), Die},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(Unit{Attention: tt.attention}, tt.neighbors)
			assert.Equal(t, tt.want, got, "fate %s", got)
		})
	}
}

func TestValueOf(t *testing.T) {
	short := "short"
	long := strings.Repeat("x", 51)

	assert.InDelta(t, 0.5, ValueOf(Unit{Content: short, Attention: 0.5}), 1e-9)
	assert.InDelta(t, 0.4, ValueOf(Unit{Content: short, Attention: 0.5, Age: 2}), 1e-9)
	assert.InDelta(t, 0.75, ValueOf(Unit{Content: long, Attention: 0.5}), 1e-9)
	assert.InDelta(t, 0.5, ValueOf(Unit{Content: strings.Repeat("x", 50), Attention: 0.5}), 1e-9)
	assert.Equal(t, 0.0, ValueOf(Unit{Content: short, Attention: 0.5, Age: 10}))
	assert.Equal(t, 0.0, ValueOf(Unit{Content: long, Attention: 0.9, Age: 25}))
}

func TestValueOfMonotonicInAge(t *testing.T) {
	for _, content := range []string{"a", strings.Repeat("b", 80)} {
		for _, att := range []float64{0, 0.25, 0.9, 1} {
			prev := ValueOf(Unit{Content: content, Attention: att})
			for age := 1; age <= 20; age++ {
				v := ValueOf(Unit{Content: content, Attention: att, Age: age})
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, prev, "age %d attention %v", age, att)
				prev = v
			}
		}
	}
}

func TestValueOfCountsRunes(t *testing.T) {
	// 50 runes but more than 50 bytes.
	content := strings.Repeat("é", 50)
	assert.InDelta(t, 0.5, ValueOf(Unit{Content: content, Attention: 0.5}), 1e-9)
}

func TestFateString(t *testing.T) {
	assert.Equal(t, "die", Die.String())
	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "reproduce", Reproduce.String())
	assert.Equal(t, "unknown", Fate(42).String())
}
