package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeAuto},
		{"auto", ModeAuto},
		{"min", ModeMin},
		{"Minimize", ModeMin},
		{"max", ModeMax},
		{"maximize", ModeMax},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseMode("sideways")
	assert.Error(t, err)
}

func TestResolve_AutoFromName(t *testing.T) {
	assert.Equal(t, ModeMax, Resolve("val_acc", ModeAuto))
	assert.Equal(t, ModeMax, Resolve("accuracy", ModeAuto))
	assert.Equal(t, ModeMax, Resolve("fmeasure_macro", ModeAuto))
	assert.Equal(t, ModeMin, Resolve("val_loss", ModeAuto))
	assert.Equal(t, ModeMin, Resolve("mse", ModeAuto))
}

func TestResolve_ExplicitOverridesName(t *testing.T) {
	assert.Equal(t, ModeMin, Resolve("val_acc", ModeMin))
	assert.Equal(t, ModeMax, Resolve("val_loss", ModeMax))
}

func TestComparator_IsBetter(t *testing.T) {
	minC := NewComparator("val_loss", ModeMin)
	assert.True(t, minC.IsBetter(0.3, 0.5))
	assert.False(t, minC.IsBetter(0.5, 0.5), "equal values are not strictly better")
	assert.False(t, minC.IsBetter(0.7, 0.5))

	maxC := NewComparator("val_acc", ModeAuto)
	assert.Equal(t, ModeMax, maxC.Mode())
	assert.True(t, maxC.IsBetter(0.9, 0.8))
	assert.False(t, maxC.IsBetter(0.8, 0.8))

	assert.False(t, minC.IsBetter(math.NaN(), 0.5))
	assert.True(t, minC.IsBetter(0.5, math.NaN()))
}

func TestComparator_NoPriorBest(t *testing.T) {
	c := NewComparator("val_loss", ModeMin)
	assert.True(t, c.Improves(1e9, nil))

	best := 0.2
	assert.False(t, c.Improves(0.4, &best))
}

func TestComparator_Evaluate_MissingMetric(t *testing.T) {
	c := NewComparator("val_loss", ModeAuto)

	_, _, err := c.Evaluate(map[string]float64{"loss": 0.1, "acc": 0.9}, nil)
	require.Error(t, err)

	var ime *InvalidMetricError
	require.ErrorAs(t, err, &ime)
	assert.Equal(t, "val_loss", ime.Metric)
	assert.Equal(t, []string{"acc", "loss"}, ime.Available)
}

func TestComparator_Evaluate(t *testing.T) {
	c := NewComparator("val_loss", ModeAuto)
	best := 0.5

	v, better, err := c.Evaluate(map[string]float64{"val_loss": 0.3}, &best)
	require.NoError(t, err)
	assert.Equal(t, 0.3, v)
	assert.True(t, better)
}
