package numerical

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolyEval(t *testing.T) {
	// 2x^2 - 3x + 1
	coeffs := []float64{2, -3, 1}
	assert.Equal(t, 1.0, PolyEval(coeffs, 0))
	assert.Equal(t, 0.0, PolyEval(coeffs, 1))
	assert.Equal(t, 3.0, PolyEval(coeffs, 2))
	assert.Equal(t, 0.0, PolyEval(nil, 5))
}

func TestPolyFitRecoversExactPolynomial(t *testing.T) {
	want := []float64{0.5, -2, 3}
	var x, y []float64
	for i := 0; i < 8; i++ {
		xi := float64(i)
		x = append(x, xi)
		y = append(y, PolyEval(want, xi))
	}
	got, err := PolyFit(x, y, nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-8)
	}
}

func TestPolyFitWeighted(t *testing.T) {
	// Two clusters disagreeing on the constant; all the weight on the second
	// pulls the fit there.
	x := []float64{0, 1, 0, 1}
	y := []float64{0, 0, 10, 10}
	w := []float64{0, 0, 1, 1}
	got, err := PolyFit(x, y, w, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got[0], 1e-9)
	assert.InDelta(t, 10.0, got[1], 1e-9)
}

func TestPolyFitErrors(t *testing.T) {
	_, err := PolyFit([]float64{1}, []float64{2}, nil, 2)
	require.Error(t, err)
	// All points identical: singular Vandermonde.
	_, err = PolyFit([]float64{1, 1, 1}, []float64{2, 2, 2}, nil, 2)
	require.ErrorIs(t, err, ErrSingular)
}

func TestLinearFit(t *testing.T) {
	x := []float64{0.5, 1.0, 1.5, 2.0}
	y := []float64{1.2, 2.2, 3.2, 4.2}

	slope, intercept, err := LinearFit(x, y, false)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, slope, 1e-9)
	assert.InDelta(t, 0.2, intercept, 1e-9)

	slope, intercept, err = LinearFit(x, y, true)
	require.NoError(t, err)
	assert.Zero(t, intercept)
	assert.Greater(t, slope, 2.0)

	_, _, err = LinearFit([]float64{0, 0}, []float64{1, 2}, true)
	require.ErrorIs(t, err, ErrSingular)
}

func TestNaturalCubicInterpolates(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{0, 1, 0, -1, 0}
	knots, coeffs, err := FitNaturalCubic(x, y)
	require.NoError(t, err)
	require.Len(t, coeffs, 4)

	for i := range x {
		assert.InDelta(t, y[i], SplineEval(knots, coeffs, x[i]), 1e-9, "knot %d", i)
	}
	// Between knots the curve stays bounded near the data.
	mid := SplineEval(knots, coeffs, 0.5)
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestNaturalCubicRejectsBadInput(t *testing.T) {
	_, _, err := FitNaturalCubic([]float64{0, 1}, []float64{0, 1})
	require.Error(t, err)
	_, _, err = FitNaturalCubic([]float64{0, 1, 1}, []float64{0, 1, 2})
	require.Error(t, err)
}

func TestSplineEvalDegenerate(t *testing.T) {
	assert.True(t, math.IsNaN(SplineEval([]float64{0}, nil, 1)))
}

func TestFindRoot(t *testing.T) {
	f := func(x float64) float64 { return x*x - 4 }
	root, ok := FindRoot(f, 0, 10)
	require.True(t, ok)
	assert.InDelta(t, 2.0, root, 1e-9)

	_, ok = FindRoot(f, 3, 10)
	assert.False(t, ok)
}

func TestPIDConvergesAndClamps(t *testing.T) {
	pid := NewPID(2, 0.5, 0, 30, 0, 100)

	out := pid.Update(20, time.Second)
	assert.Equal(t, 25.0, out)

	// Far below setpoint: the output clamps and the integral must not wind up.
	pid.Reset()
	for i := 0; i < 50; i++ {
		out = pid.Update(-100, time.Second)
		assert.Equal(t, 100.0, out)
	}
	// Once at setpoint the clamped integral cannot dominate forever.
	out = pid.Update(30, time.Second)
	assert.LessOrEqual(t, out, 100.0)
}
