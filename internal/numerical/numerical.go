// Package numerical holds the pure math the control plane consumes:
// polynomial and linear least squares, piecewise-polynomial (spline)
// evaluation, and bracketed root finding. No state, no I/O.
package numerical

import (
	"errors"
	"math"
	"sort"
)

// ErrSingular is returned when a least-squares system cannot be solved.
var ErrSingular = errors.New("singular system")

// PolyEval evaluates a polynomial with coefficients in descending degree
// order (c[0]*x^n + ... + c[n]) via Horner's rule.
func PolyEval(coeffs []float64, x float64) float64 {
	var y float64
	for _, c := range coeffs {
		y = y*x + c
	}
	return y
}

// PolyFit fits a degree-d polynomial to (x, y) by least squares, optionally
// weighted. Returns coefficients in descending degree order.
func PolyFit(x, y, weights []float64, degree int) ([]float64, error) {
	n := degree + 1
	if len(x) != len(y) || len(x) < n {
		return nil, errors.New("polyfit: not enough points")
	}
	w := weights
	if w == nil {
		w = make([]float64, len(x))
		for i := range w {
			w[i] = 1
		}
	}
	// Normal equations A^T W A c = A^T W y over the Vandermonde matrix.
	ata := make([][]float64, n)
	atb := make([]float64, n)
	for i := range ata {
		ata[i] = make([]float64, n)
	}
	for k := range x {
		powers := make([]float64, n)
		p := 1.0
		for i := n - 1; i >= 0; i-- {
			powers[i] = p
			p *= x[k]
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				ata[i][j] += w[k] * powers[i] * powers[j]
			}
			atb[i] += w[k] * powers[i] * y[k]
		}
	}
	return solve(ata, atb)
}

// LinearFit returns (slope, intercept) for y = slope*x + intercept. With
// forceZero the intercept is pinned at 0.
func LinearFit(x, y []float64, forceZero bool) (slope, intercept float64, err error) {
	if len(x) != len(y) || len(x) == 0 {
		return 0, 0, errors.New("linearfit: not enough points")
	}
	if forceZero {
		var sxy, sxx float64
		for i := range x {
			sxy += x[i] * y[i]
			sxx += x[i] * x[i]
		}
		if sxx == 0 {
			return 0, 0, ErrSingular
		}
		return sxy / sxx, 0, nil
	}
	c, err := PolyFit(x, y, nil, 1)
	if err != nil {
		return 0, 0, err
	}
	return c[0], c[1], nil
}

// SplineEval evaluates a piecewise cubic at x. knots are ascending break
// points; coeffs[i] are the descending-order coefficients of segment i in the
// local variable (x - knots[i]). Outside the knots the end segments
// extrapolate.
func SplineEval(knots []float64, coeffs [][]float64, x float64) float64 {
	if len(knots) < 2 || len(coeffs) != len(knots)-1 {
		return math.NaN()
	}
	i := sort.SearchFloat64s(knots, x) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(coeffs) {
		i = len(coeffs) - 1
	}
	return PolyEval(coeffs[i], x-knots[i])
}

// FitNaturalCubic fits a natural cubic spline interpolant through ascending
// (x, y) points, returning knots and per-segment descending coefficients
// suitable for SplineEval.
func FitNaturalCubic(x, y []float64) (knots []float64, coeffs [][]float64, err error) {
	n := len(x)
	if n < 3 || len(y) != n {
		return nil, nil, errors.New("spline: need at least 3 points")
	}
	h := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		h[i] = x[i+1] - x[i]
		if h[i] <= 0 {
			return nil, nil, errors.New("spline: x must be strictly ascending")
		}
	}
	// Solve the tridiagonal system for second derivatives (natural ends).
	m := make([]float64, n)
	a := make([]float64, n)
	b := make([]float64, n)
	c := make([]float64, n)
	d := make([]float64, n)
	b[0], b[n-1] = 1, 1
	for i := 1; i < n-1; i++ {
		a[i] = h[i-1]
		b[i] = 2 * (h[i-1] + h[i])
		c[i] = h[i]
		d[i] = 6 * ((y[i+1]-y[i])/h[i] - (y[i]-y[i-1])/h[i-1])
	}
	for i := 1; i < n; i++ {
		if b[i-1] == 0 {
			return nil, nil, ErrSingular
		}
		f := a[i] / b[i-1]
		b[i] -= f * c[i-1]
		d[i] -= f * d[i-1]
	}
	m[n-1] = d[n-1] / b[n-1]
	for i := n - 2; i >= 0; i-- {
		m[i] = (d[i] - c[i]*m[i+1]) / b[i]
	}
	coeffs = make([][]float64, n-1)
	for i := 0; i < n-1; i++ {
		c3 := (m[i+1] - m[i]) / (6 * h[i])
		c2 := m[i] / 2
		c1 := (y[i+1]-y[i])/h[i] - h[i]*(2*m[i]+m[i+1])/6
		coeffs[i] = []float64{c3, c2, c1, y[i]}
	}
	return append([]float64(nil), x...), coeffs, nil
}

// FindRoot locates x in [lo, hi] with f(x) = 0 by scanning for a sign change
// then bisecting. Returns false when no sign change exists in the bracket.
func FindRoot(f func(float64) float64, lo, hi float64) (float64, bool) {
	const steps = 256
	if lo > hi {
		lo, hi = hi, lo
	}
	step := (hi - lo) / steps
	if step == 0 {
		if f(lo) == 0 {
			return lo, true
		}
		return 0, false
	}
	prevX, prevY := lo, f(lo)
	for i := 1; i <= steps; i++ {
		x := lo + float64(i)*step
		y := f(x)
		if prevY == 0 {
			return prevX, true
		}
		if prevY*y < 0 {
			return bisect(f, prevX, x), true
		}
		prevX, prevY = x, y
	}
	if prevY == 0 {
		return prevX, true
	}
	return 0, false
}

func bisect(f func(float64) float64, lo, hi float64) float64 {
	flo := f(lo)
	for i := 0; i < 80; i++ {
		mid := (lo + hi) / 2
		fm := f(mid)
		if fm == 0 || (hi-lo)/2 < 1e-12 {
			return mid
		}
		if flo*fm < 0 {
			hi = mid
		} else {
			lo, flo = mid, fm
		}
	}
	return (lo + hi) / 2
}

func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-14 {
			return nil, ErrSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
