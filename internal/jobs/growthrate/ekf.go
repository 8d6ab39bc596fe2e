package growthrate

import (
	"fmt"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// EKF tracks state [od_1 ... od_n, rate] with the multiplicative growth model
// od_i <- od_i * rate, rate <- rate. Observations are the ODs themselves.
type EKF struct {
	n int // number of OD angles

	state []float64
	cov   [][]float64

	odProcVar   float64
	rateProcVar float64
	obsVar      float64

	// Dosing inflates the OD process variance for a number of steps.
	inflation      float64
	inflationSteps int
}

// NewEKF seeds the filter with the first observation and a rate of 1 (no
// growth per step).
func NewEKF(initialODs []float64, odProcVar, rateProcVar, obsVar float64) (*EKF, error) {
	n := len(initialODs)
	if n == 0 {
		return nil, fmt.Errorf("op=growthrate.NewEKF: no channels: %w", domain.ErrInvalidArgument)
	}
	state := make([]float64, n+1)
	copy(state, initialODs)
	state[n] = 1.0

	cov := identity(n + 1)
	for i := 0; i < n; i++ {
		cov[i][i] = obsVar
	}
	// A loose initial rate variance lets the filter lock on within a few
	// samples; the process variance then keeps it slow-moving.
	cov[n][n] = 1e-2

	return &EKF{
		n:           n,
		state:       state,
		cov:         cov,
		odProcVar:   odProcVar,
		rateProcVar: rateProcVar,
		obsVar:      obsVar,
	}, nil
}

// ScaleODVariance inflates the OD process variance by factor for the next
// steps updates. Called on dosing events, where the OD jumps discontinuously.
func (f *EKF) ScaleODVariance(factor float64, steps int) {
	f.inflation = factor
	f.inflationSteps = steps
}

// Step runs one predict+update cycle and returns the filtered ODs and the
// per-step rate state.
func (f *EKF) Step(obs []float64) (ods []float64, rate float64, err error) {
	if len(obs) != f.n {
		return nil, 0, fmt.Errorf("op=growthrate.Step want=%d got=%d observations: %w", f.n, len(obs), domain.ErrInvalidArgument)
	}

	// Predict.
	r := f.state[f.n]
	pred := make([]float64, f.n+1)
	for i := 0; i < f.n; i++ {
		pred[i] = f.state[i] * r
	}
	pred[f.n] = r

	// Jacobian of the transition.
	jac := zeros(f.n + 1)
	for i := 0; i < f.n; i++ {
		jac[i][i] = r
		jac[i][f.n] = f.state[i]
	}
	jac[f.n][f.n] = 1

	odVar := f.odProcVar
	if f.inflationSteps > 0 {
		odVar *= f.inflation
		f.inflationSteps--
	}
	q := zeros(f.n + 1)
	for i := 0; i < f.n; i++ {
		q[i][i] = odVar
	}
	q[f.n][f.n] = f.rateProcVar

	p := addMat(mulMat(mulMat(jac, f.cov), transpose(jac)), q)

	// Update: H = [I 0], S = P_oo + R, K = P[:, :n] S^-1.
	innov := make([]float64, f.n)
	for i := 0; i < f.n; i++ {
		innov[i] = obs[i] - pred[i]
	}
	s := zeros(f.n)
	for i := 0; i < f.n; i++ {
		for j := 0; j < f.n; j++ {
			s[i][j] = p[i][j]
		}
		s[i][i] += f.obsVar
	}
	sInv, err := invert(s)
	if err != nil {
		return nil, 0, fmt.Errorf("op=growthrate.Step: %w", err)
	}
	// K is (n+1) x n.
	k := make([][]float64, f.n+1)
	for i := 0; i <= f.n; i++ {
		k[i] = make([]float64, f.n)
		for j := 0; j < f.n; j++ {
			for l := 0; l < f.n; l++ {
				k[i][j] += p[i][l] * sInv[l][j]
			}
		}
	}

	for i := 0; i <= f.n; i++ {
		for j := 0; j < f.n; j++ {
			pred[i] += k[i][j] * innov[j]
		}
	}
	// P <- (I - K H) P.
	kh := zeros(f.n + 1)
	for i := 0; i <= f.n; i++ {
		for j := 0; j <= f.n; j++ {
			if j < f.n {
				kh[i][j] = k[i][j]
			}
		}
	}
	ikp := identity(f.n + 1)
	for i := range ikp {
		for j := range ikp[i] {
			ikp[i][j] -= kh[i][j]
		}
	}
	f.cov = mulMat(ikp, p)
	f.state = pred

	ods = append([]float64(nil), f.state[:f.n]...)
	return ods, f.state[f.n], nil
}

func identity(n int) [][]float64 {
	m := zeros(n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

func zeros(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	return m
}

func mulMat(a, b [][]float64) [][]float64 {
	n := len(a)
	out := zeros(n)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			if a[i][k] == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func addMat(a, b [][]float64) [][]float64 {
	n := len(a)
	out := zeros(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i][j] = a[i][j] + b[i][j]
		}
	}
	return out
}

func transpose(a [][]float64) [][]float64 {
	n := len(a)
	out := zeros(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}

// invert runs Gauss-Jordan elimination with partial pivoting.
func invert(a [][]float64) ([][]float64, error) {
	n := len(a)
	aug := make([][]float64, n)
	for i := 0; i < n; i++ {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], a[i])
		aug[i][n+i] = 1
	}
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if absf(aug[r][col]) > absf(aug[pivot][col]) {
				pivot = r
			}
		}
		if absf(aug[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular innovation covariance: %w", domain.ErrInternal)
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		pv := aug[col][col]
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}
	inv := make([][]float64, n)
	for i := 0; i < n; i++ {
		inv[i] = append([]float64(nil), aug[i][n:]...)
	}
	return inv, nil
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
