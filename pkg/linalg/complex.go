// Package linalg provides the small complex linear algebra the mode
// decompositions need: products, Hermitian eigendecomposition, thin SVD and
// pseudo-inverses, built on gonum's real factorizations.
package linalg

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// ErrFactorization is returned when a gonum factorization fails to converge
var ErrFactorization = errors.New("linalg: factorization failed")

// Identity returns the n×n complex identity
func Identity(n int) *mat.CDense {
	m := mat.NewCDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Mul returns the product a·b
func Mul(a, b *mat.CDense) *mat.CDense {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		panic(mat.ErrShape)
	}
	out := mat.NewCDense(ar, bc, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j < bc; j++ {
			var sum complex128
			for k := 0; k < ac; k++ {
				sum += a.At(i, k) * b.At(k, j)
			}
			out.Set(i, j, sum)
		}
	}
	return out
}

// ConjTranspose returns aᴴ
func ConjTranspose(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, cmplx.Conj(a.At(i, j)))
		}
	}
	return out
}

// Transpose returns aᵀ
func Transpose(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(j, i, a.At(i, j))
		}
	}
	return out
}

// Conj returns the elementwise conjugate of a
func Conj(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, cmplx.Conj(a.At(i, j)))
		}
	}
	return out
}

// Clone returns a deep copy of a
func Clone(a *mat.CDense) *mat.CDense {
	r, c := a.Dims()
	out := mat.NewCDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.At(i, j))
		}
	}
	return out
}

// Add accumulates b into a in place
func Add(a, b *mat.CDense) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, a.At(i, j)+b.At(i, j))
		}
	}
}

// Scale multiplies every entry of a by s in place
func Scale(a *mat.CDense, s complex128) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, s*a.At(i, j))
		}
	}
}

// MaxAbsDiff returns the largest |a-b| entry, used by tests and tolerance
// checks
func MaxAbsDiff(a, b *mat.CDense) float64 {
	r, c := a.Dims()
	var max float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d := cmplx.Abs(a.At(i, j) - b.At(i, j)); d > max {
				max = d
			}
		}
	}
	return max
}

// PseudoInverse computes the Moore-Penrose inverse of a real matrix from
// its thin SVD, dropping singular values below a relative cutoff
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrFactorization
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	for _, si := range s {
		maxS = math.Max(maxS, si)
	}
	r, c := a.Dims()
	eps := 1e-12 * math.Max(float64(r), float64(c)) * maxS

	sp := mat.NewDense(len(s), len(s), nil)
	for i := range s {
		if s[i] > eps {
			sp.Set(i, i, 1/s[i])
		}
	}

	var tmp, out mat.Dense
	tmp.Mul(&v, sp)
	out.Mul(&tmp, u.T())
	return &out, nil
}
