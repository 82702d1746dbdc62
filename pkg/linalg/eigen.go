package linalg

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// degeneracyTol is the relative gap under which two eigenvalues of the real
// embedding are treated as one complex eigenvalue
const degeneracyTol = 1e-9

// gramCutoff is the relative Gram eigenvalue under which a singular value
// is treated as zero
const gramCutoff = 1e-12

// EigenHermitian diagonalizes a Hermitian matrix h = V·diag(w)·Vᴴ. The
// eigenvalues are returned in descending order and the columns of V are
// the matching orthonormal eigenvectors.
//
// The decomposition runs on the real symmetric embedding
//
//	[ Re h  -Im h ]
//	[ Im h   Re h ]
//
// whose spectrum is the spectrum of h with every eigenvalue doubled. Each
// group of equal real eigenvalues spans a complex eigenspace of half its
// size, which is recovered by complex Gram-Schmidt over the group.
func EigenHermitian(h *mat.CDense) ([]float64, *mat.CDense, error) {
	n, c := h.Dims()
	if n != c {
		panic(mat.ErrSquare)
	}

	embed := mat.NewSymDense(2*n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// Symmetrize so the embedding is exactly symmetric
			v := (h.At(i, j) + cmplx.Conj(h.At(j, i))) / 2
			embed.SetSym(i, j, real(v))
			embed.SetSym(n+i, n+j, real(v))
			embed.SetSym(i, n+j, -imag(v))
			embed.SetSym(j, n+i, imag(v))
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(embed, true); !ok {
		return nil, nil, ErrFactorization
	}
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	order := make([]int, 2*n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

	scale := 0.0
	for _, v := range values {
		scale = math.Max(scale, math.Abs(v))
	}
	tol := degeneracyTol * math.Max(scale, 1)

	outValues := make([]float64, 0, n)
	accepted := make([][]complex128, 0, n)

	for start := 0; start < len(order) && len(accepted) < n; {
		end := start + 1
		for end < len(order) && values[order[end-1]]-values[order[end]] <= tol {
			end++
		}

		candidates := make([][]complex128, 0, end-start)
		for _, idx := range order[start:end] {
			u := make([]complex128, n)
			for i := 0; i < n; i++ {
				u[i] = complex(vectors.At(i, idx), vectors.At(n+i, idx))
			}
			candidates = append(candidates, u)
		}

		want := (end - start + 1) / 2
		for picked := 0; picked < want && len(accepted) < n; picked++ {
			best, bestNorm := -1, 0.0
			var bestVec []complex128
			for ci, u := range candidates {
				if u == nil {
					continue
				}
				r := residual(u, accepted)
				if nrm := vecNorm(r); nrm > bestNorm {
					best, bestNorm, bestVec = ci, nrm, r
				}
			}
			if best < 0 || bestNorm == 0 {
				break
			}
			for i := range bestVec {
				bestVec[i] /= complex(bestNorm, 0)
			}
			accepted = append(accepted, bestVec)
			candidates[best] = nil
			outValues = append(outValues, values[order[start]])
		}
		start = end
	}

	vecs := mat.NewCDense(n, n, nil)
	for j, u := range accepted {
		for i := 0; i < n; i++ {
			vecs.Set(i, j, u[i])
		}
	}
	return outValues, vecs, nil
}

// residual returns u with its projection onto the orthonormal set removed
func residual(u []complex128, basis [][]complex128) []complex128 {
	r := make([]complex128, len(u))
	copy(r, u)
	for _, b := range basis {
		var proj complex128
		for i := range b {
			proj += cmplx.Conj(b[i]) * r[i]
		}
		for i := range b {
			r[i] -= proj * b[i]
		}
	}
	return r
}

func vecNorm(u []complex128) float64 {
	var sum float64
	for _, v := range u {
		sum += real(v)*real(v) + imag(v)*imag(v)
	}
	return math.Sqrt(sum)
}

// SVD computes the thin singular value decomposition m = U·diag(s)·Vh of an
// r×p complex matrix with r ≤ p, the shape of a stack of flattened probe
// modes. U is r×r, s has r entries in descending order and Vh is r×p. Rows
// of Vh belonging to zero singular values are left zero.
//
// The factorization diagonalizes the r×r Gram matrix m·mᴴ, which is cheap
// when r is a mode count and p a pixel count.
func SVD(m *mat.CDense) (*mat.CDense, []float64, *mat.CDense, error) {
	r, p := m.Dims()

	gram := mat.NewCDense(r, r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			var sum complex128
			for k := 0; k < p; k++ {
				sum += m.At(i, k) * cmplx.Conj(m.At(j, k))
			}
			gram.Set(i, j, sum)
			gram.Set(j, i, cmplx.Conj(sum))
		}
	}

	w, u, err := EigenHermitian(gram)
	if err != nil {
		return nil, nil, nil, err
	}

	// Gram eigenvalues carry round-off of order eps·w[0], so the cutoff
	// is applied before taking the square root
	cutoff := gramCutoff * math.Max(w[0], 0)
	s := make([]float64, r)
	for i, wi := range w {
		if wi > cutoff {
			s[i] = math.Sqrt(wi)
		}
	}

	projected := Mul(ConjTranspose(u), m)
	vh := mat.NewCDense(r, p, nil)
	for i := 0; i < r; i++ {
		if s[i] == 0 {
			continue
		}
		inv := complex(1/s[i], 0)
		for k := 0; k < p; k++ {
			vh.Set(i, k, inv*projected.At(i, k))
		}
	}
	return u, s, vh, nil
}
