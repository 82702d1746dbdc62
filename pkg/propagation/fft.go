package propagation

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"ptychogo/internal/models"
)

// fft2 performs an unnormalized 2D discrete Fourier transform of f, rows
// then columns, using gonum's complex FFT. With forward=false it computes
// the unnormalized inverse (the transform Σ f·exp(+2πi…)); callers divide
// by the pixel count where a true inverse is needed.
func fft2(f models.Field, forward bool) models.Field {
	rows, cols := f.Rows, f.Cols
	out := f.Clone()

	rowFFT := fourier.NewCmplxFFT(cols)
	colFFT := fourier.NewCmplxFFT(rows)

	// rows
	tmp := make([]complex128, cols)
	for i := 0; i < rows; i++ {
		copy(tmp, out.Data[i*cols:(i+1)*cols])
		if forward {
			rowFFT.Coefficients(tmp, tmp)
		} else {
			rowFFT.Sequence(tmp, tmp)
		}
		copy(out.Data[i*cols:(i+1)*cols], tmp)
	}

	// cols
	col := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = out.Data[i*cols+j]
		}
		if forward {
			colFFT.Coefficients(col, col)
		} else {
			colFFT.Sequence(col, col)
		}
		for i := 0; i < rows; i++ {
			out.Data[i*cols+j] = col[i]
		}
	}

	return out
}

// FFT2 returns the unnormalized forward 2D DFT of f
func FFT2(f models.Field) models.Field { return fft2(f, true) }

// IFFT2 returns the normalized inverse 2D DFT of f, so IFFT2(FFT2(f)) = f
func IFFT2(f models.Field) models.Field {
	out := fft2(f, false)
	scale := complex(1/float64(f.Len()), 0)
	for i := range out.Data {
		out.Data[i] *= scale
	}
	return out
}

// FFTFreq returns the sample frequencies of an n-point DFT with sample
// spacing d, in cycles per unit, zero frequency first
func FFTFreq(n int, d float64) []float64 {
	freqs := make([]float64, n)
	for k := 0; k < n; k++ {
		v := k
		if k >= (n+1)/2 {
			v = k - n
		}
		freqs[k] = float64(v) / (float64(n) * d)
	}
	return freqs
}

// roll circularly shifts f so that sample (i, j) lands at (i+dr, j+dc)
func roll(f models.Field, dr, dc int) models.Field {
	out := models.NewField(f.Rows, f.Cols)
	for i := 0; i < f.Rows; i++ {
		ii := ((i+dr)%f.Rows + f.Rows) % f.Rows
		for j := 0; j < f.Cols; j++ {
			jj := ((j+dc)%f.Cols + f.Cols) % f.Cols
			out.Data[ii*f.Cols+jj] = f.Data[i*f.Cols+j]
		}
	}
	return out
}

// FFTShift moves the zero-frequency sample to the array center
// (index n/2 along each axis)
func FFTShift(f models.Field) models.Field { return roll(f, f.Rows/2, f.Cols/2) }

// IFFTShift undoes FFTShift, also for odd sizes
func IFFTShift(f models.Field) models.Field { return roll(f, -(f.Rows / 2), -(f.Cols / 2)) }
