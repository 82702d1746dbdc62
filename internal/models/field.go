package models

import (
	"encoding/json"
	"fmt"
	"math/cmplx"
)

// Field represents a complex-valued 2D wavefield (probe mode, object, exit
// wave or detector-plane wave) stored in row-major order
type Field struct {
	// Data holds Rows*Cols samples, row-major
	Data []complex128

	// Rows is the number of pixels along the first (i, slow) axis
	Rows int

	// Cols is the number of pixels along the second (j, fast) axis
	Cols int
}

// NewField allocates a zero-valued field of the given shape
func NewField(rows, cols int) Field {
	return Field{Data: make([]complex128, rows*cols), Rows: rows, Cols: cols}
}

// FieldFromFunc builds a field by evaluating fn at every pixel
func FieldFromFunc(rows, cols int, fn func(i, j int) complex128) Field {
	f := NewField(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			f.Data[i*cols+j] = fn(i, j)
		}
	}
	return f
}

// At returns the sample at row i, column j
func (f Field) At(i, j int) complex128 { return f.Data[i*f.Cols+j] }

// Set stores v at row i, column j
func (f Field) Set(i, j int, v complex128) { f.Data[i*f.Cols+j] = v }

// Len returns the number of pixels
func (f Field) Len() int { return len(f.Data) }

// Shape returns (rows, cols)
func (f Field) Shape() [2]int { return [2]int{f.Rows, f.Cols} }

// Clone returns a deep copy
func (f Field) Clone() Field {
	out := Field{Data: make([]complex128, len(f.Data)), Rows: f.Rows, Cols: f.Cols}
	copy(out.Data, f.Data)
	return out
}

// SameShape reports whether f and g have identical dimensions
func (f Field) SameShape(g Field) bool { return f.Rows == g.Rows && f.Cols == g.Cols }

// Intensity returns |f|² pixel by pixel
func (f Field) Intensity() RealField {
	out := NewRealField(f.Rows, f.Cols)
	for i, v := range f.Data {
		out.Data[i] = real(v)*real(v) + imag(v)*imag(v)
	}
	return out
}

// Amplitude returns |f| pixel by pixel
func (f Field) Amplitude() RealField {
	out := NewRealField(f.Rows, f.Cols)
	for i, v := range f.Data {
		out.Data[i] = cmplx.Abs(v)
	}
	return out
}

// Phase returns arg(f) pixel by pixel, in (-π, π]
func (f Field) Phase() RealField {
	out := NewRealField(f.Rows, f.Cols)
	for i, v := range f.Data {
		out.Data[i] = cmplx.Phase(v)
	}
	return out
}

// Inner returns the inner product Σ conj(f)·g over all pixels
func (f Field) Inner(g Field) complex128 {
	var sum complex128
	for i, v := range f.Data {
		sum += cmplx.Conj(v) * g.Data[i]
	}
	return sum
}

// Norm2 returns Σ|f|²
func (f Field) Norm2() float64 {
	var sum float64
	for _, v := range f.Data {
		sum += real(v)*real(v) + imag(v)*imag(v)
	}
	return sum
}

type fieldJSON struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Re   []float64 `json:"re"`
	Im   []float64 `json:"im"`
}

// MarshalJSON encodes the field as separate real and imaginary planes since
// encoding/json has no complex representation
func (f Field) MarshalJSON() ([]byte, error) {
	out := fieldJSON{Rows: f.Rows, Cols: f.Cols, Re: make([]float64, len(f.Data)), Im: make([]float64, len(f.Data))}
	for i, v := range f.Data {
		out.Re[i] = real(v)
		out.Im[i] = imag(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the representation written by MarshalJSON
func (f *Field) UnmarshalJSON(data []byte) error {
	var in fieldJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Re) != in.Rows*in.Cols || len(in.Im) != len(in.Re) {
		return fmt.Errorf("field payload has %d/%d samples for shape %dx%d", len(in.Re), len(in.Im), in.Rows, in.Cols)
	}
	f.Rows, f.Cols = in.Rows, in.Cols
	f.Data = make([]complex128, len(in.Re))
	for i := range in.Re {
		f.Data[i] = complex(in.Re[i], in.Im[i])
	}
	return nil
}

// RealField is a real-valued 2D image (intensity, background, pattern)
type RealField struct {
	Data []float64 `json:"data"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
}

// NewRealField allocates a zero-valued real image
func NewRealField(rows, cols int) RealField {
	return RealField{Data: make([]float64, rows*cols), Rows: rows, Cols: cols}
}

// ConstantRealField allocates a real image filled with v
func ConstantRealField(rows, cols int, v float64) RealField {
	f := NewRealField(rows, cols)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

// At returns the sample at row i, column j
func (f RealField) At(i, j int) float64 { return f.Data[i*f.Cols+j] }

// Set stores v at row i, column j
func (f RealField) Set(i, j int, v float64) { f.Data[i*f.Cols+j] = v }

// Clone returns a deep copy
func (f RealField) Clone() RealField {
	out := RealField{Data: make([]float64, len(f.Data)), Rows: f.Rows, Cols: f.Cols}
	copy(out.Data, f.Data)
	return out
}

// Shape returns (rows, cols)
func (f RealField) Shape() [2]int { return [2]int{f.Rows, f.Cols} }

// Mask marks detector or probe pixels; true means the pixel is used
type Mask struct {
	Data []bool `json:"data"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// NewMask allocates a mask with every pixel set to value
func NewMask(rows, cols int, value bool) Mask {
	m := Mask{Data: make([]bool, rows*cols), Rows: rows, Cols: cols}
	if value {
		for i := range m.Data {
			m.Data[i] = true
		}
	}
	return m
}

// At reports whether pixel (i, j) is used
func (m Mask) At(i, j int) bool { return m.Data[i*m.Cols+j] }

// Count returns the number of used pixels
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Region is a rectangular sub-array, used for the detector slice of a padded
// simulation grid
type Region struct {
	Row  int `json:"row"`
	Col  int `json:"col"`
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Shape returns (rows, cols)
func (r Region) Shape() [2]int { return [2]int{r.Rows, r.Cols} }
