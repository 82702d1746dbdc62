package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrEmptyDataset is returned when a dataset holds no diffraction patterns
var ErrEmptyDataset = errors.New("dataset has no patterns")

// Vec3 is a physical vector in lab coordinates (x, y, z), in meters
type Vec3 [3]float64

// Vec2 builds a Vec3 from an in-plane (x, y) translation
func Vec2(x, y float64) Vec3 { return Vec3{x, y, 0} }

// Basis maps pixel indices to physical displacements. Column 0 is the
// physical step of one pixel along the row (i) axis, column 1 the step along
// the column (j) axis; rows are the x, y, z lab components.
type Basis [3][2]float64

// NewBasis builds a basis from the physical vectors of the i and j axes
func NewBasis(iAxis, jAxis Vec3) Basis {
	var b Basis
	for k := 0; k < 3; k++ {
		b[k][0] = iAxis[k]
		b[k][1] = jAxis[k]
	}
	return b
}

// Column returns the physical vector of pixel axis j (0 or 1)
func (b Basis) Column(j int) Vec3 { return Vec3{b[0][j], b[1][j], b[2][j]} }

// Dense returns the basis as a 3x2 gonum matrix
func (b Basis) Dense() *mat.Dense {
	return mat.NewDense(3, 2, []float64{b[0][0], b[0][1], b[1][0], b[1][1], b[2][0], b[2][1]})
}

// PixelSize returns the physical length of one pixel along each axis
func (b Basis) PixelSize() [2]float64 {
	var out [2]float64
	for j := 0; j < 2; j++ {
		c := b.Column(j)
		out[j] = math.Sqrt(c[0]*c[0] + c[1]*c[1] + c[2]*c[2])
	}
	return out
}

// Scale returns the basis with axis j multiplied by factors[j]
func (b Basis) Scale(factors [2]float64) Basis {
	out := b
	for k := 0; k < 3; k++ {
		out[k][0] *= factors[0]
		out[k][1] *= factors[1]
	}
	return out
}

// DetectorGeometry describes the fixed detector placement
type DetectorGeometry struct {
	// Basis holds the physical vectors of one detector pixel along each axis
	Basis Basis `json:"basis"`

	// Distance is the sample to detector distance in meters
	Distance float64 `json:"distance"`

	// Corner is the optional lab position of the detector's first pixel
	Corner *Vec3 `json:"corner,omitempty"`
}

// Dataset is a ptychography scan: one translation and one measured
// intensity pattern per shot, plus the shared metadata
type Dataset struct {
	// Wavelength of the illumination in meters
	Wavelength float64 `json:"wavelength"`

	// Detector is the detector geometry
	Detector DetectorGeometry `json:"detector"`

	// Translations holds one physical sample translation per shot
	Translations []Vec3 `json:"translations"`

	// Patterns holds one measured intensity per shot, all the same shape
	Patterns []RealField `json:"patterns"`

	// Mask optionally excludes detector pixels from the loss
	Mask *Mask `json:"mask,omitempty"`

	// Background is an optional measured background intensity estimate
	Background *RealField `json:"background,omitempty"`

	// SurfaceNormal is the optional sample surface normal (z for transmission)
	SurfaceNormal *Vec3 `json:"surfaceNormal,omitempty"`
}

// Len returns the number of shots
func (d *Dataset) Len() int { return len(d.Patterns) }

// PatternShape returns the detector shape shared by all patterns
func (d *Dataset) PatternShape() [2]int {
	if len(d.Patterns) == 0 {
		return [2]int{}
	}
	return d.Patterns[0].Shape()
}

// Shot is a single (index, translation, pattern) entry of a dataset
type Shot struct {
	Index       int
	Translation Vec3
	Pattern     RealField
}

// Shot returns entry i of the dataset
func (d *Dataset) Shot(i int) (Shot, error) {
	if i < 0 || i >= d.Len() {
		return Shot{}, fmt.Errorf("shot index %d out of range [0, %d)", i, d.Len())
	}
	return Shot{Index: i, Translation: d.Translations[i], Pattern: d.Patterns[i]}, nil
}

// Batch returns the translations and patterns of the selected shots, in
// the order given
func (d *Dataset) Batch(indices []int) ([]Vec3, []RealField, error) {
	translations := make([]Vec3, len(indices))
	patterns := make([]RealField, len(indices))
	for k, idx := range indices {
		if idx < 0 || idx >= d.Len() {
			return nil, nil, fmt.Errorf("shot index %d out of range [0, %d)", idx, d.Len())
		}
		translations[k] = d.Translations[idx]
		patterns[k] = d.Patterns[idx]
	}
	return translations, patterns, nil
}

// Validate checks the internal consistency of the dataset
func (d *Dataset) Validate() error {
	if d.Len() == 0 {
		return ErrEmptyDataset
	}
	if len(d.Translations) != d.Len() {
		return fmt.Errorf("dataset has %d translations for %d patterns", len(d.Translations), d.Len())
	}
	shape := d.PatternShape()
	for i, p := range d.Patterns {
		if p.Shape() != shape {
			return fmt.Errorf("pattern %d has shape %v, expected %v", i, p.Shape(), shape)
		}
	}
	if d.Mask != nil && (d.Mask.Rows != shape[0] || d.Mask.Cols != shape[1]) {
		return fmt.Errorf("mask shape %dx%d does not match patterns %v", d.Mask.Rows, d.Mask.Cols, shape)
	}
	if d.Background != nil && d.Background.Shape() != shape {
		return fmt.Errorf("background shape %v does not match patterns %v", d.Background.Shape(), shape)
	}
	if d.Wavelength <= 0 {
		return fmt.Errorf("wavelength must be positive, got %g", d.Wavelength)
	}
	return nil
}

// Results is the exported state of a reconstruction: a plain mapping of
// named arrays that a scientific data container can persist
type Results struct {
	// Basis is the real-space basis of the probe grid
	Basis Basis `json:"basis"`

	// Translations are the refined per-shot translations
	Translations []Vec3 `json:"translation"`

	// Probe holds the probe modes at physical scale
	Probe []Field `json:"probe"`

	// Object is the reconstructed object
	Object Field `json:"obj"`

	// Background is the recovered background intensity (not its root)
	Background RealField `json:"background"`

	// Weights holds per-shot incoherent weights, if that model is used
	Weights []float64 `json:"weights,omitempty"`

	// DensityWeights holds per-shot rank x modes mixing matrices, if that
	// model is used
	DensityWeights []Field `json:"densityWeights,omitempty"`

	// LossHistory is the per-epoch loss
	LossHistory []float64 `json:"lossHistory,omitempty"`
}
