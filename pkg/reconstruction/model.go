package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/interaction"
	"ptychogo/pkg/loss"
	"ptychogo/pkg/measurement"
	"ptychogo/pkg/propagation"
)

var (
	// ErrRankExceedsModes is returned when the density matrix rank is
	// larger than the number of probe modes
	ErrRankExceedsModes = errors.New("density matrix rank cannot be greater than the number of modes; use -1 for a full rank matrix")

	// ErrShapeMismatch is returned when model inputs disagree in size
	ErrShapeMismatch = errors.New("shape mismatch")
)

// backgroundFloor is the default background root when no estimate exists
const backgroundFloor = 1e-6

// Config holds the explicit guesses and settings a Model is built from.
// Fields left at their zero value select the documented default.
type Config struct {
	// Wavelength of the illumination in meters
	Wavelength float64

	// Detector is the detector geometry
	Detector models.DetectorGeometry

	// Basis is the real-space pixel basis of the probe grid
	Basis models.Basis

	// Probe holds the K probe mode guesses at physical scale
	Probe []models.Field

	// Object is the object guess
	Object models.Field

	// DetectorSlice is where the detector sits in the simulated grid; nil
	// means the whole grid
	DetectorSlice *models.Region

	// SurfaceNormal of the sample; nil means perpendicular to the beam
	SurfaceNormal *models.Vec3

	// MinTranslation is subtracted from every pixel translation
	MinTranslation [2]float64

	// Offsets are per-shot translation corrections in pixels; nil is zero
	Offsets [][2]float64

	// Shots is the number of scan positions, needed when neither Offsets
	// nor weights fix it
	Shots int

	// Weights are per-shot incoherent weights; nil means one per shot
	Weights []float64

	// DMWeights are per-shot R×K mixing matrices; when set the density
	// matrix model is used and Weights is ignored
	DMWeights []*mat.CDense

	// Mask excludes detector pixels from the loss
	Mask *models.Mask

	// BackgroundRoot is the square root of the background; nil means a
	// uniform 1e-6
	BackgroundRoot *models.RealField

	// TranslationScale multiplies the learned offsets; 0 means 1
	TranslationScale float64

	// Saturation clips simulated intensities when set
	Saturation *float64

	// ProbeSupport confines the probe modes; nil means no constraint
	ProbeSupport *models.Mask

	// Oversampling is the number of wave pixels per detector pixel
	Oversampling int

	// Loss names the loss function; empty means "amplitude mse"
	Loss string

	// Subpixel selects the sub-pixel placement strategy
	Subpixel interaction.Mode

	// SimulateProbeTranslation adds the probe translation phase ramp
	SimulateProbeTranslation bool

	// NearFieldDistance switches to near-field propagation over this
	// distance in meters when set
	NearFieldDistance *float64
}

// Model is the differentiable ptychography forward model. Its learnable
// state lives in the exported parameter fields; Parameters exposes it as
// one set. A Model is not safe for concurrent mutation: steps and tidying
// must be serialized, which Reconstructor does.
type Model struct {
	Wavelength       float64
	Detector         models.DetectorGeometry
	Basis            models.Basis
	DetectorSlice    *models.Region
	SurfaceNormal    *models.Vec3
	MinTranslation   [2]float64
	TranslationScale float64
	ProbeNorm        float64
	Saturation       *float64
	Oversampling     int
	ProbeSupport     *models.Mask
	Mask             *models.Mask
	Loss             loss.Kind
	Subpixel         interaction.Mode

	SimulateProbeTranslation bool

	// learnable state, aliased by Parameters
	Probe          []models.Field
	Object         models.Field
	Offsets        [][2]float64
	Weights        []float64
	DMWeights      []*mat.CDense
	BackgroundRoot models.RealField

	propagator propagation.Propagator
}

// NewModel validates cfg and builds a model from it. The probe is stored
// divided by the peak amplitude of its first mode so that it learns at the
// object's rate.
func NewModel(cfg Config) (*Model, error) {
	if len(cfg.Probe) == 0 {
		return nil, fmt.Errorf("%w: no probe modes", ErrShapeMismatch)
	}
	kind, err := loss.ParseKind(defaultString(cfg.Loss, "amplitude mse"))
	if err != nil {
		return nil, err
	}

	shape := cfg.Probe[0].Shape()
	for k, p := range cfg.Probe {
		if p.Shape() != shape {
			return nil, fmt.Errorf("%w: probe mode %d is %v, expected %v", ErrShapeMismatch, k, p.Shape(), shape)
		}
	}
	if cfg.Object.Rows < shape[0] || cfg.Object.Cols < shape[1] {
		return nil, fmt.Errorf("%w: object %v is smaller than probe %v", ErrShapeMismatch, cfg.Object.Shape(), shape)
	}
	if cfg.ProbeSupport != nil && (cfg.ProbeSupport.Rows != shape[0] || cfg.ProbeSupport.Cols != shape[1]) {
		return nil, fmt.Errorf("%w: probe support does not match probe %v", ErrShapeMismatch, shape)
	}

	shots := cfg.Shots
	switch {
	case cfg.DMWeights != nil:
		shots = len(cfg.DMWeights)
	case cfg.Weights != nil:
		shots = len(cfg.Weights)
	case cfg.Offsets != nil:
		shots = len(cfg.Offsets)
	}
	if cfg.Offsets != nil && len(cfg.Offsets) != shots {
		return nil, fmt.Errorf("%w: %d offsets for %d shots", ErrShapeMismatch, len(cfg.Offsets), shots)
	}
	for n, w := range cfg.DMWeights {
		r, c := w.Dims()
		if c != len(cfg.Probe) {
			return nil, fmt.Errorf("%w: weight matrix %d has %d columns for %d modes", ErrShapeMismatch, n, c, len(cfg.Probe))
		}
		if r > len(cfg.Probe) {
			return nil, ErrRankExceedsModes
		}
	}

	m := &Model{
		Wavelength:               cfg.Wavelength,
		Detector:                 cfg.Detector,
		Basis:                    cfg.Basis,
		DetectorSlice:            cfg.DetectorSlice,
		SurfaceNormal:            cfg.SurfaceNormal,
		MinTranslation:           cfg.MinTranslation,
		TranslationScale:         cfg.TranslationScale,
		Saturation:               cfg.Saturation,
		Oversampling:             max(cfg.Oversampling, 1),
		ProbeSupport:             cfg.ProbeSupport,
		Mask:                     cfg.Mask,
		Loss:                     kind,
		Subpixel:                 cfg.Subpixel,
		SimulateProbeTranslation: cfg.SimulateProbeTranslation,
		Object:                   cfg.Object.Clone(),
		DMWeights:                cloneMatrices(cfg.DMWeights),
	}
	if m.TranslationScale == 0 {
		m.TranslationScale = 1
	}

	m.ProbeNorm = 0
	for _, v := range cfg.Probe[0].Data {
		m.ProbeNorm = math.Max(m.ProbeNorm, cmplx.Abs(v))
	}
	if m.ProbeNorm == 0 {
		m.ProbeNorm = 1
	}
	m.Probe = make([]models.Field, len(cfg.Probe))
	for k, p := range cfg.Probe {
		m.Probe[k] = p.Clone()
		for i := range m.Probe[k].Data {
			m.Probe[k].Data[i] /= complex(m.ProbeNorm, 0)
		}
	}

	m.Offsets = make([][2]float64, shots)
	for n := range cfg.Offsets {
		m.Offsets[n] = [2]float64{cfg.Offsets[n][0] / m.TranslationScale, cfg.Offsets[n][1] / m.TranslationScale}
	}

	if m.DMWeights == nil {
		m.Weights = make([]float64, shots)
		if cfg.Weights != nil {
			copy(m.Weights, cfg.Weights)
		} else {
			for n := range m.Weights {
				m.Weights[n] = 1
			}
		}
	}

	detShape := m.measurementOptions().DetectorShape(shape)
	if cfg.BackgroundRoot != nil {
		if cfg.BackgroundRoot.Shape() != detShape {
			return nil, fmt.Errorf("%w: background %v for detector %v", ErrShapeMismatch, cfg.BackgroundRoot.Shape(), detShape)
		}
		m.BackgroundRoot = cfg.BackgroundRoot.Clone()
	} else {
		m.BackgroundRoot = models.ConstantRealField(detShape[0], detShape[1], backgroundFloor)
	}
	if m.Mask != nil && (m.Mask.Rows != detShape[0] || m.Mask.Cols != detShape[1]) {
		return nil, fmt.Errorf("%w: mask %dx%d for detector %v", ErrShapeMismatch, m.Mask.Rows, m.Mask.Cols, detShape)
	}

	if cfg.NearFieldDistance != nil {
		m.propagator = propagation.NewNearFieldPropagator(shape, m.Basis.PixelSize(), m.Wavelength, *cfg.NearFieldDistance)
	} else {
		m.propagator = propagation.FarFieldPropagator{}
	}
	return m, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func cloneMatrices(ws []*mat.CDense) []*mat.CDense {
	if ws == nil {
		return nil
	}
	out := make([]*mat.CDense, len(ws))
	for n, w := range ws {
		r, c := w.Dims()
		out[n] = mat.NewCDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out[n].Set(i, j, w.At(i, j))
			}
		}
	}
	return out
}

// Parameters returns the learnable state, aliasing the model's storage
func (m *Model) Parameters() *Parameters {
	return &Parameters{
		Probe:      m.Probe,
		Object:     m.Object,
		Offsets:    m.Offsets,
		Weights:    m.Weights,
		DMWeights:  m.DMWeights,
		Background: m.BackgroundRoot,
	}
}

// Shots returns the number of scan positions the model holds offsets for
func (m *Model) Shots() int { return len(m.Offsets) }

// Modes returns the number of basis probe modes
func (m *Model) Modes() int { return len(m.Probe) }

// Rank returns the density matrix rank, or 0 for the incoherent model
func (m *Model) Rank() int {
	if len(m.DMWeights) == 0 {
		return 0
	}
	r, _ := m.DMWeights[0].Dims()
	return r
}

// ProbeShape returns the shape of the probe and exit wave grid
func (m *Model) ProbeShape() [2]int { return m.Probe[0].Shape() }

// ObjectBasis returns the pixel basis of the object grid. The object is
// sampled on the probe grid, so this is the probe basis.
func (m *Model) ObjectBasis() models.Basis { return m.Basis }

func (m *Model) measurementOptions() measurement.Options {
	return measurement.Options{
		DetectorSlice: m.DetectorSlice,
		Oversampling:  m.Oversampling,
		Saturation:    m.Saturation,
	}
}

func (m *Model) interaction() interaction.Interaction {
	return interaction.Interaction{Mode: m.Subpixel, ProbeNorm: m.ProbeNorm}
}
