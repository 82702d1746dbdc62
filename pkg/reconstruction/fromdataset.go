package reconstruction

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/initializers"
	"ptychogo/pkg/interaction"
)

// DefaultObjectPadding is the object margin FromDataset uses around the
// scanned area
const DefaultObjectPadding = 200

// Options configures FromDataset. The zero value is usable: one mode, the
// incoherent model, a SHARP style probe and amplitude MSE.
type Options struct {
	// ProbeSize, when set, starts from a Gaussian probe of this FWHM in
	// meters instead of the SHARP style estimate
	ProbeSize *[2]float64

	// RandomizeAngle spreads the initial object phase over this many radians
	RandomizeAngle float64

	// Padding enlarges the exit wave grid on every side
	Padding int

	// ObjectPadding is the object margin around the scan; 0 means
	// DefaultObjectPadding. It is raised to the margin the resampling
	// kernel needs.
	ObjectPadding int

	// Modes is the number of probe modes; 0 means 1
	Modes int

	// DMRank selects the mixing model: 0 is incoherent, -1 a full rank
	// density matrix, otherwise the rank of the density matrix
	DMRank int

	// TranslationScale multiplies the learned offsets; 0 means 1
	TranslationScale float64

	// Saturation clips simulated intensities when set
	Saturation *float64

	// ProbeSupportRadius, when set, confines the probe to a disk of this
	// radius in pixels
	ProbeSupportRadius *float64

	// PropagationDistance near-field propagates the initial probe
	PropagationDistance *float64

	// ScatteringMode overrides the dataset surface normal: "transmission"
	// (or "t") or "reflection" (or "r")
	ScatteringMode string

	// Oversampling is the number of wave pixels per detector pixel
	Oversampling int

	// AutoCenter centers the grid on the centroid of the summed patterns
	AutoCenter bool

	// OptForFFT grows the grid to FFT friendly lengths
	OptForFFT bool

	// Loss names the loss function
	Loss string

	// Subpixel selects the sub-pixel placement strategy
	Subpixel interaction.Mode

	// SimulateProbeTranslation adds the probe translation phase ramp
	SimulateProbeTranslation bool

	// Rand seeds the random initial guesses; nil uses a fixed seed
	Rand *rand.Rand
}

// surfaceNormal picks the sample normal for the scattering geometry
func surfaceNormal(ds *models.Dataset, mode string) (*models.Vec3, error) {
	switch strings.ToLower(mode) {
	case "":
		if ds.SurfaceNormal != nil {
			n := *ds.SurfaceNormal
			return &n, nil
		}
		return &models.Vec3{0, 0, 1}, nil
	case "t", "transmission":
		return &models.Vec3{0, 0, 1}, nil
	case "r", "reflection":
		// the normal bisects the incoming beam and the outgoing direction
		// toward the detector
		a := ds.Detector.Basis.Column(0)
		b := ds.Detector.Basis.Column(1)
		out := models.Vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
		norm := math.Sqrt(out[0]*out[0] + out[1]*out[1] + out[2]*out[2])
		n := models.Vec3{out[0] / norm, out[1] / norm, out[2]/norm + 1}
		norm = math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
		for k := range n {
			n[k] /= -norm
		}
		return &n, nil
	}
	return nil, fmt.Errorf("unknown scattering mode %q", mode)
}

// FromDataset derives a model from a dataset: the grid geometry from the
// detector, the object size from the scan, and starting guesses for the
// probe, object, weights and background.
func FromDataset(ds *models.Dataset, opts Options) (*Model, error) {
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	modes := max(opts.Modes, 1)

	rank := opts.DMRank
	switch {
	case rank > modes:
		return nil, ErrRankExceedsModes
	case rank == -1:
		rank = modes
	case rank < -1:
		return nil, fmt.Errorf("invalid density matrix rank %d", rank)
	}

	geoOpts := initializers.GeometryOptions{
		Padding:      opts.Padding,
		OptForFFT:    opts.OptForFFT,
		Oversampling: opts.Oversampling,
	}
	if opts.AutoCenter {
		shape := ds.PatternShape()
		sum := models.NewRealField(shape[0], shape[1])
		for _, p := range ds.Patterns {
			for i, v := range p.Data {
				sum.Data[i] += v
			}
		}
		c := initializers.Centroid(sum)
		geoOpts.Center = &[2]int{int(math.Round(c[0])), int(math.Round(c[1]))}
	}
	geo, err := initializers.ExitWaveGeometry(ds.Detector.Basis, ds.PatternShape(), ds.Wavelength, ds.Detector.Distance, geoOpts)
	if err != nil {
		return nil, err
	}

	normal, err := surfaceNormal(ds, opts.ScatteringMode)
	if err != nil {
		return nil, err
	}
	pix, err := interaction.TranslationsToPixel(geo.Basis, ds.Translations, normal)
	if err != nil {
		return nil, err
	}

	padding := opts.ObjectPadding
	if padding == 0 {
		padding = DefaultObjectPadding
	}
	lo, hi := opts.Subpixel.Kernel().Margin()
	padding = max(padding, max(-lo, hi)+1)
	objShape, minTranslation := initializers.CalcObjectSetup(geo.Shape, pix, padding)

	probeOpts := initializers.ProbeOptions{
		Basis:               geo.Basis,
		Wavelength:          ds.Wavelength,
		PropagationDistance: opts.PropagationDistance,
		Oversampling:        opts.Oversampling,
	}
	var probe models.Field
	if opts.ProbeSize != nil {
		probe = initializers.GaussianProbe(ds, geo.Shape, *opts.ProbeSize, probeOpts)
	} else {
		probe = initializers.SHARPStyleProbe(ds, geo.Shape, geo.DetectorSlice, probeOpts)
	}

	var peak float64
	for _, v := range probe.Data {
		peak = math.Max(peak, cmplx.Abs(v))
	}
	probes := append([]models.Field{probe}, initializers.RandomModes(modes-1, geo.Shape, 0.01*peak, rng)...)

	var support *models.Mask
	if opts.ProbeSupportRadius != nil {
		s := models.NewMask(geo.Shape[0], geo.Shape[1], false)
		ci, cj := float64(geo.Shape[0]-1)/2, float64(geo.Shape[1]-1)/2
		for i := 0; i < geo.Shape[0]; i++ {
			for j := 0; j < geo.Shape[1]; j++ {
				if math.Hypot(float64(i)-ci, float64(j)-cj) < *opts.ProbeSupportRadius {
					s.Data[i*geo.Shape[1]+j] = true
				}
			}
		}
		support = &s
		probes = interaction.ApplySupport(probes, support)
	}

	cfg := Config{
		Wavelength:               ds.Wavelength,
		Detector:                 ds.Detector,
		Basis:                    geo.Basis,
		Probe:                    probes,
		Object:                   initializers.RandomPhaseObject(objShape, opts.RandomizeAngle, rng),
		DetectorSlice:            &geo.DetectorSlice,
		SurfaceNormal:            normal,
		MinTranslation:           minTranslation,
		Shots:                    ds.Len(),
		Mask:                     ds.Mask,
		TranslationScale:         opts.TranslationScale,
		Saturation:               opts.Saturation,
		ProbeSupport:             support,
		Oversampling:             opts.Oversampling,
		Loss:                     opts.Loss,
		Subpixel:                 opts.Subpixel,
		SimulateProbeTranslation: opts.SimulateProbeTranslation,
	}

	if rank > 0 {
		// as close to the identity as the rank allows
		cfg.DMWeights = make([]*mat.CDense, ds.Len())
		for n := range cfg.DMWeights {
			w := mat.NewCDense(rank, modes, nil)
			for i := 0; i < rank; i++ {
				w.Set(i, i, 1)
			}
			cfg.DMWeights[n] = w
		}
	}

	if ds.Background != nil {
		root := models.NewRealField(ds.Background.Rows, ds.Background.Cols)
		for i, v := range ds.Background.Data {
			root.Data[i] = math.Sqrt(math.Max(v, 0))
		}
		cfg.BackgroundRoot = &root
	}

	return NewModel(cfg)
}
