package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"strings"

	"ptychogo/internal/models"
)

// Viewer renders a stack of complex fields, such as probe modes or an
// object, as images for inspection
type Viewer struct {
	// fields holds the stack being viewed
	fields []models.Field

	// peak is the largest amplitude in the stack, shared so that modes
	// are displayed on one scale
	peak float64
}

// NewViewer creates a viewer over the given fields
func NewViewer(fields []models.Field) *Viewer {
	v := &Viewer{fields: fields}
	for _, f := range fields {
		for _, z := range f.Data {
			v.peak = math.Max(v.peak, cmplx.Abs(z))
		}
	}
	return v
}

// Len returns the number of fields in the stack
func (v *Viewer) Len() int { return len(v.fields) }

func gray(value float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*65535)))}
}

// ExtractImage renders one field of the stack.
//
// Parameters:
//   - index: position of the field in the stack
//   - component: "amplitude", "intensity", "phase", "real", "imag" or
//     "complex" (hue for phase, brightness for amplitude)
//
// Returns:
//   - The rendered image, with row i of the field as image row i
//   - An error for an out-of-range index or unknown component
func (v *Viewer) ExtractImage(index int, component string) (image.Image, error) {
	if index < 0 || index >= len(v.fields) {
		return nil, fmt.Errorf("field %d outside stack of %d", index, len(v.fields))
	}
	f := v.fields[index]
	peak := v.peak
	if peak == 0 {
		peak = 1
	}

	if strings.EqualFold(component, "complex") {
		img := image.NewRGBA(image.Rect(0, 0, f.Cols, f.Rows))
		for i := 0; i < f.Rows; i++ {
			for j := 0; j < f.Cols; j++ {
				z := f.At(i, j)
				img.Set(j, i, phaseColor(cmplx.Phase(z), cmplx.Abs(z)/peak))
			}
		}
		return img, nil
	}

	var value func(z complex128) float64
	switch strings.ToLower(component) {
	case "amplitude", "amp":
		value = func(z complex128) float64 { return cmplx.Abs(z) / peak }
	case "intensity":
		value = func(z complex128) float64 { a := cmplx.Abs(z) / peak; return a * a }
	case "phase":
		value = func(z complex128) float64 { return (cmplx.Phase(z) + math.Pi) / (2 * math.Pi) }
	case "real":
		value = func(z complex128) float64 { return (real(z)/peak + 1) / 2 }
	case "imag":
		value = func(z complex128) float64 { return (imag(z)/peak + 1) / 2 }
	default:
		return nil, fmt.Errorf("invalid component: %s", component)
	}

	img := image.NewGray16(image.Rect(0, 0, f.Cols, f.Rows))
	for i := 0; i < f.Rows; i++ {
		for j := 0; j < f.Cols; j++ {
			img.SetGray16(j, i, gray(value(f.At(i, j))))
		}
	}
	return img, nil
}

// phaseColor maps a phase to a hue on a fully saturated color wheel, at
// the given brightness in [0, 1]
func phaseColor(phase, brightness float64) color.RGBA {
	h := (phase + math.Pi) / (2 * math.Pi) * 6
	sector := math.Floor(h)
	frac := h - sector
	val := math.Max(0, math.Min(1, brightness))
	up, down := val*frac, val*(1-frac)

	var r, g, b float64
	switch int(sector) % 6 {
	case 0:
		r, g, b = val, up, 0
	case 1:
		r, g, b = down, val, 0
	case 2:
		r, g, b = 0, val, up
	case 3:
		r, g, b = 0, down, val
	case 4:
		r, g, b = up, 0, val
	default:
		r, g, b = val, 0, down
	}
	return color.RGBA{R: uint8(255 * r), G: uint8(255 * g), B: uint8(255 * b), A: 255}
}

// PatternImage renders a real image such as a diffraction pattern,
// normalized to its maximum. With logScale the display is log(1 + x) so
// that the weak high angle signal is visible.
func PatternImage(pattern models.RealField, logScale bool) image.Image {
	transform := func(x float64) float64 { return math.Max(x, 0) }
	if logScale {
		transform = func(x float64) float64 { return math.Log1p(math.Max(x, 0)) }
	}
	var peak float64
	for _, x := range pattern.Data {
		peak = math.Max(peak, transform(x))
	}
	if peak == 0 {
		peak = 1
	}

	img := image.NewGray16(image.Rect(0, 0, pattern.Cols, pattern.Rows))
	for i := 0; i < pattern.Rows; i++ {
		for j := 0; j < pattern.Cols; j++ {
			img.SetGray16(j, i, gray(transform(pattern.At(i, j))/peak))
		}
	}
	return img
}

// ExtractRegion copies a rectangular region of one field
func (v *Viewer) ExtractRegion(index, row, col, rows, cols int) (models.Field, error) {
	if index < 0 || index >= len(v.fields) {
		return models.Field{}, fmt.Errorf("field %d outside stack of %d", index, len(v.fields))
	}
	if row < 0 || col < 0 {
		return models.Field{}, fmt.Errorf("start coordinates must be non-negative")
	}
	if rows <= 0 || cols <= 0 {
		return models.Field{}, fmt.Errorf("size dimensions must be positive")
	}
	f := v.fields[index]
	if row+rows > f.Rows || col+cols > f.Cols {
		return models.Field{}, fmt.Errorf("region extends beyond field boundaries")
	}

	out := models.NewField(rows, cols)
	for i := 0; i < rows; i++ {
		copy(out.Data[i*cols:(i+1)*cols], f.Data[(row+i)*f.Cols+col:(row+i)*f.Cols+col+cols])
	}
	return out, nil
}

// SaveImage writes img to filename, as PNG or JPEG by the extension
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	case ".png":
		return png.Encode(file, img)
	default:
		return fmt.Errorf("unsupported image extension %q", filepath.Ext(filename))
	}
}

// SaveSequence renders component of every field and writes the images to
// outputDir as <prefix>_<component>_<index>.<format>
func (v *Viewer) SaveSequence(component, outputDir, prefix, format string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var written []string
	for idx := range v.fields {
		img, err := v.ExtractImage(idx, component)
		if err != nil {
			return written, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.%s", prefix, strings.ToLower(component), idx, format))
		if err := SaveImage(img, filename); err != nil {
			return written, err
		}
		written = append(written, filename)
	}
	return written, nil
}
