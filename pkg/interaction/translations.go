// Package interaction models how the illumination meets the sample: it
// converts scan translations to pixel positions, mixes probe modes for each
// shot, places the probe on the object with sub-pixel accuracy and
// propagates gradients back through all of it.
package interaction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/linalg"
)

// beamProjection returns the 3×3 map that slides a lab point along the
// beam (z) until it lies on the sample surface with the given normal
func beamProjection(normal *models.Vec3) *mat.Dense {
	p := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 0,
	})
	if normal != nil && normal[2] != 0 {
		p.Set(2, 0, -normal[0]/normal[2])
		p.Set(2, 1, -normal[1]/normal[2])
	}
	return p
}

// TranslationsToPixel converts physical translations into (row, col) pixel
// translations in the given basis. A tilted sample surface is handled by
// projecting both the translations and the basis onto the surface along
// the beam before inverting, so pix = pinv(P·B)·(P·t). A nil normal means
// a surface perpendicular to the beam.
func TranslationsToPixel(basis models.Basis, translations []models.Vec3, normal *models.Vec3) ([][2]float64, error) {
	proj := beamProjection(normal)

	var projBasis mat.Dense
	projBasis.Mul(proj, basis.Dense())
	inv, err := linalg.PseudoInverse(&projBasis)
	if err != nil {
		return nil, fmt.Errorf("error inverting probe basis: %w", err)
	}

	var m mat.Dense
	m.Mul(inv, proj)

	out := make([][2]float64, len(translations))
	for n, tr := range translations {
		for r := 0; r < 2; r++ {
			out[n][r] = m.At(r, 0)*tr[0] + m.At(r, 1)*tr[1] + m.At(r, 2)*tr[2]
		}
	}
	return out, nil
}

// PixelToTranslations maps pixel translations back to physical
// translations on the sample surface. It inverts TranslationsToPixel for
// translations that already lie on the surface.
func PixelToTranslations(basis models.Basis, pix [][2]float64, normal *models.Vec3) []models.Vec3 {
	var m mat.Dense
	m.Mul(beamProjection(normal), basis.Dense())

	out := make([]models.Vec3, len(pix))
	for n, p := range pix {
		for k := 0; k < 3; k++ {
			out[n][k] = m.At(k, 0)*p[0] + m.At(k, 1)*p[1]
		}
	}
	return out
}
