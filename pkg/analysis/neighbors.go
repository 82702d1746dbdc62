package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"ptychogo/internal/models"
)

// position is a scan translation usable as a k-d tree point
type position models.Vec3

// Compare implements kdtree.Comparable
func (p position) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(position)
	return p[d] - q[d]
}

// Dims implements kdtree.Comparable
func (p position) Dims() int { return 3 }

// Distance returns the squared Euclidean distance to c
func (p position) Distance(c kdtree.Comparable) float64 {
	q := c.(position)
	var s float64
	for i := range p {
		d := p[i] - q[i]
		s += d * d
	}
	return s
}

type positions []position

func (p positions) Index(i int) kdtree.Comparable         { return p[i] }
func (p positions) Len() int                              { return len(p) }
func (p positions) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements kdtree.Interface
func (p positions) Pivot(d kdtree.Dim) int {
	plane := positionPlane{positions: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// positionPlane sorts positions along a single axis
type positionPlane struct {
	positions
	kdtree.Dim
}

func (p positionPlane) Less(i, j int) bool {
	return p.positions[i][p.Dim] < p.positions[j][p.Dim]
}

func (p positionPlane) Slice(start, end int) kdtree.SortSlicer {
	return positionPlane{positions: p.positions[start:end], Dim: p.Dim}
}

func (p positionPlane) Swap(i, j int) {
	p.positions[i], p.positions[j] = p.positions[j], p.positions[i]
}

// NeighborSpacing returns, for every translation, the distance to its
// nearest other translation.
//
// Parameters:
//   - translations: scan positions in meters, at least two
//
// Returns:
//   - one distance per translation, in input order
func NeighborSpacing(translations []models.Vec3) ([]float64, error) {
	if len(translations) < 2 {
		return nil, fmt.Errorf("neighbor spacing needs at least 2 translations, got %d", len(translations))
	}
	pts := make(positions, len(translations))
	for i, t := range translations {
		pts[i] = position(t)
	}
	// kdtree.New reorders its input
	tree := kdtree.New(append(positions(nil), pts...), false)

	out := make([]float64, len(pts))
	for i, p := range pts {
		keep := kdtree.NewNKeeper(2)
		tree.NearestSet(keep, p)
		// the query point itself is one of the two kept entries
		var d float64
		for _, c := range keep.Heap {
			if c.Comparable != nil && !math.IsInf(c.Dist, 1) {
				d = math.Max(d, c.Dist)
			}
		}
		out[i] = math.Sqrt(d)
	}
	return out, nil
}

// LinearOverlap is the fraction 1 - spacing/diameter by which two probe
// footprints of the given diameter overlap at the given spacing. It is zero
// when the footprints do not touch.
func LinearOverlap(spacing, diameter float64) float64 {
	if diameter <= 0 {
		return 0
	}
	return math.Max(0, 1-spacing/diameter)
}
