package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset() *Dataset {
	return &Dataset{
		Wavelength:   1e-9,
		Translations: []Vec3{Vec2(0, 0), Vec2(1e-6, 0), Vec2(0, 1e-6)},
		Patterns: []RealField{
			ConstantRealField(2, 3, 1),
			ConstantRealField(2, 3, 2),
			ConstantRealField(2, 3, 3),
		},
	}
}

func TestDatasetShotAndBatch(t *testing.T) {
	ds := testDataset()
	require.NoError(t, ds.Validate())
	assert.Equal(t, [2]int{2, 3}, ds.PatternShape())

	shot, err := ds.Shot(1)
	require.NoError(t, err)
	assert.Equal(t, 1, shot.Index)
	assert.Equal(t, Vec2(1e-6, 0), shot.Translation)
	assert.Equal(t, 2.0, shot.Pattern.At(1, 2))

	_, err = ds.Shot(3)
	assert.Error(t, err)

	ts, ps, err := ds.Batch([]int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []Vec3{Vec2(0, 1e-6), Vec2(0, 0)}, ts)
	assert.Equal(t, 3.0, ps[0].At(0, 0))
	assert.Equal(t, 1.0, ps[1].At(0, 0))

	_, _, err = ds.Batch([]int{-1})
	assert.Error(t, err)
}

func TestDatasetValidate(t *testing.T) {
	assert.True(t, errors.Is((&Dataset{}).Validate(), ErrEmptyDataset))

	ds := testDataset()
	ds.Translations = ds.Translations[:2]
	assert.Error(t, ds.Validate())

	ds = testDataset()
	ds.Patterns[2] = ConstantRealField(3, 3, 1)
	assert.Error(t, ds.Validate())

	ds = testDataset()
	mask := NewMask(3, 2, true)
	ds.Mask = &mask
	assert.Error(t, ds.Validate())

	ds = testDataset()
	ds.Wavelength = 0
	assert.Error(t, ds.Validate())
}

func TestFieldJSON(t *testing.T) {
	f := FieldFromFunc(2, 2, func(i, j int) complex128 { return complex(float64(i), float64(j)) })
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var g Field
	require.NoError(t, json.Unmarshal(data, &g))
	assert.Equal(t, f, g)
}

func TestMaskCount(t *testing.T) {
	m := NewMask(2, 2, true)
	m.Data[3] = false
	assert.Equal(t, 3, m.Count())
	assert.False(t, m.At(1, 1))
	assert.Equal(t, 0, NewMask(2, 2, false).Count())
}
