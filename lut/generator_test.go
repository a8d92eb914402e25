package lut

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	cube, err := Identity(33)
	require.NoError(t, err)
	assert.Equal(t, 33, cube.Size)

	// Corners map to themselves
	r, g, b := cube.At(0, 0, 0)
	assert.Equal(t, [3]float32{0, 0, 0}, [3]float32{r, g, b})

	r, g, b = cube.At(32, 32, 32)
	assert.Equal(t, [3]float32{1, 1, 1}, [3]float32{r, g, b})

	// Half-way point
	r, g, b = cube.At(16, 0, 32)
	assert.InDelta(t, 0.5, r, 1e-6)
	assert.Equal(t, float32(0), g)
	assert.Equal(t, float32(1), b)
}

func TestIdentity_SizeTooSmall(t *testing.T) {
	_, err := Identity(1)
	assert.Error(t, err)
}

func TestGamma(t *testing.T) {
	cube, err := Gamma(8, 2.2)
	require.NoError(t, err)

	// Gamma > 1 brightens midtones, leaves endpoints fixed
	r, _, _ := cube.At(0, 0, 0)
	assert.Equal(t, float32(0), r)
	r, _, _ = cube.At(7, 0, 0)
	assert.Equal(t, float32(1), r)
	r, _, _ = cube.At(4, 0, 0)
	identity := float32(4.0 / 7.0)
	assert.Greater(t, r, identity)

	_, err = Gamma(8, 0)
	assert.Error(t, err)
	_, err = Gamma(8, -1)
	assert.Error(t, err)
}

func TestBrightnessContrast(t *testing.T) {
	// Pure brightness offset
	cube, err := BrightnessContrast(8, 0.25, 1.0)
	require.NoError(t, err)
	r, _, _ := cube.At(0, 0, 0)
	assert.InDelta(t, 0.25, r, 1e-6)

	// Output stays clamped to [0, 1]
	r, _, _ = cube.At(7, 0, 0)
	assert.Equal(t, float32(1), r)

	// Contrast pivots around 0.5
	cube, err = BrightnessContrast(9, 0, 2.0)
	require.NoError(t, err)
	r, _, _ = cube.At(4, 0, 0) // input 0.5
	assert.InDelta(t, 0.5, r, 1e-6)

	_, err = BrightnessContrast(8, 0, 0)
	assert.Error(t, err)
}

func TestHueSaturation(t *testing.T) {
	// Saturation 0 collapses to gray
	cube, err := HueSaturation(4, 0, 0)
	require.NoError(t, err)
	r, g, b := cube.At(3, 0, 0) // pure red input
	assert.InDelta(t, float64(r), float64(g), 1e-6)
	assert.InDelta(t, float64(g), float64(b), 1e-6)

	// Identity transform keeps values
	cube, err = HueSaturation(4, 0, 1)
	require.NoError(t, err)
	r, g, b = cube.At(3, 0, 0)
	assert.InDelta(t, 1.0, float64(r), 1e-6)
	assert.InDelta(t, 0.0, float64(g), 1e-6)
	assert.InDelta(t, 0.0, float64(b), 1e-6)

	_, err = HueSaturation(4, 0, -0.5)
	assert.Error(t, err)
}

func TestTransform_DoesNotMutateReceiver(t *testing.T) {
	cube, err := Identity(2)
	require.NoError(t, err)
	snapshot := make([]float32, len(cube.Data))
	copy(snapshot, cube.Data)

	_ = cube.Transform(func(r, g, b float32) (float32, float32, float32) {
		return 0, 0, 0
	})
	assert.Equal(t, snapshot, cube.Data)
}
