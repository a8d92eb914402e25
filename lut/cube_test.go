package lut

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

// wirePayload builds a raw RGBA float32 payload from texel groups
func wirePayload(t *testing.T, groups [][4]float32) []byte {
	t.Helper()
	out := make([]byte, len(groups)*16)
	for i, g := range groups {
		for c, v := range g {
			binary.LittleEndian.PutUint32(out[i*16+c*4:], math.Float32bits(v))
		}
	}
	return out
}

// randomCube fills a cube with deterministic pseudo-random values, including
// out-of-range HDR values
func randomCube(t *testing.T, size int, seed int64) *Cube {
	t.Helper()
	cube, err := NewCube(size)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	for i := range cube.Data {
		cube.Data[i] = rng.Float32()*4 - 1 // [-1, 3)
	}
	return cube
}

func TestDecodeCube_ConcreteScenario(t *testing.T) {
	// 2x2x2 cube, R fastest, then G, then B
	groups := [][4]float32{
		{0, 0, 0, 1}, {1, 0, 0, 1}, {0, 1, 0, 1}, {1, 1, 0, 1},
		{0, 0, 1, 1}, {1, 0, 1, 1}, {0, 1, 1, 1}, {1, 1, 1, 1},
	}
	data := wirePayload(t, groups)
	require.Len(t, data, 128)

	cube, err := DecodeCube(data, DecodeConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, cube.Size)

	// Cell values match their own coordinates for this payload
	for b := 0; b < 2; b++ {
		for g := 0; g < 2; g++ {
			for r := 0; r < 2; r++ {
				cr, cg, cb := cube.At(r, g, b)
				assert.Equal(t, float32(r), cr)
				assert.Equal(t, float32(g), cg)
				assert.Equal(t, float32(b), cb)
			}
		}
	}

	// 2x4 RGBA texture: first band (columns 0-1) is the b=0 slice, second
	// band (columns 2-3) is the b=1 slice, all alpha 1.0
	hald := CubeToHald(cube)
	assert.Equal(t, 4, hald.Width)
	assert.Equal(t, 2, hald.Height)

	wantRows := [][][4]float32{
		{{0, 0, 0, 1}, {1, 0, 0, 1}, {0, 0, 1, 1}, {1, 0, 1, 1}},
		{{0, 1, 0, 1}, {1, 1, 0, 1}, {0, 1, 1, 1}, {1, 1, 1, 1}},
	}
	for y, row := range wantRows {
		for x, want := range row {
			i := hald.pixel(x, y)
			got := [4]float32{hald.Data[i], hald.Data[i+1], hald.Data[i+2], hald.Data[i+3]}
			assert.Equal(t, want, got, "pixel (%d,%d)", x, y)
		}
	}
}

func TestDecodeCube_RejectsNonCube(t *testing.T) {
	tests := []struct {
		name   string
		length int // bytes
	}{
		{"empty payload", 0},
		{"not texel aligned", 3},
		{"100 floats is not a cube", 100 * 4},
		{"7 texels", 7 * 16},
		{"9 texels", 9 * 16},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeCube(make([]byte, test.length), DecodeConfig{})
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedPayload)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecodeCube_ExplicitSize(t *testing.T) {
	cube, err := Identity(4)
	require.NoError(t, err)
	data := cube.WireBytes()

	// Agreement passes
	decoded, err := DecodeCube(data, DecodeConfig{ExplicitSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Size)

	// Disagreement fails with SizeMismatch, not MalformedPayload
	_, err = DecodeCube(data, DecodeConfig{ExplicitSize: 8})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSizeMismatch)
	assert.NotErrorIs(t, err, errors.ErrMalformedPayload)
}

func TestDecodeCube_SizeLimits(t *testing.T) {
	// A single texel is a perfect 1-cube but below the minimum side length
	_, err := DecodeCube(make([]byte, 16), DecodeConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCubeTooSmall)

	// 3-cube rejected when the configured maximum is 2
	cube, err := Identity(3)
	require.NoError(t, err)
	_, err = DecodeCube(cube.WireBytes(), DecodeConfig{MaxSize: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCubeTooLarge)
}

func TestDecodeCube_PreservesHDRValues(t *testing.T) {
	groups := make([][4]float32, 8)
	for i := range groups {
		groups[i] = [4]float32{4.5, -0.25, 1e-7, 0.5}
	}
	cube, err := DecodeCube(wirePayload(t, groups), DecodeConfig{})
	require.NoError(t, err)

	r, g, b := cube.At(1, 1, 1)
	assert.Equal(t, float32(4.5), r, "HDR value must not be clamped")
	assert.Equal(t, float32(-0.25), g, "negative value must not be clamped")
	assert.Equal(t, float32(1e-7), b)
}

func TestRoundTrip_HaldToCube(t *testing.T) {
	for _, size := range []int{2, 3, 8, 16} {
		cube := randomCube(t, size, int64(size))

		hald := CubeToHald(cube)
		assert.Equal(t, size*size, hald.Width)
		assert.Equal(t, size, hald.Height)
		assert.Equal(t, size, hald.Size())

		back, err := HaldToCube(hald)
		require.NoError(t, err)
		assert.Equal(t, cube.Size, back.Size)
		// Bit-exact on the RGB channels
		assert.Equal(t, cube.Data, back.Data, "size %d round trip", size)
	}
}

func TestHaldToCube_DimensionMismatch(t *testing.T) {
	tests := []struct {
		name string
		hald *Hald
	}{
		{"width not square of height", &Hald{Width: 6, Height: 2, Data: make([]float32, 6*2*4)}},
		{"height below minimum", &Hald{Width: 1, Height: 1, Data: make([]float32, 4)}},
		{"short data buffer", &Hald{Width: 4, Height: 2, Data: make([]float32, 7)}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := HaldToCube(test.hald)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
		})
	}
}

func TestWireBytes_RoundTrip(t *testing.T) {
	cube, err := Identity(4)
	require.NoError(t, err)

	decoded, err := DecodeCube(cube.WireBytes(), DecodeConfig{})
	require.NoError(t, err)
	assert.Equal(t, cube.Data, decoded.Data)
}
