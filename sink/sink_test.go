package sink

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

func testTexture(t *testing.T, size int) *lut.Hald {
	t.Helper()
	cube, err := lut.Identity(size)
	require.NoError(t, err)
	return lut.CubeToHald(cube)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&NullFactory{}))
	require.NoError(t, r.Register(&FileFactory{Directory: t.TempDir()}))

	f, err := r.Lookup("null")
	require.NoError(t, err)
	assert.Equal(t, "null", f.Backend())

	assert.Equal(t, []string{"file", "null"}, r.Backends())

	// Duplicate registration rejected
	err = r.Register(&NullFactory{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	// Unknown backend
	_, err = r.Lookup("syphon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file, null")
}

func TestNullSink(t *testing.T) {
	f := &NullFactory{}
	s, err := f.New("grade")
	require.NoError(t, err)

	require.NoError(t, s.Initialize(4, 2))
	require.NoError(t, s.Publish(testTexture(t, 2)))
	require.NoError(t, s.Teardown())
}

func TestFileSink_WritesTextureAndSidecar(t *testing.T) {
	dir := t.TempDir()
	f := &FileFactory{Directory: dir}

	s, err := f.New("hero grade") // space gets sanitized
	require.NoError(t, err)

	texture := testTexture(t, 2)
	require.NoError(t, s.Initialize(texture.Width, texture.Height))
	require.NoError(t, s.Publish(texture))

	raw, err := os.ReadFile(filepath.Join(dir, "hero_grade.rgba32f"))
	require.NoError(t, err)
	require.Len(t, raw, len(texture.Data)*4)

	// First pixel is cube origin: RGB 0, alpha 1
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(raw[0:])))
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(raw[12:])))

	sidecar, err := os.ReadFile(filepath.Join(dir, "hero_grade.json"))
	require.NoError(t, err)
	var header map[string]any
	require.NoError(t, json.Unmarshal(sidecar, &header))
	assert.Equal(t, float64(4), header["width"])
	assert.Equal(t, float64(2), header["height"])
	assert.Equal(t, "rgba32f", header["format"])
}

func TestFileSink_DimensionMismatch(t *testing.T) {
	f := &FileFactory{Directory: t.TempDir()}
	s, err := f.New("grade")
	require.NoError(t, err)

	require.NoError(t, s.Initialize(9, 3))
	err = s.Publish(testTexture(t, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
}

func TestFileSink_PublishAfterTeardownFails(t *testing.T) {
	f := &FileFactory{Directory: t.TempDir()}
	s, err := f.New("grade")
	require.NoError(t, err)

	texture := testTexture(t, 2)
	require.NoError(t, s.Initialize(texture.Width, texture.Height))
	require.NoError(t, s.Teardown())

	err = s.Publish(texture)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSinkUnavailable)
}

func TestFileFactory_RequiresDirectory(t *testing.T) {
	f := &FileFactory{}
	_, err := f.New("grade")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestSanitizeStream(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"grade", "grade"},
		{"hero grade", "hero_grade"},
		{"a.b/c", "a_b_c"},
		{"node-1_x", "node-1_x"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, sanitizeStream(test.in))
	}
}
