// Package lut implements the 3D LUT cube codec: decoding raw wire payloads
// into validated cubes, converting cubes to and from the 2D Hald texture
// layout consumed by GPU shaders, and generating procedural LUTs.
//
// Wire payloads are flat little-endian float32 sequences in RGBA groups with
// the red coordinate varying fastest, then green, then blue. Cubes normalize
// to three channels: alpha is dropped at decode and synthesized as 1.0 when
// tiling to a texture. Values outside [0,1] represent HDR or creative grades
// and are preserved bit-exactly; the codec never clamps.
package lut

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

const (
	// MinCubeSize is the smallest legal cube side length
	MinCubeSize = 2
	// DefaultMaxCubeSize caps cube side length before allocation; larger
	// declared sizes are rejected as malformed rather than allocated
	DefaultMaxCubeSize = 256

	// CubeChannels is the per-texel channel count of a decoded cube (RGB)
	CubeChannels = 3
	// HaldChannels is the per-pixel channel count of a Hald texture (RGBA)
	HaldChannels = 4

	// wireChannels and wireBytesPerFloat describe the OpenGradeIO payload:
	// float32 RGBA groups, 16 bytes per texel
	wireChannels      = 4
	wireBytesPerFloat = 4
	wireBytesPerTexel = wireChannels * wireBytesPerFloat
)

// Cube is an immutable N×N×N 3D color lookup table with three float32
// channels per cell. Data is stored in wire order: red varies fastest,
// then green, then blue.
type Cube struct {
	Size int
	Data []float32 // len = Size³ * CubeChannels
}

// DecodeConfig controls wire payload decoding
type DecodeConfig struct {
	// ExplicitSize cross-checks the size computed from the payload length.
	// Zero means no declared size was supplied.
	ExplicitSize int
	// MaxSize overrides DefaultMaxCubeSize when > 0
	MaxSize int
}

// index returns the offset of texel (r, g, b) in Data
func (c *Cube) index(r, g, b int) int {
	return ((b*c.Size+g)*c.Size + r) * CubeChannels
}

// At returns the RGB value stored at cube coordinate (r, g, b)
func (c *Cube) At(r, g, b int) (float32, float32, float32) {
	i := c.index(r, g, b)
	return c.Data[i], c.Data[i+1], c.Data[i+2]
}

// NewCube allocates a zeroed cube of the given side length
func NewCube(size int) (*Cube, error) {
	if size < MinCubeSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("size %d below minimum %d: %w", size, MinCubeSize, errors.ErrCubeTooSmall),
			"lut", "NewCube", "size validation")
	}
	return &Cube{
		Size: size,
		Data: make([]float32, size*size*size*CubeChannels),
	}, nil
}

// DecodeCube interprets data as a flat sequence of little-endian float32
// RGBA groups and reshapes it into a validated N×N×N cube. The side length
// is derived from the payload length and must be a perfect cube; when
// cfg.ExplicitSize is set it must agree with the derived size. Alpha is
// dropped. Values are preserved exactly, never clamped.
func DecodeCube(data []byte, cfg DecodeConfig) (*Cube, error) {
	if len(data) == 0 || len(data)%wireBytesPerTexel != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload length %d is not a whole number of RGBA float32 texels: %w",
				len(data), errors.ErrMalformedPayload),
			"lut", "DecodeCube", "payload length validation")
	}

	texels := len(data) / wireBytesPerTexel
	size := int(math.Round(math.Cbrt(float64(texels))))
	if size*size*size != texels {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d texels is not a perfect cube: %w", texels, errors.ErrMalformedPayload),
			"lut", "DecodeCube", "perfect cube validation")
	}

	if cfg.ExplicitSize > 0 && cfg.ExplicitSize != size {
		return nil, errors.WrapInvalid(
			fmt.Errorf("computed size %d but lutSize declares %d: %w",
				size, cfg.ExplicitSize, errors.ErrSizeMismatch),
			"lut", "DecodeCube", "explicit size validation")
	}

	// Size limits are enforced before cube allocation
	if size < MinCubeSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("size %d below minimum %d: %w", size, MinCubeSize, errors.ErrCubeTooSmall),
			"lut", "DecodeCube", "minimum size validation")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCubeSize
	}
	if size > maxSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("size %d exceeds maximum %d: %w", size, maxSize, errors.ErrCubeTooLarge),
			"lut", "DecodeCube", "maximum size validation")
	}

	cube := &Cube{
		Size: size,
		Data: make([]float32, texels*CubeChannels),
	}
	for i := 0; i < texels; i++ {
		src := i * wireBytesPerTexel
		dst := i * CubeChannels
		cube.Data[dst] = math.Float32frombits(binary.LittleEndian.Uint32(data[src:]))
		cube.Data[dst+1] = math.Float32frombits(binary.LittleEndian.Uint32(data[src+4:]))
		cube.Data[dst+2] = math.Float32frombits(binary.LittleEndian.Uint32(data[src+8:]))
		// data[src+12:src+16] is alpha, dropped by policy
	}

	return cube, nil
}

// WireBytes encodes the cube back into the wire payload layout: little-endian
// float32 RGBA groups, red fastest, alpha fixed at 1.0. Primarily used by
// clients and tests to build setLUT payloads.
func (c *Cube) WireBytes() []byte {
	texels := c.Size * c.Size * c.Size
	out := make([]byte, texels*wireBytesPerTexel)
	for i := 0; i < texels; i++ {
		src := i * CubeChannels
		dst := i * wireBytesPerTexel
		binary.LittleEndian.PutUint32(out[dst:], math.Float32bits(c.Data[src]))
		binary.LittleEndian.PutUint32(out[dst+4:], math.Float32bits(c.Data[src+1]))
		binary.LittleEndian.PutUint32(out[dst+8:], math.Float32bits(c.Data[src+2]))
		binary.LittleEndian.PutUint32(out[dst+12:], math.Float32bits(1.0))
	}
	return out
}
