package lut

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

// Hald is the 2D tiled texture representation of a cube: height N, width N²,
// four float32 channels per pixel (RGBA). Each horizontal band of N columns
// holds one blue slice of the cube; within a band the column is the red
// coordinate and the row is the green coordinate.
type Hald struct {
	Width  int
	Height int
	Data   []float32 // len = Width * Height * HaldChannels, row-major
}

// Size returns the side length of the cube this texture was tiled from
func (h *Hald) Size() int {
	return h.Height
}

// pixel returns the offset of pixel (x, y) in Data
func (h *Hald) pixel(x, y int) int {
	return (y*h.Width + x) * HaldChannels
}

// Bytes serializes the texture as little-endian float32 values, row-major
// RGBA. This is the layout sinks hand to GPU texture uploads and wire frames.
func (h *Hald) Bytes() []byte {
	out := make([]byte, len(h.Data)*4)
	for i, v := range h.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// CubeToHald tiles a cube into its Hald texture: for blue index b, the
// horizontal band [b·N, (b+1)·N) of every row carries the cube slice at that
// blue index, alpha fixed at 1.0. The output buffer is sized once up front.
func CubeToHald(c *Cube) *Hald {
	n := c.Size
	h := &Hald{
		Width:  n * n,
		Height: n,
		Data:   make([]float32, n*n*n*HaldChannels),
	}

	for b := 0; b < n; b++ {
		band := b * n
		for g := 0; g < n; g++ {
			for r := 0; r < n; r++ {
				src := c.index(r, g, b)
				dst := h.pixel(band+r, g)
				h.Data[dst] = c.Data[src]
				h.Data[dst+1] = c.Data[src+1]
				h.Data[dst+2] = c.Data[src+2]
				h.Data[dst+3] = 1.0
			}
		}
	}

	return h
}

// HaldToCube inverts the blue-slice tiling exactly (alpha is discarded).
// Used for round-trip verification and file load paths, not the hot
// ingestion path.
func HaldToCube(h *Hald) (*Cube, error) {
	n := h.Height
	if n < MinCubeSize || h.Width != n*n {
		return nil, errors.WrapInvalid(
			fmt.Errorf("texture %dx%d is not a Hald layout: %w",
				h.Width, h.Height, errors.ErrDimensionMismatch),
			"lut", "HaldToCube", "texture shape validation")
	}
	if len(h.Data) != h.Width*h.Height*HaldChannels {
		return nil, errors.WrapInvalid(
			fmt.Errorf("texture buffer holds %d floats, want %d: %w",
				len(h.Data), h.Width*h.Height*HaldChannels, errors.ErrDimensionMismatch),
			"lut", "HaldToCube", "texture buffer validation")
	}

	cube := &Cube{
		Size: n,
		Data: make([]float32, n*n*n*CubeChannels),
	}
	for b := 0; b < n; b++ {
		band := b * n
		for g := 0; g < n; g++ {
			for r := 0; r < n; r++ {
				src := h.pixel(band+r, g)
				dst := cube.index(r, g, b)
				cube.Data[dst] = h.Data[src]
				cube.Data[dst+1] = h.Data[src+1]
				cube.Data[dst+2] = h.Data[src+2]
			}
		}
	}

	return cube, nil
}
