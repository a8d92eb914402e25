package lut

import (
	"fmt"
	"math"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

// Identity generates a LUT where output equals input: cell (r, g, b) holds
// (r, g, b) normalized to [0, 1].
func Identity(size int) (*Cube, error) {
	cube, err := NewCube(size)
	if err != nil {
		return nil, err
	}

	step := 1.0 / float64(size-1)
	for b := 0; b < size; b++ {
		for g := 0; g < size; g++ {
			for r := 0; r < size; r++ {
				i := cube.index(r, g, b)
				cube.Data[i] = float32(float64(r) * step)
				cube.Data[i+1] = float32(float64(g) * step)
				cube.Data[i+2] = float32(float64(b) * step)
			}
		}
	}
	return cube, nil
}

// Transform returns a new cube with fn applied to every cell. The receiver
// is not modified.
func (c *Cube) Transform(fn func(r, g, b float32) (float32, float32, float32)) *Cube {
	out := &Cube{
		Size: c.Size,
		Data: make([]float32, len(c.Data)),
	}
	for i := 0; i < len(c.Data); i += CubeChannels {
		out.Data[i], out.Data[i+1], out.Data[i+2] = fn(c.Data[i], c.Data[i+1], c.Data[i+2])
	}
	return out
}

// Gamma generates a gamma-corrected LUT. Generated LUTs are display-referred,
// so inputs are clamped to [0, 1] before the power curve.
func Gamma(size int, gamma float64) (*Cube, error) {
	if gamma <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("gamma %g must be positive: %w", gamma, errors.ErrInvalidConfig),
			"lut", "Gamma", "parameter validation")
	}

	identity, err := Identity(size)
	if err != nil {
		return nil, err
	}

	inv := 1.0 / gamma
	return identity.Transform(func(r, g, b float32) (float32, float32, float32) {
		return powClamped(r, inv), powClamped(g, inv), powClamped(b, inv)
	}), nil
}

// BrightnessContrast generates a LUT applying contrast around the 0.5
// midpoint followed by a brightness offset, clamped to [0, 1].
func BrightnessContrast(size int, brightness, contrast float64) (*Cube, error) {
	if contrast <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("contrast %g must be positive: %w", contrast, errors.ErrInvalidConfig),
			"lut", "BrightnessContrast", "parameter validation")
	}

	identity, err := Identity(size)
	if err != nil {
		return nil, err
	}

	adjust := func(v float32) float32 {
		return clamp01(float32((float64(v)-0.5)*contrast + 0.5 + brightness))
	}
	return identity.Transform(func(r, g, b float32) (float32, float32, float32) {
		return adjust(r), adjust(g), adjust(b)
	}), nil
}

// HueSaturation generates a LUT shifting hue (radians) and scaling
// saturation in HSV space.
func HueSaturation(size int, hueShift, saturation float64) (*Cube, error) {
	if saturation < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("saturation %g must be non-negative: %w", saturation, errors.ErrInvalidConfig),
			"lut", "HueSaturation", "parameter validation")
	}

	identity, err := Identity(size)
	if err != nil {
		return nil, err
	}

	return identity.Transform(func(r, g, b float32) (float32, float32, float32) {
		h, s, v := rgbToHSV(r, g, b)
		h = math.Mod(h+hueShift+2*math.Pi, 2*math.Pi)
		s = math.Min(s*saturation, 1.0)
		return hsvToRGB(h, s, v)
	}), nil
}

func powClamped(v float32, exp float64) float32 {
	return float32(math.Pow(float64(clamp01(v)), exp))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rgbToHSV converts an RGB triple to hue (radians), saturation, value
func rgbToHSV(r, g, b float32) (h, s, v float64) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	maxV := math.Max(rf, math.Max(gf, bf))
	minV := math.Min(rf, math.Min(gf, bf))
	delta := maxV - minV

	switch {
	case delta == 0:
		h = 0
	case maxV == rf:
		h = math.Mod((gf-bf)/delta, 6)
		if h < 0 {
			h += 6
		}
	case maxV == gf:
		h = (bf-rf)/delta + 2
	default:
		h = (rf-gf)/delta + 4
	}
	h *= math.Pi / 3 // sector to radians

	if maxV > 0 {
		s = delta / maxV
	}
	return h, s, maxV
}

// hsvToRGB converts hue (radians), saturation, value back to RGB
func hsvToRGB(h, s, v float64) (float32, float32, float32) {
	sector := math.Mod(h*3/math.Pi, 6)
	c := v * s
	x := c * (1 - math.Abs(math.Mod(sector, 2)-1))
	m := v - c

	var rf, gf, bf float64
	switch {
	case sector < 1:
		rf, gf, bf = c, x, 0
	case sector < 2:
		rf, gf, bf = x, c, 0
	case sector < 3:
		rf, gf, bf = 0, c, x
	case sector < 4:
		rf, gf, bf = 0, x, c
	case sector < 5:
		rf, gf, bf = x, 0, c
	default:
		rf, gf, bf = c, 0, x
	}

	return clamp01(float32(rf + m)), clamp01(float32(gf + m)), clamp01(float32(bf + m))
}
