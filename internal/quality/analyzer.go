// Package quality scores captured evidence photos for focus and exposure
// defects before they enter the ledger.
package quality

import (
	"image"
)

// Default thresholds. Empirically chosen cutoffs, overridable via config.
const (
	DefaultBlurThreshold = 100.0
	DefaultDarkThreshold = 50.0
)

// Report is the ephemeral per-image scoring result. It is handed back to the
// capture station and never persisted.
type Report struct {
	Blurry     bool    `json:"is_blurry"`
	Dark       bool    `json:"is_dark"`
	Sharpness  float64 `json:"sharpness_score"`
	Brightness float64 `json:"brightness_score"`
}

// Analyzer scores images against configured thresholds.
type Analyzer struct {
	BlurThreshold float64
	DarkThreshold float64
}

// NewAnalyzer builds an analyzer, falling back to defaults for zero thresholds.
func NewAnalyzer(blur, dark float64) Analyzer {
	if blur == 0 {
		blur = DefaultBlurThreshold
	}
	if dark == 0 {
		dark = DefaultDarkThreshold
	}
	return Analyzer{BlurThreshold: blur, DarkThreshold: dark}
}

// Analyze scores an image for blur and underexposure. It is a pure function
// of the pixel data and always returns a best-effort result, including for
// degenerate near-uniform images.
//
// Sharpness is the population variance of a 4-neighbour Laplacian over the
// Rec.601 luminance plane: low variance means little high-frequency edge
// content, which is what motion blur and missed focus look like. An image is
// blurry when sharpness is strictly below the blur threshold, so a variance
// exactly at the threshold is sharp. Brightness is mean luminance on the
// 0-255 scale.
func (a Analyzer) Analyze(img image.Image) Report {
	lum, w, h := luminance(img)

	var sum float64
	for _, v := range lum {
		sum += v
	}
	brightness := 0.0
	if len(lum) > 0 {
		brightness = sum / float64(len(lum))
	}

	sharpness := laplacianVariance(lum, w, h)

	return Report{
		Blurry:     sharpness < a.BlurThreshold,
		Dark:       brightness < a.DarkThreshold,
		Sharpness:  sharpness,
		Brightness: brightness,
	}
}

// luminance flattens any decoded image into a row-major Rec.601 luma plane.
// Fixed channel weighting keeps scoring deterministic across color spaces;
// alpha is ignored.
func luminance(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, 0, 0
	}
	lum := make([]float64, w*h)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// RGBA returns 16-bit channels; scale back to 0-255.
			lum[i] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
			i++
		}
	}
	return lum, w, h
}

// laplacianVariance convolves the luma plane with the discrete 4-neighbour
// Laplacian and returns the variance of the response over interior pixels.
// Images too small to have interior pixels score zero.
func laplacianVariance(lum []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}

	n := (w - 2) * (h - 2)
	resp := make([]float64, 0, n)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := lum[y*w+x]
			v := lum[(y-1)*w+x] + lum[(y+1)*w+x] + lum[y*w+x-1] + lum[y*w+x+1] - 4*c
			resp = append(resp, v)
		}
	}

	var mean float64
	for _, v := range resp {
		mean += v
	}
	mean /= float64(n)

	var variance float64
	for _, v := range resp {
		d := v - mean
		variance += d * d
	}
	return variance / float64(n)
}
