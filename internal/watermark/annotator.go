// Package watermark burns a provenance stamp into evidence photos. The
// composite is deterministic: identical image, project and timestamp inputs
// produce byte-identical output, which is what makes evidence reproducible
// and testable.
package watermark

import (
	"fmt"
	"image"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	// margin is the fixed distance of the stamp from the left and bottom edges.
	margin = 20
	// outlineRadius is how far the black stroke extends around the text.
	outlineRadius = 2
	// widthDivisor scales the font with image resolution: size = width / widthDivisor.
	widthDivisor = 25
)

// Annotator composites the provenance watermark onto captured images.
type Annotator struct {
	productTag string
	font       *truetype.Font
}

// New parses the embedded typeface and returns an annotator stamping with the
// given product tag. Using a compiled-in font keeps output independent of the
// host's font installation.
func New(productTag string) (*Annotator, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse watermark font: %w", err)
	}
	return &Annotator{productTag: productTag, font: f}, nil
}

// Text returns the stamp string for a project and capture time.
func (a *Annotator) Text(project string, ts time.Time) string {
	return fmt.Sprintf("%s | %s | %s", project, ts.Format("2006-01-02 15:04"), a.productTag)
}

// Annotate returns a copy of img with the watermark drawn at the bottom-left.
// The text is stroked in black at every integer offset within the outline
// radius, then filled once in yellow, so it stays legible on any background.
// Images smaller than the stamp footprint clip the text; Annotate never fails.
func (a *Annotator) Annotate(img image.Image, project string, ts time.Time) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 1 || h < 1 {
		return img
	}

	size := w / widthDivisor
	if size < 1 {
		size = 1
	}
	face := truetype.NewFace(a.font, &truetype.Options{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingNone,
	})

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)
	dc.SetFontFace(face)

	text := a.Text(project, ts)
	x := float64(margin)
	y := float64(h - margin) // baseline; glyphs extend upward from here

	dc.SetRGB(0, 0, 0)
	for dy := -outlineRadius; dy <= outlineRadius; dy++ {
		for dx := -outlineRadius; dx <= outlineRadius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			dc.DrawString(text, x+float64(dx), y+float64(dy))
		}
	}

	dc.SetRGB255(255, 255, 0)
	dc.DrawString(text, x, y)

	return dc.Image()
}
