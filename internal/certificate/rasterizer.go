package certificate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrTemplateDecode is returned when template bytes are not a decodable image.
var ErrTemplateDecode = errors.New("decode template image")

const underlineWidth = 1

// Rasterizer paints sections onto a template image. Renders are serialized:
// the font faces it draws with are shared.
type Rasterizer struct {
	fonts *FontLibrary
	mu    sync.Mutex
}

// NewRasterizer returns a rasterizer drawing with fonts.
func NewRasterizer(fonts *FontLibrary) *Rasterizer {
	return &Rasterizer{fonts: fonts}
}

// Measurer exposes the rasterizer's text metrics.
func (r *Rasterizer) Measurer() Measurer {
	return r.fonts
}

// DecodeTemplate decodes a PNG, JPEG, GIF, BMP or WebP template.
func DecodeTemplate(template []byte) (image.Image, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrTemplateDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(template))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateDecode, err)
	}
	return img, nil
}

// Render decodes template, paints every section with values substituted into
// its variable segments and returns the PNG encoding. Output has the
// template's native pixel size. Identical inputs give identical bytes.
func (r *Rasterizer) Render(template []byte, sections []Section, values ResolvedValues) ([]byte, error) {
	dc, err := r.render(template, sections, values)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderImage is Render without the PNG encoding step.
func (r *Rasterizer) RenderImage(template []byte, sections []Section, values ResolvedValues) (image.Image, error) {
	dc, err := r.render(template, sections, values)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

func (r *Rasterizer) render(template []byte, sections []Section, values ResolvedValues) (*gg.Context, error) {
	src, err := DecodeTemplate(template)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bounds := src.Bounds()
	surface := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(surface, surface.Bounds(), src, bounds.Min, draw.Src)

	dc := gg.NewContextForRGBA(surface)
	for _, sec := range sections {
		r.drawSection(dc, sec, Substitute(sec, values[sec.ID]))
	}
	return dc, nil
}

// Substitute returns a working copy of the section's segments with resolved
// text in place of variable placeholders.
func Substitute(sec Section, resolved map[string]string) []Segment {
	working := make([]Segment, len(sec.Segments))
	copy(working, sec.Segments)
	for i, seg := range working {
		if !seg.IsVariable {
			continue
		}
		if v, ok := resolved[seg.ID]; ok {
			working[i].Text = v
		}
	}
	return working
}

func (r *Rasterizer) drawSection(dc *gg.Context, sec Section, segments []Segment) {
	for _, line := range Arrange(segments, sec, r.fonts) {
		for _, run := range line.Runs {
			dc.SetFontFace(r.fonts.Face(run.Style.Font()))
			dc.SetColor(ParseColor(run.Style.Color))
			dc.DrawString(run.Segment.Text, run.X, line.Baseline)

			if run.Style.Underlined() && run.Width > 0 {
				dc.SetLineWidth(underlineWidth)
				dc.DrawLine(run.X, line.UnderlineY(), run.X+run.Width, line.UnderlineY())
				dc.Stroke()
			}
		}
	}
}

// ParseColor converts "#rgb", "#rrggbb" or "#rrggbbaa" to a color. Anything
// else paints black.
func ParseColor(s string) color.NRGBA {
	black := color.NRGBA{A: 255}

	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return black
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return black
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}
}
