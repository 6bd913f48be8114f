package certificate

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func whiteTemplate(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode template: %v", err)
	}
	return buf.Bytes()
}

func newTestRasterizer(t *testing.T) *Rasterizer {
	t.Helper()
	fonts, err := NewFontLibrary("", nil)
	if err != nil {
		t.Fatalf("font library: %v", err)
	}
	return NewRasterizer(fonts)
}

func congratulationsSection() Section {
	w := 400.0
	sec := NewSection("headline", 400, 300)
	sec.MaxWidth = &w
	sec.TextAlign = AlignCenter
	sec.SetText("Congratulations {{name}}!")
	return sec
}

func isDark(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r < 0x8000 && g < 0x8000 && b < 0x8000
}

func TestRasterizer_EndToEnd(t *testing.T) {
	r := newTestRasterizer(t)
	sec := congratulationsSection()
	rec := Recipient{Participant: Participant{Name: "Asha Rao"}, Event: Event{Name: "Hack Day"}}
	values := NewResolver("").ResolveSections([]Section{sec}, rec, Mappings{
		Variables: VariableMapping{"name": FieldName},
	})

	lines := Arrange(Substitute(sec, values[sec.ID]), sec, r.Measurer())
	if len(lines) != 1 {
		t.Fatalf("expected one line got %d", len(lines))
	}
	line := lines[0]
	if got := JoinSegments(segmentsOf(line)); got != "Congratulations Asha Rao!" {
		t.Fatalf("unexpected line text %q", got)
	}
	if line.Baseline != 300 {
		t.Fatalf("expected baseline 300 got %v", line.Baseline)
	}
	wantX := 400 - 200 + (400-line.Width)/2
	if math.Abs(line.X-wantX) > 1e-9 {
		t.Fatalf("expected line start %v got %v", wantX, line.X)
	}

	out, err := r.Render(whiteTemplate(t, 800, 600), []Section{sec}, values)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 800 || b.Dy() != 600 {
		t.Fatalf("expected 800x600 got %dx%d", b.Dx(), b.Dy())
	}

	minX, maxX := 800, -1
	for y := 270; y <= 306; y++ {
		for x := 0; x < 800; x++ {
			if isDark(img.At(x, y)) {
				minX = min(minX, x)
				maxX = max(maxX, x)
			}
		}
	}
	if maxX < 0 {
		t.Fatalf("no text painted near the anchor")
	}
	if center := float64(minX+maxX) / 2; math.Abs(center-400) > 6 {
		t.Fatalf("text not centered on 400: ink spans %d..%d", minX, maxX)
	}
	if isDark(img.At(10, 10)) || isDark(img.At(400, 500)) {
		t.Fatalf("unexpected ink away from the section")
	}
}

func segmentsOf(line PlacedLine) []Segment {
	out := make([]Segment, len(line.Runs))
	for i, run := range line.Runs {
		out[i] = run.Segment
	}
	return out
}

func TestRasterizer_Deterministic(t *testing.T) {
	r := newTestRasterizer(t)
	sec := congratulationsSection()
	sec.Segments[1].TextDecoration = ptr("underline")
	sec.Segments[1].FontWeight = ptr("bold")
	tpl := whiteTemplate(t, 320, 200)
	values := ResolvedValues{sec.ID: {sec.Segments[1].ID: "Asha Rao"}}

	first, err := r.Render(tpl, []Section{sec}, values)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := r.Render(tpl, []Section{sec}, values)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("identical inputs produced different output")
	}
}

func TestRasterizer_UnderlineStroke(t *testing.T) {
	r := newTestRasterizer(t)
	sec := congratulationsSection()
	sec.Segments[1].TextDecoration = ptr("underline")
	values := ResolvedValues{sec.ID: {sec.Segments[1].ID: "Asha Rao"}}

	out, err := r.Render(whiteTemplate(t, 800, 600), []Section{sec}, values)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	lines := Arrange(Substitute(sec, values[sec.ID]), sec, r.Measurer())
	if len(lines) != 1 || len(lines[0].Runs) != 3 {
		t.Fatalf("expected one line of three runs got %+v", lines)
	}
	line := lines[0]
	y := int(math.Floor(line.UnderlineY()))

	// inked reports whether the stroke rows around y carry paint at x.
	inked := func(x int) bool {
		for dy := -1; dy <= 1; dy++ {
			if r, _, _, _ := img.At(x, y+dy).RGBA(); r < 0xe000 {
				return true
			}
		}
		return false
	}

	name := line.Runs[1]
	from, to := int(name.X)+2, int(name.X+name.Width)-2
	covered := 0
	for x := from; x < to; x++ {
		if inked(x) {
			covered++
		}
	}
	if covered != to-from {
		t.Fatalf("expected a continuous stroke under the name, inked %d of %d columns", covered, to-from)
	}

	bang := line.Runs[2]
	for x := int(bang.X) + 1; x < int(bang.X+bang.Width)-1; x++ {
		r0, _, _, _ := img.At(x, y).RGBA()
		r1, _, _, _ := img.At(x, y+1).RGBA()
		if r0 < 0xc000 || r1 < 0xc000 {
			t.Fatalf("unexpected stroke under a segment without underline at x=%d", x)
		}
	}
}

func TestRasterizer_DecodeFailure(t *testing.T) {
	r := newTestRasterizer(t)
	if _, err := r.Render([]byte("not an image"), nil, nil); !errors.Is(err, ErrTemplateDecode) {
		t.Fatalf("expected ErrTemplateDecode got %v", err)
	}
	if _, err := r.Render(nil, nil, nil); !errors.Is(err, ErrTemplateDecode) {
		t.Fatalf("expected ErrTemplateDecode for empty input got %v", err)
	}
}

func TestParseColor(t *testing.T) {
	cases := map[string]color.NRGBA{
		"#000000":   {A: 255},
		"#ff0000":   {R: 255, A: 255},
		"#0f0":      {G: 255, A: 255},
		"#11223344": {R: 0x11, G: 0x22, B: 0x33, A: 0x44},
		"red":       {A: 255},
		"":          {A: 255},
	}
	for in, want := range cases {
		if got := ParseColor(in); got != want {
			t.Fatalf("%q: expected %+v got %+v", in, want, got)
		}
	}
}

func TestFontLibrary_Measures(t *testing.T) {
	fonts, err := NewFontLibrary("", nil)
	if err != nil {
		t.Fatalf("font library: %v", err)
	}
	regular := fonts.MeasureTextWidth(FontSpec{Size: 24, Family: "Arial"}, "Certificate")
	large := fonts.MeasureTextWidth(FontSpec{Size: 48, Family: "Arial"}, "Certificate")
	if regular <= 0 || large <= regular {
		t.Fatalf("expected width to grow with size: %v %v", regular, large)
	}
	if fonts.MeasureTextWidth(FontSpec{Size: 24, Family: "Unknown, sans-serif"}, "") != 0 {
		t.Fatalf("empty text should have no width")
	}
	if !IsBold("700") || !IsBold("bold") || IsBold("400") || IsBold("normal") {
		t.Fatalf("unexpected weight classification")
	}
}
