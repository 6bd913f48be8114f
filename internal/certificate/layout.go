package certificate

import (
	"fmt"
	"strings"
)

// lineLeading is added to the largest font size to get the line height.
const lineLeading = 5

// underlineOffset is the distance from baseline to the underline stroke.
const underlineOffset = 2

// FontSpec identifies a font face at a pixel size.
type FontSpec struct {
	Size   float64
	Family string
	Weight string
}

// String renders the spec in CSS font shorthand, e.g. "bold 24px serif".
func (f FontSpec) String() string {
	return fmt.Sprintf("%s %gpx %s", f.Weight, f.Size, f.Family)
}

// Measurer reports the advance width in pixels of text set in a font.
type Measurer interface {
	MeasureTextWidth(font FontSpec, text string) float64
}

// LayoutLines breaks segments into lines no wider than maxWidth.
//
// A nil maxWidth keeps everything on one line. A section made of a single
// literal segment wraps by words; anything else wraps by whole segments and
// never splits a segment. Every line holds at least one word or segment.
func LayoutLines(segments []Segment, sec Section, maxWidth *float64, m Measurer) [][]Segment {
	if len(segments) == 0 {
		return nil
	}
	if maxWidth == nil {
		return [][]Segment{segments}
	}
	if len(segments) == 1 && !segments[0].IsVariable {
		return wrapWords(segments[0], sec, *maxWidth, m)
	}
	return wrapSegments(segments, sec, *maxWidth, m)
}

func wrapWords(seg Segment, sec Section, maxWidth float64, m Measurer) [][]Segment {
	font := EffectiveStyle(seg, sec).Font()
	words := strings.Split(seg.Text, " ")

	var (
		lines   [][]Segment
		current string
	)
	emit := func(text string) {
		line := seg
		line.Text = strings.TrimRight(text, " ")
		lines = append(lines, []Segment{line})
	}

	for _, word := range words {
		candidate := current + word + " "
		if current != "" && m.MeasureTextWidth(font, strings.TrimRight(candidate, " ")) > maxWidth {
			emit(current)
			current = word + " "
			continue
		}
		current = candidate
	}
	if current != "" {
		emit(current)
	}
	return lines
}

func wrapSegments(segments []Segment, sec Section, maxWidth float64, m Measurer) [][]Segment {
	var (
		lines   [][]Segment
		current []Segment
		width   float64
	)
	for _, seg := range segments {
		w := m.MeasureTextWidth(EffectiveStyle(seg, sec).Font(), seg.Text)
		if len(current) > 0 && width+w > maxWidth {
			lines = append(lines, current)
			current, width = nil, 0
		}
		current = append(current, seg)
		width += w
	}
	if len(current) > 0 {
		lines = append(lines, current)
	}
	return lines
}

// LineWidth is the summed advance of every segment on the line.
func LineWidth(line []Segment, sec Section, m Measurer) float64 {
	var w float64
	for _, seg := range line {
		w += m.MeasureTextWidth(EffectiveStyle(seg, sec).Font(), seg.Text)
	}
	return w
}

// LineStartX returns the left edge of a line of the given width.
func LineStartX(sec Section, lineWidth float64) float64 {
	if sec.MaxWidth == nil {
		switch sec.TextAlign {
		case AlignCenter:
			return sec.X - lineWidth/2
		case AlignRight:
			return sec.X - lineWidth
		default:
			return sec.X
		}
	}

	boxWidth := *sec.MaxWidth
	boundsLeft := sec.X - boxWidth/2
	switch sec.TextAlign {
	case AlignCenter:
		return boundsLeft + (boxWidth-lineWidth)/2
	case AlignRight:
		return sec.X + boxWidth/2 - lineWidth
	default:
		return boundsLeft
	}
}

// LineHeight is the largest effective font size across segments plus a fixed
// leading.
func LineHeight(segments []Segment, sec Section) float64 {
	largest := sec.DefaultFontSize
	if len(segments) > 0 {
		largest = 0
	}
	for _, seg := range segments {
		if size := EffectiveStyle(seg, sec).FontSize; size > largest {
			largest = size
		}
	}
	return largest + lineLeading
}

// PlacedRun is one segment positioned on the output surface.
type PlacedRun struct {
	Segment Segment
	Style   Style
	X       float64
	Width   float64
}

// PlacedLine is a laid out line with its baseline and runs.
type PlacedLine struct {
	X        float64
	Baseline float64
	Width    float64
	Runs     []PlacedRun
}

// UnderlineY returns the y coordinate of underline strokes on the line.
func (l PlacedLine) UnderlineY() float64 {
	return l.Baseline + underlineOffset
}

// Arrange lays out segments for sec and positions every run.
func Arrange(segments []Segment, sec Section, m Measurer) []PlacedLine {
	lines := LayoutLines(segments, sec, sec.MaxWidth, m)
	lineHeight := LineHeight(segments, sec)

	placed := make([]PlacedLine, 0, len(lines))
	for i, line := range lines {
		pl := PlacedLine{
			Baseline: sec.Y + float64(i)*lineHeight,
			Runs:     make([]PlacedRun, 0, len(line)),
		}
		for _, seg := range line {
			style := EffectiveStyle(seg, sec)
			w := m.MeasureTextWidth(style.Font(), seg.Text)
			pl.Runs = append(pl.Runs, PlacedRun{Segment: seg, Style: style, Width: w})
			pl.Width += w
		}
		pl.X = LineStartX(sec, pl.Width)

		x := pl.X
		for j := range pl.Runs {
			pl.Runs[j].X = x
			x += pl.Runs[j].Width
		}
		placed = append(placed, pl)
	}
	return placed
}
