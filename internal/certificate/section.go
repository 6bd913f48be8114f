package certificate

import "github.com/google/uuid"

// Align is the horizontal alignment of a section's lines.
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// Section defaults applied when an operator drops a new placement.
const (
	DefaultFontSize       = 24
	DefaultFontFamily     = "sans-serif"
	DefaultColor          = "#000000"
	DefaultFontWeight     = "normal"
	DefaultTextDecoration = "none"
)

// Section is a positioned block of certificate text. RawText is the source of
// truth for content; Segments add per-run styling on top of it.
//
// X,Y is the anchor. With MaxWidth set, X is the centre of the section box
// whatever the alignment; without it the box collapses onto the anchor.
type Section struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	X                     float64   `json:"x"`
	Y                     float64   `json:"y"`
	TextAlign             Align     `json:"textAlign"`
	MaxWidth              *float64  `json:"maxWidth,omitempty"`
	Segments              []Segment `json:"segments"`
	RawText               string    `json:"rawText"`
	DefaultFontSize       float64   `json:"defaultFontSize"`
	DefaultFontFamily     string    `json:"defaultFontFamily"`
	DefaultColor          string    `json:"defaultColor"`
	DefaultFontWeight     string    `json:"defaultFontWeight"`
	DefaultTextDecoration string    `json:"defaultTextDecoration"`

	// NeedsReview is set when a text edit dropped segment styling the
	// operator had applied. It stays set until MarkReviewed.
	NeedsReview bool `json:"needsReview,omitempty"`
}

// NewSection returns a section at (x, y) holding the sample text.
func NewSection(name string, x, y float64) Section {
	return Section{
		ID:                    uuid.NewString(),
		Name:                  name,
		X:                     x,
		Y:                     y,
		TextAlign:             AlignCenter,
		Segments:              ParseSegments("", nil),
		DefaultFontSize:       DefaultFontSize,
		DefaultFontFamily:     DefaultFontFamily,
		DefaultColor:          DefaultColor,
		DefaultFontWeight:     DefaultFontWeight,
		DefaultTextDecoration: DefaultTextDecoration,
	}
}

// SetText replaces the raw text and re-parses segments, carrying styling
// forward where possible.
func (s *Section) SetText(raw string) {
	segments, lost := Reparse(raw, s.Segments)
	s.RawText = raw
	s.Segments = segments
	s.NeedsReview = s.NeedsReview || len(lost) > 0
}

// MarkReviewed clears the review flag once the operator has checked the
// section.
func (s *Section) MarkReviewed() {
	s.NeedsReview = false
}

// Style is a fully resolved set of text style properties.
type Style struct {
	FontSize       float64 `json:"fontSize"`
	FontFamily     string  `json:"fontFamily"`
	Color          string  `json:"color"`
	FontWeight     string  `json:"fontWeight"`
	TextDecoration string  `json:"textDecoration"`
}

// Font returns the font part of the style.
func (s Style) Font() FontSpec {
	return FontSpec{Size: s.FontSize, Family: s.FontFamily, Weight: s.FontWeight}
}

// Underlined reports whether the style asks for an underline stroke.
func (s Style) Underlined() bool {
	return s.TextDecoration == "underline"
}

// DefaultStyle returns the section-level style.
func (s Section) DefaultStyle() Style {
	return Style{
		FontSize:       s.DefaultFontSize,
		FontFamily:     s.DefaultFontFamily,
		Color:          s.DefaultColor,
		FontWeight:     s.DefaultFontWeight,
		TextDecoration: s.DefaultTextDecoration,
	}
}

// EffectiveStyle resolves each field from the segment override, falling back
// to the section default.
func EffectiveStyle(seg Segment, sec Section) Style {
	style := sec.DefaultStyle()
	if seg.FontSize != nil {
		style.FontSize = *seg.FontSize
	}
	if seg.FontFamily != nil {
		style.FontFamily = *seg.FontFamily
	}
	if seg.Color != nil {
		style.Color = *seg.Color
	}
	if seg.FontWeight != nil {
		style.FontWeight = *seg.FontWeight
	}
	if seg.TextDecoration != nil {
		style.TextDecoration = *seg.TextDecoration
	}
	return style
}
