// Package certificate composes certificate images from a template picture and
// positioned text sections, and drives batch generation for an event roster.
package certificate

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// SampleText is painted when a section has no content at all.
const SampleText = "Sample Text"

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Segment is the smallest styleable run of text inside a section.
// Nil style fields inherit from the owning section.
type Segment struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	IsVariable     bool     `json:"isVariable"`
	VariableName   string   `json:"variableName,omitempty"`
	FontSize       *float64 `json:"fontSize,omitempty"`
	FontFamily     *string  `json:"fontFamily,omitempty"`
	Color          *string  `json:"color,omitempty"`
	FontWeight     *string  `json:"fontWeight,omitempty"`
	TextDecoration *string  `json:"textDecoration,omitempty"`
}

// HasOverrides reports whether the segment carries any style of its own.
func (s Segment) HasOverrides() bool {
	return s.FontSize != nil || s.FontFamily != nil || s.Color != nil ||
		s.FontWeight != nil || s.TextDecoration != nil
}

func (s *Segment) inherit(from Segment) {
	s.ID = from.ID
	s.FontSize = from.FontSize
	s.FontFamily = from.FontFamily
	s.Color = from.Color
	s.FontWeight = from.FontWeight
	s.TextDecoration = from.TextDecoration
}

// ParseSegments splits text into literal and {{variable}} segments.
// When previous is given, styling and ids are carried over where a new
// segment can be matched to an old one (see Reparse).
func ParseSegments(text string, previous []Segment) []Segment {
	segments, _ := Reparse(text, previous)
	return segments
}

// Reparse is ParseSegments that also returns the previous segments whose
// style overrides could not be carried onto any new segment.
//
// Matching is best effort: variables match by name, literals by identical
// text or, failing that, by neighbouring position (index distance <= 1) plus
// substring containment in either direction. Each previous segment is
// inherited at most once.
func Reparse(text string, previous []Segment) ([]Segment, []Segment) {
	parsed := split(text)

	used := make([]bool, len(previous))
	for i := range parsed {
		j := matchPrevious(parsed[i], i, previous, used)
		if j < 0 {
			parsed[i].ID = uuid.NewString()
			continue
		}
		used[j] = true
		parsed[i].inherit(previous[j])
	}

	var lost []Segment
	for j, prev := range previous {
		if !used[j] && prev.HasOverrides() {
			lost = append(lost, prev)
		}
	}
	return parsed, lost
}

func split(text string) []Segment {
	var (
		segments []Segment
		literal  strings.Builder
		last     int
	)
	flush := func() {
		if literal.Len() == 0 {
			return
		}
		segments = append(segments, Segment{Text: literal.String()})
		literal.Reset()
	}

	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(text, -1) {
		literal.WriteString(text[last:loc[0]])
		last = loc[1]

		name := strings.TrimSpace(text[loc[2]:loc[3]])
		if name == "" {
			// "{{ }}" names nothing; keep it as plain text.
			literal.WriteString(text[loc[0]:loc[1]])
			continue
		}
		flush()
		segments = append(segments, Segment{
			Text:         text[loc[0]:loc[1]],
			IsVariable:   true,
			VariableName: name,
		})
	}
	literal.WriteString(text[last:])
	flush()

	if len(segments) == 0 {
		segments = append(segments, Segment{Text: SampleText})
	}
	return segments
}

func matchPrevious(seg Segment, index int, previous []Segment, used []bool) int {
	if seg.IsVariable {
		for j, prev := range previous {
			if !used[j] && prev.IsVariable && prev.VariableName == seg.VariableName {
				return j
			}
		}
		return -1
	}

	for j, prev := range previous {
		if !used[j] && !prev.IsVariable && prev.Text == seg.Text {
			return j
		}
	}
	for j, prev := range previous {
		if used[j] || prev.IsVariable || prev.Text == "" || seg.Text == "" {
			continue
		}
		if abs(j-index) > 1 {
			continue
		}
		if strings.Contains(seg.Text, prev.Text) || strings.Contains(prev.Text, seg.Text) {
			return j
		}
	}
	return -1
}

// JoinSegments rebuilds raw text from segments. Variable segments contribute
// their placeholder text.
func JoinSegments(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if s.IsVariable && s.Text == "" {
			b.WriteString("{{" + s.VariableName + "}}")
			continue
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
