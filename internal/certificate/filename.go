package certificate

import (
	"fmt"
	"regexp"
	"strings"
)

// CustomPrefix marks a filename component holding literal text.
const CustomPrefix = "custom:"

// DefaultFilenameFormat is used when a design does not specify one.
var DefaultFilenameFormat = []string{string(FieldUSN), string(FieldName)}

var (
	whitespaceRun   = regexp.MustCompile(`\s+`)
	unsafeFilenameC = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
)

// BuildFilename derives a PNG filename for r from an ordered component list.
// Components are database field keys, CSV column names or "custom:<text>".
// Empty components are skipped, the rest joined with "-", whitespace turned
// into "_" and anything outside [a-zA-Z0-9-_] removed. index numbers the
// fallback name when nothing survives.
func (res *Resolver) BuildFilename(format []string, r Recipient, index int) string {
	if len(format) == 0 {
		format = DefaultFilenameFormat
	}

	parts := make([]string, 0, len(format))
	for _, component := range format {
		value := res.filenameComponent(component, r)
		value = whitespaceRun.ReplaceAllString(strings.TrimSpace(value), "_")
		value = unsafeFilenameC.ReplaceAllString(value, "")
		if value != "" {
			parts = append(parts, value)
		}
	}

	name := strings.Join(parts, "-")
	if name == "" {
		name = fmt.Sprintf("certificate-%d", index+1)
	}
	return name + ".png"
}

func (res *Resolver) filenameComponent(component string, r Recipient) string {
	if text, ok := strings.CutPrefix(component, CustomPrefix); ok {
		return text
	}

	p := r.Participant
	switch DBField(component) {
	case FieldUSN:
		return p.USN
	case FieldName:
		return p.Name
	case FieldEmail:
		return p.Email
	case FieldTeamName:
		return p.TeamName
	case FieldPrizeType:
		return p.PrizeType
	case FieldEventName:
		return r.Event.Name
	}
	if field := DBField(component); field.Valid() {
		return res.Field(field, r, "")
	}
	return r.Row[component]
}
