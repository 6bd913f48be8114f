package certificate

import (
	"fmt"
	"strings"
	"time"
)

// DBField is a database-derived value a template variable can be bound to.
type DBField string

const (
	FieldUSN           DBField = "usn"
	FieldName          DBField = "name"
	FieldEmail         DBField = "email"
	FieldEventName     DBField = "eventName"
	FieldEventVenue    DBField = "eventVenue"
	FieldEventType     DBField = "eventType"
	FieldEventCategory DBField = "eventCategory"
	FieldEventFromDate DBField = "eventFromDate"
	FieldEventToDate   DBField = "eventToDate"
	FieldPrizeType     DBField = "prizeType"
	FieldPrizePosition DBField = "prizePosition"
	FieldTeamName      DBField = "teamName"
	FieldIsTeamLeader  DBField = "isTeamLeader"
)

// KnownVariable describes one entry of the variable catalog shown to
// operators.
type KnownVariable struct {
	Key   DBField `json:"key"`
	Label string  `json:"label"`
}

// Catalog lists every database field a variable can be mapped to.
var Catalog = []KnownVariable{
	{FieldUSN, "USN"},
	{FieldName, "Participant Name"},
	{FieldEmail, "Email"},
	{FieldEventName, "Event Name"},
	{FieldEventVenue, "Event Venue"},
	{FieldEventType, "Event Type"},
	{FieldEventCategory, "Event Category"},
	{FieldEventFromDate, "Event Start Date"},
	{FieldEventToDate, "Event End Date"},
	{FieldPrizeType, "Prize Type"},
	{FieldPrizePosition, "Prize Position"},
	{FieldTeamName, "Team Name"},
	{FieldIsTeamLeader, "Team Role"},
}

// Label returns the catalog label for f.
func (f DBField) Label() (string, bool) {
	for _, v := range Catalog {
		if v.Key == f {
			return v.Label, true
		}
	}
	return "", false
}

// Valid reports whether f is in the catalog.
func (f DBField) Valid() bool {
	_, ok := f.Label()
	return ok
}

// Prize tiers as stored on teams.
const (
	PrizeWinner         = "WINNER"
	PrizeRunnerUp       = "RUNNER_UP"
	PrizeSecondRunnerUp = "SECOND_RUNNER_UP"
	PrizeParticipation  = "PARTICIPATION"
)

const notAvailable = "N/A"

// VariableMapping binds section variable names to database fields.
type VariableMapping map[string]DBField

// ExtraDataMapping binds section variable names to CSV column names.
type ExtraDataMapping map[string]string

// Mappings groups both bindings for one design.
type Mappings struct {
	Variables VariableMapping  `json:"variableMapping"`
	ExtraData ExtraDataMapping `json:"extraDataMapping"`
}

// Event is the subset of event attributes certificates can show.
type Event struct {
	ID        uint       `json:"id"`
	Name      string     `json:"name"`
	Venue     string     `json:"venue"`
	EventType string     `json:"eventType"`
	Category  string     `json:"category"`
	FromDate  *time.Time `json:"fromDate,omitempty"`
	ToDate    *time.Time `json:"toDate,omitempty"`
}

// Participant is one confirmed team member of an event.
type Participant struct {
	USN          string `json:"usn"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	TeamName     string `json:"teamName"`
	PrizeType    string `json:"prizeType,omitempty"`
	IsTeamLeader bool   `json:"isTeamLeader"`
}

// Recipient is everything known about one certificate's subject.
type Recipient struct {
	Participant Participant
	Event       Event
	// Row holds CSV extra data keyed by column name; nil when no CSV row
	// matched.
	Row map[string]string
}

// DefaultDateLayout matches a short en-US locale date.
const DefaultDateLayout = "1/2/2006"

// Resolver turns variable segments into display strings.
type Resolver struct {
	DateLayout string
}

// NewResolver returns a resolver formatting dates with layout, or
// DefaultDateLayout when layout is empty.
func NewResolver(layout string) *Resolver {
	if strings.TrimSpace(layout) == "" {
		layout = DefaultDateLayout
	}
	return &Resolver{DateLayout: layout}
}

// Resolve returns the text a segment displays for r.
//
// A non-empty CSV cell reached through the extra data mapping wins. An empty
// or missing cell falls through to the database mapping. A variable bound to
// neither keeps its placeholder text so unmapped variables stay visible.
func (res *Resolver) Resolve(seg Segment, r Recipient, m Mappings) string {
	if !seg.IsVariable {
		return seg.Text
	}
	if column, ok := m.ExtraData[seg.VariableName]; ok && column != "" && r.Row != nil {
		if v := r.Row[column]; v != "" {
			return v
		}
	}
	if field, ok := m.Variables[seg.VariableName]; ok && field != "" {
		return res.Field(field, r, seg.Text)
	}
	return placeholderText(seg)
}

// Field returns the value of a database field for r. placeholder is returned
// for keys outside the catalog.
func (res *Resolver) Field(field DBField, r Recipient, placeholder string) string {
	p, e := r.Participant, r.Event
	switch field {
	case FieldUSN:
		return orNA(p.USN)
	case FieldName:
		return orNA(p.Name)
	case FieldEmail:
		return orNA(p.Email)
	case FieldEventName:
		return orNA(e.Name)
	case FieldEventVenue:
		return orNA(e.Venue)
	case FieldEventType:
		return orNA(e.EventType)
	case FieldEventCategory:
		return orNA(e.Category)
	case FieldEventFromDate:
		return res.date(e.FromDate)
	case FieldEventToDate:
		return res.date(e.ToDate)
	case FieldPrizeType:
		if p.PrizeType == "" {
			return PrizeParticipation
		}
		return p.PrizeType
	case FieldPrizePosition:
		return PrizePosition(p.PrizeType)
	case FieldTeamName:
		if p.TeamName == "" {
			return "Individual"
		}
		return p.TeamName
	case FieldIsTeamLeader:
		if p.IsTeamLeader {
			return "Team Leader"
		}
		return "Team Member"
	}
	if label, ok := field.Label(); ok {
		return label
	}
	return placeholder
}

// PrizePosition maps a prize tier onto its ordinal.
func PrizePosition(prizeType string) string {
	switch prizeType {
	case PrizeWinner:
		return "1st"
	case PrizeRunnerUp:
		return "2nd"
	case PrizeSecondRunnerUp:
		return "3rd"
	default:
		return "Participant"
	}
}

func (res *Resolver) date(t *time.Time) string {
	if t == nil || t.IsZero() {
		return notAvailable
	}
	return t.Format(res.DateLayout)
}

func orNA(v string) string {
	if v == "" {
		return notAvailable
	}
	return v
}

func placeholderText(seg Segment) string {
	if seg.Text != "" {
		return seg.Text
	}
	return fmt.Sprintf("{{%s}}", seg.VariableName)
}

// ResolvedValues holds substituted text keyed by section id, then segment id.
type ResolvedValues map[string]map[string]string

// ResolveSections resolves every variable segment of sections for r.
func (res *Resolver) ResolveSections(sections []Section, r Recipient, m Mappings) ResolvedValues {
	values := make(ResolvedValues, len(sections))
	for _, sec := range sections {
		perSegment := make(map[string]string, len(sec.Segments))
		for _, seg := range sec.Segments {
			if seg.IsVariable {
				perSegment[seg.ID] = res.Resolve(seg, r, m)
			}
		}
		values[sec.ID] = perSegment
	}
	return values
}

// Variables returns the distinct variable names used by sections in order of
// first appearance.
func Variables(sections []Section) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, sec := range sections {
		for _, seg := range sec.Segments {
			if !seg.IsVariable {
				continue
			}
			if _, ok := seen[seg.VariableName]; ok {
				continue
			}
			seen[seg.VariableName] = struct{}{}
			names = append(names, seg.VariableName)
		}
	}
	return names
}

// FillText replaces {{key}} placeholders in free text such as a mail subject.
// Keys are looked up as database fields first, then as CSV columns of the
// recipient's row. Unknown keys are left untouched.
func (res *Resolver) FillText(text string, r Recipient) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if field := DBField(key); field.Valid() {
			return res.Field(field, r, match)
		}
		if v, ok := r.Row[key]; ok && v != "" {
			return v
		}
		return match
	})
}
