package certificate

import (
	"errors"
	"fmt"
	"strings"

	"eventcert/internal/errcode"
)

var (
	ErrNoTemplate       = errors.New("certificate template image is required")
	ErrNoSections       = errors.New("certificate design has no text sections")
	ErrSectionNotFound  = errors.New("section not found")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrUnknownKeyColumn = errors.New("csv key column is not a csv header")
	ErrMissingKeyColumn = errors.New("csv extra data mappings need a key column")
	ErrUnknownColumn    = errors.New("extra data mapping references an unknown csv column")
	ErrUnknownField     = errors.New("variable mapping references an unknown database field")
	ErrInvalidMaxWidth  = errors.New("max width must be positive")
)

// Design is one certificate layout together with its data bindings: what the
// operator builds in the editor before a batch is generated.
type Design struct {
	TemplateKey    string    `json:"templateKey"`
	TemplateWidth  int       `json:"templateWidth,omitempty"`
	TemplateHeight int       `json:"templateHeight,omitempty"`
	Sections       []Section `json:"sections"`
	Mappings       Mappings  `json:"mappings"`
	FilenameFormat []string  `json:"filenameFormat,omitempty"`
	CSV            *CSVData  `json:"csv,omitempty"`
	// KeyColumn is the CSV column matched against RecipientKey to pick
	// each participant's row and restrict the recipient set.
	KeyColumn    string  `json:"keyColumn,omitempty"`
	RecipientKey DBField `json:"recipientKey,omitempty"`
	// QR optionally stamps a verification code on each certificate.
	QR *QRStamp `json:"qr,omitempty"`
}

func (d *Design) section(id string) (*Section, error) {
	for i := range d.Sections {
		if d.Sections[i].ID == id {
			return &d.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, id)
}

// AddSection places a new sample-text section at (x, y) and returns it.
func (d *Design) AddSection(name string, x, y float64) Section {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Section %d", len(d.Sections)+1)
	}
	sec := NewSection(name, x, y)
	d.Sections = append(d.Sections, sec)
	return sec
}

// MoveSection sets the anchor point of a section.
func (d *Design) MoveSection(id string, x, y float64) error {
	sec, err := d.section(id)
	if err != nil {
		return err
	}
	sec.X, sec.Y = x, y
	return nil
}

// ResizeSection sets or, with nil, clears the wrapping width.
func (d *Design) ResizeSection(id string, maxWidth *float64) error {
	sec, err := d.section(id)
	if err != nil {
		return err
	}
	if maxWidth != nil && *maxWidth <= 0 {
		return ErrInvalidMaxWidth
	}
	sec.MaxWidth = maxWidth
	return nil
}

// SetSectionText replaces the raw text of a section and reports whether
// previously applied segment styling was lost.
func (d *Design) SetSectionText(id, raw string) (needsReview bool, err error) {
	sec, err := d.section(id)
	if err != nil {
		return false, err
	}
	sec.SetText(raw)
	return sec.NeedsReview, nil
}

// MarkSectionReviewed clears a section's review flag.
func (d *Design) MarkSectionReviewed(id string) error {
	sec, err := d.section(id)
	if err != nil {
		return err
	}
	sec.MarkReviewed()
	return nil
}

// SetSectionStyle replaces the section defaults and alignment. Zero values
// keep the current setting.
func (d *Design) SetSectionStyle(id string, style Style, align Align) error {
	sec, err := d.section(id)
	if err != nil {
		return err
	}
	if style.FontSize > 0 {
		sec.DefaultFontSize = style.FontSize
	}
	if style.FontFamily != "" {
		sec.DefaultFontFamily = style.FontFamily
	}
	if style.Color != "" {
		sec.DefaultColor = style.Color
	}
	if style.FontWeight != "" {
		sec.DefaultFontWeight = style.FontWeight
	}
	if style.TextDecoration != "" {
		sec.DefaultTextDecoration = style.TextDecoration
	}
	if align != "" {
		sec.TextAlign = align
	}
	return nil
}

// SegmentStyle is a partial override; nil fields are left untouched.
type SegmentStyle struct {
	FontSize       *float64 `json:"fontSize,omitempty"`
	FontFamily     *string  `json:"fontFamily,omitempty"`
	Color          *string  `json:"color,omitempty"`
	FontWeight     *string  `json:"fontWeight,omitempty"`
	TextDecoration *string  `json:"textDecoration,omitempty"`
}

// SetSegmentStyle applies overrides to one segment of a section.
func (d *Design) SetSegmentStyle(sectionID, segmentID string, override SegmentStyle) error {
	seg, err := d.segment(sectionID, segmentID)
	if err != nil {
		return err
	}
	if override.FontSize != nil {
		seg.FontSize = override.FontSize
	}
	if override.FontFamily != nil {
		seg.FontFamily = override.FontFamily
	}
	if override.Color != nil {
		seg.Color = override.Color
	}
	if override.FontWeight != nil {
		seg.FontWeight = override.FontWeight
	}
	if override.TextDecoration != nil {
		seg.TextDecoration = override.TextDecoration
	}
	return nil
}

// ClearSegmentStyle drops every override so the segment inherits again.
func (d *Design) ClearSegmentStyle(sectionID, segmentID string) error {
	seg, err := d.segment(sectionID, segmentID)
	if err != nil {
		return err
	}
	*seg = Segment{ID: seg.ID, Text: seg.Text, IsVariable: seg.IsVariable, VariableName: seg.VariableName}
	return nil
}

func (d *Design) segment(sectionID, segmentID string) (*Segment, error) {
	sec, err := d.section(sectionID)
	if err != nil {
		return nil, err
	}
	for i := range sec.Segments {
		if sec.Segments[i].ID == segmentID {
			return &sec.Segments[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, segmentID)
}

// RemoveSection deletes a section.
func (d *Design) RemoveSection(id string) error {
	for i := range d.Sections {
		if d.Sections[i].ID == id {
			d.Sections = append(d.Sections[:i], d.Sections[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSectionNotFound, id)
}

// Variables returns the distinct variable names used in the design.
func (d *Design) Variables() []string {
	return Variables(d.Sections)
}

// Warning is a problem worth showing the operator that does not block
// generation.
type Warning struct {
	Code      int      `json:"code"`
	Message   string   `json:"message"`
	Variables []string `json:"variables,omitempty"`
}

// Validate checks a design before generation. Blocking problems are returned
// as an error; variables bound to nothing only produce a warning since they
// render as their visible placeholder.
func (d *Design) Validate() ([]Warning, error) {
	if strings.TrimSpace(d.TemplateKey) == "" {
		return nil, ErrNoTemplate
	}
	if len(d.Sections) == 0 {
		return nil, ErrNoSections
	}
	for name, field := range d.Mappings.Variables {
		if !field.Valid() {
			return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownField, name, field)
		}
	}
	if d.RecipientKey != "" && !d.RecipientKey.Valid() {
		return nil, fmt.Errorf("%w: recipient key %s", ErrUnknownField, d.RecipientKey)
	}
	if d.QR != nil && d.QR.Size <= 0 {
		return nil, ErrInvalidQRStamp
	}
	if d.CSV != nil {
		if d.KeyColumn == "" && len(d.Mappings.ExtraData) > 0 {
			return nil, ErrMissingKeyColumn
		}
		if d.KeyColumn != "" && !d.CSV.HasHeader(d.KeyColumn) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKeyColumn, d.KeyColumn)
		}
		for name, column := range d.Mappings.ExtraData {
			if !d.CSV.HasHeader(column) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownColumn, name, column)
			}
		}
	}

	var unmapped []string
	for _, name := range d.Variables() {
		_, viaDB := d.Mappings.Variables[name]
		_, viaCSV := d.Mappings.ExtraData[name]
		// Without CSV data an extra data mapping has nothing to read.
		viaCSV = viaCSV && d.CSV != nil
		if !viaDB && !viaCSV {
			unmapped = append(unmapped, name)
		}
	}
	if len(unmapped) == 0 {
		return nil, nil
	}
	return []Warning{{
		Code:      errcode.UnmappedVariable,
		Message:   "some variables are not mapped and will print as placeholders",
		Variables: unmapped,
	}}, nil
}

// Request builds the batch request for this design.
func (d *Design) Request(event Event, recipients []Participant, template []byte, verifyBaseURL string) Request {
	return Request{
		Recipients:     recipients,
		Event:          event,
		Template:       template,
		Sections:       d.Sections,
		Mappings:       d.Mappings,
		FilenameFormat: d.FilenameFormat,
		CSV:            d.CSV,
		KeyColumn:      d.KeyColumn,
		RecipientKey:   d.RecipientKey,
		QR:             d.QR,
		VerifyBaseURL:  verifyBaseURL,
	}
}
