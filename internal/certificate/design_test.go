package certificate

import (
	"errors"
	"strings"
	"testing"

	"eventcert/internal/errcode"
)

func TestDesign_EditorOperations(t *testing.T) {
	var d Design
	sec := d.AddSection("", 100, 50)
	if sec.Name != "Section 1" || len(d.Sections) != 1 {
		t.Fatalf("unexpected section %+v", sec)
	}

	if err := d.MoveSection(sec.ID, 200, 80); err != nil {
		t.Fatalf("move: %v", err)
	}
	w := 300.0
	if err := d.ResizeSection(sec.ID, &w); err != nil {
		t.Fatalf("resize: %v", err)
	}
	bad := -1.0
	if err := d.ResizeSection(sec.ID, &bad); !errors.Is(err, ErrInvalidMaxWidth) {
		t.Fatalf("expected ErrInvalidMaxWidth got %v", err)
	}

	if _, err := d.SetSectionText(sec.ID, "Awarded to {{name}}"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	got := d.Sections[0]
	if got.X != 200 || got.Y != 80 || *got.MaxWidth != 300 || got.RawText != "Awarded to {{name}}" {
		t.Fatalf("unexpected section state %+v", got)
	}

	varID := got.Segments[1].ID
	if err := d.SetSegmentStyle(sec.ID, varID, SegmentStyle{FontWeight: ptr("bold")}); err != nil {
		t.Fatalf("segment style: %v", err)
	}
	if EffectiveStyle(d.Sections[0].Segments[1], d.Sections[0]).FontWeight != "bold" {
		t.Fatalf("override not applied")
	}

	review, err := d.SetSectionText(sec.ID, "Awarded")
	if err != nil || !review {
		t.Fatalf("expected review flag when styled variable is removed, review=%v err=%v", review, err)
	}

	review, err = d.SetSectionText(sec.ID, "Awarded to {{name}}")
	if err != nil || !review {
		t.Fatalf("expected review flag to persist until reviewed, review=%v err=%v", review, err)
	}
	if err := d.MarkSectionReviewed(sec.ID); err != nil || d.Sections[0].NeedsReview {
		t.Fatalf("expected review flag cleared, err=%v", err)
	}
	if err := d.MarkSectionReviewed("missing"); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("expected ErrSectionNotFound got %v", err)
	}
	varID = d.Sections[0].Segments[1].ID
	if err := d.SetSegmentStyle(sec.ID, varID, SegmentStyle{Color: ptr("#ff0000")}); err != nil {
		t.Fatalf("segment style: %v", err)
	}
	if err := d.ClearSegmentStyle(sec.ID, varID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if d.Sections[0].Segments[1].HasOverrides() {
		t.Fatalf("expected overrides cleared")
	}

	if err := d.SetSectionStyle(sec.ID, Style{FontSize: 36}, AlignRight); err != nil {
		t.Fatalf("section style: %v", err)
	}
	if d.Sections[0].DefaultFontSize != 36 || d.Sections[0].TextAlign != AlignRight || d.Sections[0].DefaultColor != DefaultColor {
		t.Fatalf("unexpected section style %+v", d.Sections[0])
	}

	if err := d.SetSegmentStyle(sec.ID, "missing", SegmentStyle{}); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected ErrSegmentNotFound got %v", err)
	}
	if err := d.RemoveSection(sec.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := d.RemoveSection(sec.ID); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("expected ErrSectionNotFound got %v", err)
	}
}

func TestDesign_Validate(t *testing.T) {
	var d Design
	if _, err := d.Validate(); !errors.Is(err, ErrNoTemplate) {
		t.Fatalf("expected ErrNoTemplate got %v", err)
	}
	d.TemplateKey = "templates/1/a.png"
	if _, err := d.Validate(); !errors.Is(err, ErrNoSections) {
		t.Fatalf("expected ErrNoSections got %v", err)
	}

	sec := d.AddSection("s", 0, 0)
	if _, err := d.SetSectionText(sec.ID, "{{name}} scored {{grade}} in {{eventName}}"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	d.Mappings.Variables = VariableMapping{"name": FieldName}

	warnings, err := d.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Code != errcode.UnmappedVariable {
		t.Fatalf("expected one unmapped warning got %+v", warnings)
	}
	if got := strings.Join(warnings[0].Variables, ","); got != "grade,eventName" {
		t.Fatalf("unexpected unmapped variables %q", got)
	}

	d.Mappings.ExtraData = ExtraDataMapping{"grade": "Grade"}
	warnings, err = d.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(warnings) != 1 || strings.Join(warnings[0].Variables, ",") != "grade,eventName" {
		t.Fatalf("expected csv-only variable to stay unmapped without csv data got %+v", warnings)
	}

	d.CSV, err = ParseCSV(strings.NewReader("USN,Grade\n1AB,A\n"))
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if _, err := d.Validate(); !errors.Is(err, ErrMissingKeyColumn) {
		t.Fatalf("expected ErrMissingKeyColumn got %v", err)
	}
	d.KeyColumn = "Roll"
	if _, err := d.Validate(); !errors.Is(err, ErrUnknownKeyColumn) {
		t.Fatalf("expected ErrUnknownKeyColumn got %v", err)
	}
	d.KeyColumn = "USN"
	d.Mappings.ExtraData = ExtraDataMapping{"grade": "Marks"}
	if _, err := d.Validate(); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn got %v", err)
	}
	d.Mappings.ExtraData = ExtraDataMapping{"grade": "Grade"}
	d.Mappings.Variables["eventName"] = FieldEventName
	warnings, err = d.Validate()
	if err != nil || len(warnings) != 0 {
		t.Fatalf("expected clean validation got %+v %v", warnings, err)
	}

	d.Mappings.Variables["eventName"] = "eventBudget"
	if _, err := d.Validate(); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField got %v", err)
	}
}
