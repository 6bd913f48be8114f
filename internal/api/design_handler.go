package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"eventcert/internal/api/middleware"
	"eventcert/internal/certificate"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
)

const maxPreviewWidth = 4096

// DesignHandler serves the certificate editor. Designs live in the client;
// every call receives the current design and returns the updated one.
type DesignHandler struct {
	store         objectStore
	roster        *roster.Source
	generator     *certificate.Generator
	maxBytes      int64
	verifyBaseURL string
}

func NewDesignHandler(store objectStore, rosterSource *roster.Source, generator *certificate.Generator, maxBytes int64, verifyBaseURL string) *DesignHandler {
	return &DesignHandler{
		store:         store,
		roster:        rosterSource,
		generator:     generator,
		maxBytes:      maxBytes,
		verifyBaseURL: verifyBaseURL,
	}
}

// Variables lists the database fields a template variable can be mapped to.
func (h *DesignHandler) Variables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"variables": certificate.Catalog})
}

// Editor operation types.
const (
	opAddSection        = "add_section"
	opMoveSection       = "move_section"
	opResizeSection     = "resize_section"
	opSetText           = "set_text"
	opSetSectionStyle   = "set_section_style"
	opSetSegmentStyle   = "set_segment_style"
	opClearSegmentStyle = "clear_segment_style"
	opRemoveSection     = "remove_section"
	opMarkReviewed      = "mark_reviewed"
)

type editorOp struct {
	Type      string                   `json:"type" binding:"required"`
	SectionID string                   `json:"sectionId"`
	SegmentID string                   `json:"segmentId"`
	Name      string                   `json:"name"`
	X         float64                  `json:"x"`
	Y         float64                  `json:"y"`
	MaxWidth  *float64                 `json:"maxWidth"`
	Text      string                   `json:"text"`
	Style     certificate.Style        `json:"style"`
	Align     certificate.Align        `json:"align"`
	Segment   certificate.SegmentStyle `json:"segment"`
}

type applyRequest struct {
	Design certificate.Design `json:"design"`
	Op     editorOp           `json:"op"`
}

// Apply runs one editor operation against the posted design.
func (h *DesignHandler) Apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	d := &req.Design
	op := req.Op
	resp := gin.H{}
	var err error
	switch op.Type {
	case opAddSection:
		sec := d.AddSection(op.Name, op.X, op.Y)
		resp["sectionId"] = sec.ID
	case opMoveSection:
		err = d.MoveSection(op.SectionID, op.X, op.Y)
	case opResizeSection:
		err = d.ResizeSection(op.SectionID, op.MaxWidth)
	case opSetText:
		var needsReview bool
		needsReview, err = d.SetSectionText(op.SectionID, op.Text)
		resp["needsReview"] = needsReview
	case opSetSectionStyle:
		err = d.SetSectionStyle(op.SectionID, op.Style, op.Align)
	case opSetSegmentStyle:
		err = d.SetSegmentStyle(op.SectionID, op.SegmentID, op.Segment)
	case opClearSegmentStyle:
		err = d.ClearSegmentStyle(op.SectionID, op.SegmentID)
	case opRemoveSection:
		err = d.RemoveSection(op.SectionID)
	case opMarkReviewed:
		err = d.MarkSectionReviewed(op.SectionID)
	default:
		BadRequest(c, fmt.Sprintf("unknown operation %q", op.Type))
		return
	}
	if err != nil {
		if errors.Is(err, certificate.ErrSectionNotFound) || errors.Is(err, certificate.ErrSegmentNotFound) {
			NotFound(c, err.Error())
			return
		}
		BadRequest(c, err.Error())
		return
	}

	resp["design"] = d
	resp["variables"] = d.Variables()
	c.JSON(http.StatusOK, resp)
}

// UploadCSV parses an extra data CSV and returns its headers and rows.
func (h *DesignHandler) UploadCSV(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	defer reader.Close()

	data, err := certificate.ParseCSV(reader)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"csv": data, "rowCount": len(data.Rows)})
}

type validateRequest struct {
	Design certificate.Design `json:"design"`
}

// Validate reports blocking errors as 422 and advisory warnings as 200.
func (h *DesignHandler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	warnings, err := req.Design.Validate()
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if warnings == nil {
		warnings = []certificate.Warning{}
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings, "variables": req.Design.Variables()})
}

type previewRequest struct {
	EventID uint               `json:"eventId" binding:"required"`
	Design  certificate.Design `json:"design"`
	// USN picks the participant to render; empty means the first recipient.
	USN string `json:"usn"`
}

// Preview renders one recipient's certificate as PNG. A width query
// parameter scales it down.
func (h *DesignHandler) Preview(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	width := 0
	if raw := c.Query("width"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 || w > maxPreviewWidth {
			BadRequest(c, "invalid width")
			return
		}
		width = w
	}
	if _, err := req.Design.Validate(); err != nil {
		Error(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !storage.IsTemplateKeyOf(operatorID, req.Design.TemplateKey) {
		Forbidden(c, "access denied")
		return
	}

	ctx := c.Request.Context()
	logger := middleware.LoggerFromContext(c)

	event, err := h.roster.Event(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, roster.ErrEventNotFound) {
			NotFound(c, "event not found")
			return
		}
		logger.Error("load event failed", slog.Any("error", err))
		Internal(c, "failed to load event")
		return
	}
	participants, err := h.roster.Participants(ctx, req.EventID)
	if err != nil {
		logger.Error("load participants failed", slog.Any("error", err))
		Internal(c, "failed to load participants")
		return
	}
	if req.USN != "" {
		participants = slices.DeleteFunc(participants, func(p certificate.Participant) bool {
			return !strings.EqualFold(p.USN, req.USN)
		})
		if len(participants) == 0 {
			NotFound(c, "participant not found")
			return
		}
	}
	template, err := h.store.ReadObject(ctx, req.Design.TemplateKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			NotFound(c, "template not found")
			return
		}
		logger.Error("read template failed", slog.Any("error", err))
		Internal(c, "failed to read template")
		return
	}

	cert, err := h.generator.Preview(req.Design.Request(event, participants, template, h.verifyBaseURL))
	if err != nil {
		if errors.Is(err, certificate.ErrNoRecipients) {
			Conflict(c, "no confirmed participant matches this design")
			return
		}
		logger.Warn("render preview failed", slog.Any("error", err))
		Error(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	img := cert.Image
	if width > 0 {
		if img, err = certificate.Thumbnail(img, width); err != nil {
			Internal(c, "failed to scale preview")
			return
		}
	}
	c.Header("X-Certificate-Filename", cert.Filename)
	c.Data(http.StatusOK, "image/png", img)
}
