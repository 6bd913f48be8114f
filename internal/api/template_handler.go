package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"eventcert/internal/api/middleware"
	"eventcert/internal/certificate"
	"eventcert/internal/storage"
)

const templateURLTTL = 15 * time.Minute

// TemplateHandler accepts certificate template images.
type TemplateHandler struct {
	store    objectStore
	scanner  virusScanner
	maxBytes int64
}

func NewTemplateHandler(store objectStore, scanner virusScanner, maxBytes int64) *TemplateHandler {
	return &TemplateHandler{store: store, scanner: scanner, maxBytes: maxBytes}
}

// Upload stores a template image after a virus scan and a decode check, and
// returns its key and pixel size.
func (h *TemplateHandler) Upload(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	logger := middleware.LoggerFromContext(c).With(slog.Uint64("operator_id", uint64(operatorID)))

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !slices.Contains(storage.TemplateExtensions, ext) {
		BadRequest(c, "unsupported template type "+ext)
		return
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		Internal(c, "failed to read file")
		return
	}

	if h.scanner != nil {
		if err := h.scanner.Scan(bytes.NewReader(data)); err != nil {
			if errors.Is(err, errMaliciousFile) {
				logger.Warn("rejected infected template upload", slog.Any("error", err))
				BadRequest(c, errMaliciousFile.Error())
				return
			}
			logger.Error("scan template failed", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
	}

	img, err := certificate.DecodeTemplate(data)
	if err != nil {
		BadRequest(c, "file is not a supported image")
		return
	}

	key := storage.TemplateKey(operatorID, uuid.NewString(), ext)
	contentType := http.DetectContentType(data)
	if err := h.store.UploadFile(c.Request.Context(), key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		logger.Error("upload template failed", slog.Any("error", err))
		Internal(c, "failed to upload file")
		return
	}

	bounds := img.Bounds()
	c.JSON(http.StatusCreated, gin.H{
		"templateKey":    key,
		"templateWidth":  bounds.Dx(),
		"templateHeight": bounds.Dy(),
	})
}

// URL returns a short lived link to one of the operator's templates.
func (h *TemplateHandler) URL(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	key := c.Query("key")
	if !storage.IsTemplateKeyOf(operatorID, key) {
		Forbidden(c, "access denied")
		return
	}

	url, err := h.store.GeneratePresignedURL(c.Request.Context(), key, templateURLTTL, "")
	if err != nil {
		middleware.LoggerFromContext(c).Error("presign template failed", slog.Any("error", err))
		Internal(c, "failed to generate url")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
