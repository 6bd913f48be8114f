package api

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"eventcert/internal/api/middleware"
	"eventcert/internal/certificate"
	"eventcert/internal/database"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
	"eventcert/internal/tasks"
)

const downloadLinkTTL = 5 * time.Minute

// BatchHandler creates certificate batches and serves their output.
type BatchHandler struct {
	db       *gorm.DB
	queue    taskEnqueuer
	store    objectStore
	roster   *roster.Source
	maxRetry int
}

func NewBatchHandler(db *gorm.DB, queue taskEnqueuer, store objectStore, rosterSource *roster.Source, maxRetry int) *BatchHandler {
	return &BatchHandler{
		db:       db,
		queue:    queue,
		store:    store,
		roster:   rosterSource,
		maxRetry: maxRetry,
	}
}

type createBatchRequest struct {
	EventID uint               `json:"eventId" binding:"required"`
	Design  certificate.Design `json:"design"`
}

type batchResponse struct {
	ID             uint                  `json:"id"`
	EventID        uint                  `json:"eventId"`
	Stage          string                `json:"stage"`
	Running        bool                  `json:"running"`
	Counts         certificate.Counts    `json:"counts"`
	Failures       []certificate.Failure `json:"failures"`
	ErrorMessage   string                `json:"errorMessage,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
	TemplateKey    string                `json:"templateKey,omitempty"`
	RecipientCount int                   `json:"recipientCount"`
}

func newBatchResponse(b database.CertificateBatch) batchResponse {
	resp := batchResponse{
		ID:      b.ID,
		EventID: b.EventID,
		Stage:   b.Stage,
		Running: b.Running,
		Counts: certificate.Counts{
			Generated:      b.Generated,
			GenerateFailed: b.GenerateFailed,
			Uploaded:       b.Uploaded,
			UploadFailed:   b.UploadFailed,
			MailRequested:  b.MailRequested,
			Mailed:         b.Mailed,
			MailFailed:     b.MailFailed,
		},
		Failures:     []certificate.Failure{},
		ErrorMessage: b.ErrorMessage,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
	resp.RecipientCount = resp.Counts.Generated + resp.Counts.GenerateFailed
	if len(b.Failures) > 0 {
		_ = json.Unmarshal(b.Failures, &resp.Failures)
	}
	var design struct {
		TemplateKey string `json:"templateKey"`
	}
	if json.Unmarshal(b.Design, &design) == nil {
		resp.TemplateKey = design.TemplateKey
	}
	return resp
}

// Create validates the design, stores the batch and queues generation.
func (h *BatchHandler) Create(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	warnings, err := req.Design.Validate()
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !storage.IsTemplateKeyOf(operatorID, req.Design.TemplateKey) {
		Forbidden(c, "access denied")
		return
	}

	ctx := c.Request.Context()
	logger := middleware.LoggerFromContext(c).With(slog.Uint64("operator_id", uint64(operatorID)))

	if _, err := h.roster.Event(ctx, req.EventID); err != nil {
		if errors.Is(err, roster.ErrEventNotFound) {
			NotFound(c, "event not found")
			return
		}
		logger.Error("load event failed", slog.Any("error", err))
		Internal(c, "failed to load event")
		return
	}

	raw, err := json.Marshal(req.Design)
	if err != nil {
		Internal(c, "failed to encode design")
		return
	}
	batch := database.CertificateBatch{
		EventID:    req.EventID,
		OperatorID: operatorID,
		Design:     datatypes.JSON(raw),
		Stage:      string(certificate.StageNotStarted),
	}
	if err := h.db.WithContext(ctx).Create(&batch).Error; err != nil {
		logger.Error("create batch failed", slog.Any("error", err))
		Internal(c, "failed to create batch")
		return
	}

	taskID, ok := h.start(c, tasks.NewCertificateGenerateTask, &batch)
	if !ok {
		return
	}

	if warnings == nil {
		warnings = []certificate.Warning{}
	}
	c.JSON(http.StatusAccepted, gin.H{
		"batch":    newBatchResponse(batch),
		"task_id":  taskID,
		"warnings": warnings,
	})
}

// Regenerate queues generation again. The worker discards earlier output.
func (h *BatchHandler) Regenerate(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	taskID, ok := h.start(c, tasks.NewCertificateGenerateTask, batch)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch": newBatchResponse(*batch), "task_id": taskID})
}

// Mail queues delivery of every uploaded certificate not yet sent.
func (h *BatchHandler) Mail(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	if batch.Uploaded == 0 {
		Conflict(c, "batch has no uploaded certificates")
		return
	}
	if batch.MailRequested && batch.Mailed >= batch.Uploaded {
		Conflict(c, "every certificate has already been mailed")
		return
	}
	taskID, ok := h.start(c, tasks.NewCertificateMailTask, batch)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch": newBatchResponse(*batch), "task_id": taskID})
}

// start claims the batch and queues the task built for it. It writes the
// error response itself; a batch with a task in flight gets 409.
func (h *BatchHandler) start(c *gin.Context, build func(uint, string) (*asynq.Task, error), batch *database.CertificateBatch) (string, bool) {
	ctx := c.Request.Context()
	logger := middleware.LoggerFromContext(c).With(slog.Uint64("batch_id", uint64(batch.ID)))

	if err := database.ClaimBatch(ctx, h.db, batch.ID); err != nil {
		if errors.Is(err, database.ErrBatchBusy) {
			Conflict(c, err.Error())
			return "", false
		}
		logger.Error("claim batch failed", slog.Any("error", err))
		Internal(c, "failed to claim batch")
		return "", false
	}

	taskID, err := h.enqueue(c, build, batch.ID)
	if err != nil {
		logger.Error("enqueue task failed", slog.Any("error", err))
		if err := database.ReleaseBatch(ctx, h.db, batch.ID); err != nil {
			logger.Error("release batch failed", slog.Any("error", err))
		}
		Internal(c, "failed to enqueue task")
		return "", false
	}
	batch.Running = true
	return taskID, true
}

func (h *BatchHandler) enqueue(c *gin.Context, build func(uint, string) (*asynq.Task, error), batchID uint) (string, error) {
	task, err := build(batchID, middleware.GetCorrelationID(c))
	if err != nil {
		return "", err
	}
	info, err := h.queue.Enqueue(task, asynq.MaxRetry(h.maxRetry))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// List returns the operator's batches, newest first, optionally for one
// event.
func (h *BatchHandler) List(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	q := h.db.WithContext(c.Request.Context()).Where("operator_id = ?", operatorID)
	if raw := c.Query("eventId"); raw != "" {
		eventID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(c, "invalid eventId")
			return
		}
		q = q.Where("event_id = ?", eventID)
	}

	var batches []database.CertificateBatch
	if err := q.Order("id desc").Limit(100).Find(&batches).Error; err != nil {
		Internal(c, "failed to list batches")
		return
	}
	items := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		items = append(items, newBatchResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Get returns one batch with its counts and stage.
func (h *BatchHandler) Get(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newBatchResponse(*batch))
}

type recordResponse struct {
	CertificateID string            `json:"certificateId"`
	USN           string            `json:"usn"`
	Name          string            `json:"name"`
	Email         string            `json:"email"`
	Filename      string            `json:"filename"`
	UploadStatus  string            `json:"uploadStatus"`
	UploadError   string            `json:"uploadError,omitempty"`
	MailStatus    string            `json:"mailStatus"`
	MailError     string            `json:"mailError,omitempty"`
	MailedAt      *time.Time        `json:"mailedAt,omitempty"`
	RowData       map[string]string `json:"rowData,omitempty"`
	URL           string            `json:"url,omitempty"`
}

// Records lists the certificates of a batch with short lived download links.
func (h *BatchHandler) Records(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	records, err := h.records(c, batch.ID)
	if err != nil {
		Internal(c, "failed to list certificates")
		return
	}
	items := make([]recordResponse, 0, len(records))
	for _, r := range records {
		item := recordResponse{
			CertificateID: r.CertificateID,
			USN:           r.USN,
			Name:          r.Name,
			Email:         r.Email,
			Filename:      r.Filename,
			UploadStatus:  r.UploadStatus,
			UploadError:   r.UploadError,
			MailStatus:    r.MailStatus,
			MailError:     r.MailError,
			MailedAt:      r.MailedAt,
		}
		if len(r.RowData) > 0 {
			_ = json.Unmarshal(r.RowData, &item.RowData)
		}
		if r.ObjectKey != "" {
			if url, err := h.store.GeneratePresignedURL(ctx, r.ObjectKey, downloadLinkTTL, r.Filename); err == nil {
				item.URL = url
			}
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Archive streams every uploaded certificate of a batch as one zip file.
func (h *BatchHandler) Archive(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	records, err := h.records(c, batch.ID)
	if err != nil {
		Internal(c, "failed to list certificates")
		return
	}

	var uploaded []database.CertificateRecord
	for _, r := range records {
		if r.UploadStatus == database.StatusUploaded && r.ObjectKey != "" {
			uploaded = append(uploaded, r)
		}
	}
	if len(uploaded) == 0 {
		Conflict(c, "batch has no uploaded certificates")
		return
	}

	ctx := c.Request.Context()
	logger := middleware.LoggerFromContext(c).With(slog.Uint64("batch_id", uint64(batch.ID)))

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("certificates-%d.zip", batch.ID)))
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	names := newNameDeduper()
	for _, r := range uploaded {
		data, err := h.store.ReadObject(ctx, r.ObjectKey)
		if err != nil {
			logger.Warn("skip certificate in archive", slog.String("certificate_id", r.CertificateID), slog.Any("error", err))
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     names.unique(r.Filename),
			Method:   zip.Store,
			Modified: r.CreatedAt,
		})
		if err != nil {
			logger.Error("write archive entry failed", slog.Any("error", err))
			return
		}
		if _, err := w.Write(data); err != nil {
			logger.Error("write archive entry failed", slog.Any("error", err))
			return
		}
	}
	if err := zw.Close(); err != nil {
		logger.Error("close archive failed", slog.Any("error", err))
	}
}

// Delete removes a batch with its records and stored certificates.
func (h *BatchHandler) Delete(c *gin.Context) {
	batch, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	if batch.Running {
		Conflict(c, database.ErrBatchBusy.Error())
		return
	}
	ctx := c.Request.Context()
	logger := middleware.LoggerFromContext(c).With(slog.Uint64("batch_id", uint64(batch.ID)))

	if err := h.store.DeletePrefix(ctx, storage.BatchPrefix(batch.ID)); err != nil {
		logger.Error("delete batch objects failed", slog.Any("error", err))
		Internal(c, "failed to delete certificates")
		return
	}
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("batch_id = ?", batch.ID).Delete(&database.CertificateRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(batch).Error
	})
	if err != nil {
		logger.Error("delete batch failed", slog.Any("error", err))
		Internal(c, "failed to delete batch")
		return
	}
	c.Status(http.StatusNoContent)
}

// DownloadLink returns a presigned link for one certificate.
func (h *BatchHandler) DownloadLink(c *gin.Context) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var record database.CertificateRecord
	err := h.db.WithContext(c.Request.Context()).
		Joins("JOIN certificate_batches ON certificate_batches.id = certificate_records.batch_id").
		Where("certificate_records.certificate_id = ? AND certificate_batches.operator_id = ?", c.Param("certId"), operatorID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "certificate not found")
			return
		}
		Internal(c, "failed to query certificate")
		return
	}
	if record.ObjectKey == "" {
		Conflict(c, "certificate was not uploaded")
		return
	}

	url, err := h.store.GeneratePresignedURL(c.Request.Context(), record.ObjectKey, downloadLinkTTL, record.Filename)
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "filename": record.Filename})
}

// Verify is the public endpoint a certificate's QR code points to.
func (h *BatchHandler) Verify(c *gin.Context) {
	var record database.CertificateRecord
	err := h.db.WithContext(c.Request.Context()).
		Where("certificate_id = ? AND upload_status = ?", c.Param("certId"), database.StatusUploaded).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"valid": false})
			return
		}
		Internal(c, "failed to query certificate")
		return
	}

	var batch database.CertificateBatch
	if err := h.db.WithContext(c.Request.Context()).Select("id", "event_id").First(&batch, record.BatchID).Error; err != nil {
		Internal(c, "failed to query certificate")
		return
	}
	eventName := ""
	if ev, err := h.roster.Event(c.Request.Context(), batch.EventID); err == nil {
		eventName = ev.Name
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"certificateId": record.CertificateID,
		"name":          record.Name,
		"eventName":     eventName,
		"issuedAt":      record.CreatedAt,
	})
}

func (h *BatchHandler) ownedBatch(c *gin.Context) (*database.CertificateBatch, bool) {
	operatorID, ok := operatorIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return nil, false
	}

	var batch database.CertificateBatch
	if err := h.db.WithContext(c.Request.Context()).
		Where("id = ? AND operator_id = ?", id, operatorID).
		First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "batch not found")
			return nil, false
		}
		Internal(c, "failed to query batch")
		return nil, false
	}
	return &batch, true
}

func (h *BatchHandler) records(c *gin.Context, batchID uint) ([]database.CertificateRecord, error) {
	var records []database.CertificateRecord
	err := h.db.WithContext(c.Request.Context()).
		Where("batch_id = ?", batchID).
		Order("id asc").
		Find(&records).Error
	return records, err
}

// nameDeduper suffixes repeated archive entry names: a.png, a-2.png, ...
type nameDeduper map[string]int

func newNameDeduper() nameDeduper { return nameDeduper{} }

func (d nameDeduper) unique(name string) string {
	if name == "" {
		name = "certificate.png"
	}
	key := strings.ToLower(name)
	d[key]++
	if n := d[key]; n > 1 {
		ext := path.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
		d[strings.ToLower(name)]++
	}
	return name
}
