package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"eventcert/internal/certificate"
	"eventcert/internal/database"
	"eventcert/internal/errcode"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
	"eventcert/internal/tasks"
)

const stepGenerate = "generate"

// GenerateHandler consumes certificate:generate tasks: it renders every
// recipient of a batch, uploads the images and records the outcome.
type GenerateHandler struct {
	db            *gorm.DB
	roster        *roster.Source
	store         ObjectStore
	generator     *certificate.Generator
	notifier      Notifier
	logger        *slog.Logger
	verifyBaseURL string
}

// NewGenerateHandler wires the generation task handler.
func NewGenerateHandler(
	db *gorm.DB,
	rosterSource *roster.Source,
	store ObjectStore,
	generator *certificate.Generator,
	notifier Notifier,
	logger *slog.Logger,
	verifyBaseURL string,
) *GenerateHandler {
	return &GenerateHandler{
		db:            db,
		roster:        rosterSource,
		store:         store,
		generator:     generator,
		notifier:      notifier,
		logger:        logger,
		verifyBaseURL: strings.TrimSpace(verifyBaseURL),
	}
}

// ProcessTask implements asynq.Handler.
func (h *GenerateHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.BatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return permanent(err)
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("batch_id", uint64(payload.BatchID)),
	)
	log.Info("certificate generation task started")
	defer func() { finishTask(ctx, h.db, log, payload.BatchID, retErr) }()

	var batch database.CertificateBatch
	if err := h.db.WithContext(ctx).First(&batch, payload.BatchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("batch not found, skipping task")
			return nil
		}
		log.Error("query batch failed", slog.Any("error", err))
		return err
	}
	log = log.With(slog.Uint64("operator_id", uint64(batch.OperatorID)))

	base := BatchNotifyMessage{
		Type:          NotifyBatch,
		Step:          stepGenerate,
		BatchID:       batch.ID,
		CorrelationID: payload.CorrelationID,
	}

	defer func() {
		if retErr == nil || errors.Is(retErr, asynq.SkipRetry) || !isFinalAsynqAttempt(ctx) {
			return
		}
		failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.SystemError, retErr)
	}()

	design, err := decodeDesign(&batch)
	if err == nil {
		_, err = design.Validate()
	}
	if err != nil {
		log.Warn("batch design invalid", slog.Any("error", err))
		failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.SystemError, err)
		return permanent(err)
	}

	template, err := h.store.ReadObject(ctx, design.TemplateKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			log.Warn("template image missing", slog.String("template_key", design.TemplateKey))
			failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.ResourceMissing, err)
			return permanent(err)
		}
		log.Error("read template failed", slog.Any("error", err))
		return err
	}

	event, err := h.roster.Event(ctx, batch.EventID)
	if err != nil {
		if errors.Is(err, roster.ErrEventNotFound) {
			failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.ResourceMissing, err)
			return permanent(err)
		}
		log.Error("load event failed", slog.Any("error", err))
		return err
	}
	participants, err := h.roster.Participants(ctx, batch.EventID)
	if err != nil {
		log.Error("load participants failed", slog.Any("error", err))
		return err
	}

	if err := h.reset(ctx, &batch); err != nil {
		log.Error("reset previous batch output failed", slog.Any("error", err))
		return err
	}

	req := design.Request(event, participants, template, h.verifyBaseURL)
	result, err := h.generator.GenerateAll(ctx, req, func(done, total int) {
		msg := base
		msg.Type = NotifyProgress
		msg.Status = StatusRunning
		msg.Done, msg.Total = done, total
		if err := h.notifier.Notify(ctx, batch.OperatorID, msg); err != nil {
			log.Debug("publish progress failed", slog.Any("error", err))
		}
	})
	if err != nil {
		log.Warn("certificate generation interrupted", slog.Any("error", err))
		return err
	}

	var wf certificate.Workflow
	wf.Generated(result)

	for _, cert := range result.Succeeded {
		record, ok := h.upload(ctx, log, batch.ID, cert)
		wf.Uploaded(ok)
		if err := h.db.WithContext(ctx).Create(&record).Error; err != nil {
			log.Error("create certificate record failed", slog.Any("error", err))
			return err
		}
	}

	updates := countUpdates(&wf)
	updates["error_message"] = ""
	updates["failures"] = nil
	if len(result.Failed) > 0 {
		failures, err := json.Marshal(result.Failed)
		if err != nil {
			return fmt.Errorf("marshal failures: %w", err)
		}
		updates["failures"] = datatypes.JSON(failures)
	}
	if err := h.db.WithContext(ctx).Model(&batch).Updates(updates).Error; err != nil {
		log.Error("update batch failed", slog.Any("error", err))
		return err
	}

	done := base
	done.Status = StatusCompleted
	done.Stage = string(wf.Stage())
	done.Succeeded = wf.Counts.Uploaded
	done.Failed = wf.Counts.GenerateFailed + wf.Counts.UploadFailed
	done.ErrorCode = errcode.OK
	if done.Failed > 0 {
		done.ErrorCode = errcode.PartialFailure
		done.ErrorMessage = fmt.Sprintf("%d certificate(s) could not be generated or uploaded", done.Failed)
	}
	if err := h.notifier.Notify(ctx, batch.OperatorID, done); err != nil {
		log.Error("publish completion notification failed", slog.Any("error", err))
	}

	log.Info("certificate generation task completed",
		slog.Int("uploaded", wf.Counts.Uploaded),
		slog.Int("failed", done.Failed),
		slog.String("stage", done.Stage),
	)
	return nil
}

// reset drops the records and objects of an earlier attempt so a retried
// task starts from a clean batch.
func (h *GenerateHandler) reset(ctx context.Context, batch *database.CertificateBatch) error {
	if err := h.db.WithContext(ctx).Unscoped().
		Where("batch_id = ?", batch.ID).
		Delete(&database.CertificateRecord{}).Error; err != nil {
		return fmt.Errorf("delete previous records: %w", err)
	}
	if err := h.store.DeletePrefix(ctx, storage.BatchPrefix(batch.ID)); err != nil {
		return fmt.Errorf("delete previous objects: %w", err)
	}
	return nil
}

func (h *GenerateHandler) upload(ctx context.Context, log *slog.Logger, batchID uint, cert certificate.GeneratedCertificate) (database.CertificateRecord, bool) {
	record := database.CertificateRecord{
		BatchID:       batchID,
		CertificateID: cert.ID,
		USN:           cert.Recipient.USN,
		Name:          cert.Recipient.Name,
		Email:         cert.Recipient.Email,
		Filename:      cert.Filename,
		MailStatus:    database.StatusPending,
	}
	if len(cert.RowData) > 0 {
		if raw, err := json.Marshal(cert.RowData); err == nil {
			record.RowData = datatypes.JSON(raw)
		}
	}

	key := storage.CertificateKey(batchID, cert.ID)
	if err := h.store.PutBytes(ctx, key, cert.Image, "image/png"); err != nil {
		log.Warn("upload certificate failed", slog.String("certificate_id", cert.ID), slog.Any("error", err))
		record.UploadStatus = database.StatusFailed
		record.UploadError = truncate(err.Error())
		return record, false
	}
	record.ObjectKey = key
	record.UploadStatus = database.StatusUploaded
	return record, true
}
