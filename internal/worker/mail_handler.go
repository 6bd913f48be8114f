package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"eventcert/internal/certificate"
	"eventcert/internal/config"
	"eventcert/internal/database"
	"eventcert/internal/errcode"
	"eventcert/internal/mailer"
	"eventcert/internal/metrics"
	"eventcert/internal/roster"
	"eventcert/internal/tasks"
)

const stepMail = "mail"

var errNoEmail = errors.New("participant has no email address")

// MailHandler consumes certificate:mail tasks. Only uploaded certificates not
// yet sent are mailed, so re-running a batch retries exactly the failures.
type MailHandler struct {
	db       *gorm.DB
	roster   *roster.Source
	store    ObjectStore
	sender   mailer.Sender
	resolver *certificate.Resolver
	notifier Notifier
	logger   *slog.Logger
	subject  string
	body     string
}

// NewMailHandler wires the mail task handler. sender may be nil when SMTP is
// not configured; tasks then fail without retry.
func NewMailHandler(
	db *gorm.DB,
	rosterSource *roster.Source,
	store ObjectStore,
	sender mailer.Sender,
	resolver *certificate.Resolver,
	notifier Notifier,
	logger *slog.Logger,
	mailCfg config.MailConfig,
) *MailHandler {
	return &MailHandler{
		db:       db,
		roster:   rosterSource,
		store:    store,
		sender:   sender,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		subject:  mailCfg.Subject,
		body:     mailCfg.Body,
	}
}

// ProcessTask implements asynq.Handler.
func (h *MailHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
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
	log.Info("certificate mail task started")
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

	base := BatchNotifyMessage{
		Type:          NotifyBatch,
		Step:          stepMail,
		BatchID:       batch.ID,
		CorrelationID: payload.CorrelationID,
	}
	defer func() {
		if retErr == nil || errors.Is(retErr, asynq.SkipRetry) || !isFinalAsynqAttempt(ctx) {
			return
		}
		failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.SystemError, retErr)
	}()

	if h.sender == nil {
		failBatch(ctx, h.db, h.notifier, log, &batch, base, errcode.SystemError, mailer.ErrNotConfigured)
		return permanent(mailer.ErrNotConfigured)
	}

	var records []database.CertificateRecord
	if err := h.db.WithContext(ctx).
		Where("batch_id = ? AND upload_status = ? AND mail_status <> ?", batch.ID, database.StatusUploaded, database.StatusSent).
		Order("id asc").
		Find(&records).Error; err != nil {
		log.Error("query pending records failed", slog.Any("error", err))
		return err
	}

	recipients, err := h.recipients(ctx, batch.EventID)
	if err != nil {
		log.Error("load recipients failed", slog.Any("error", err))
		return err
	}

	wf := certificate.Workflow{Counts: countsOf(&batch)}
	wf.StartMailing()
	if err := h.db.WithContext(ctx).Model(&batch).Updates(countUpdates(&wf)).Error; err != nil {
		log.Error("update batch failed", slog.Any("error", err))
		return err
	}

	var loopErr error
	for i := range records {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		record := &records[i]
		ok := h.deliver(ctx, log, record, recipients)
		wf.Mailed(ok)
		metrics.ObserveCertificateMail(ok)

		if err := h.db.WithContext(ctx).Model(record).Updates(map[string]any{
			"mail_status": record.MailStatus,
			"mail_error":  record.MailError,
			"mailed_at":   record.MailedAt,
		}).Error; err != nil {
			loopErr = fmt.Errorf("update record %s: %w", record.CertificateID, err)
			break
		}

		progress := base
		progress.Type = NotifyProgress
		progress.Status = StatusRunning
		progress.Done, progress.Total = i+1, len(records)
		if err := h.notifier.Notify(ctx, batch.OperatorID, progress); err != nil {
			log.Debug("publish progress failed", slog.Any("error", err))
		}
	}

	if err := h.db.WithContext(ctx).Model(&batch).Updates(countUpdates(&wf)).Error; err != nil {
		log.Error("update batch failed", slog.Any("error", err))
		return err
	}
	if loopErr != nil {
		log.Warn("certificate mailing interrupted", slog.Any("error", loopErr))
		return loopErr
	}

	done := base
	done.Status = StatusCompleted
	done.Stage = string(wf.Stage())
	done.Succeeded = wf.Counts.Mailed
	done.Failed = wf.Counts.MailFailed
	if done.Failed > 0 {
		done.ErrorCode = errcode.PartialFailure
		done.ErrorMessage = fmt.Sprintf("%d certificate mail(s) failed", done.Failed)
	}
	if err := h.notifier.Notify(ctx, batch.OperatorID, done); err != nil {
		log.Error("publish completion notification failed", slog.Any("error", err))
	}

	log.Info("certificate mail task completed",
		slog.Int("mailed", wf.Counts.Mailed),
		slog.Int("failed", wf.Counts.MailFailed),
	)
	return nil
}

// recipients indexes the event roster by USN so mail text can use team and
// prize fields.
func (h *MailHandler) recipients(ctx context.Context, eventID uint) (map[string]certificate.Recipient, error) {
	event, err := h.roster.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	participants, err := h.roster.Participants(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]certificate.Recipient, len(participants))
	for _, p := range participants {
		out[p.USN] = certificate.Recipient{Participant: p, Event: event}
	}
	// Records of participants no longer on the roster still get the event.
	out[""] = certificate.Recipient{Event: event}
	return out, nil
}

// deliver sends one record and sets its mail fields. It reports success.
func (h *MailHandler) deliver(ctx context.Context, log *slog.Logger, record *database.CertificateRecord, recipients map[string]certificate.Recipient) bool {
	err := h.send(ctx, record, recipients)
	if err != nil {
		log.Warn("mail certificate failed",
			slog.String("certificate_id", record.CertificateID),
			slog.Any("error", err),
		)
		record.MailStatus = database.StatusFailed
		record.MailError = truncate(err.Error())
		return false
	}
	now := time.Now()
	record.MailStatus = database.StatusSent
	record.MailError = ""
	record.MailedAt = &now
	return true
}

func (h *MailHandler) send(ctx context.Context, record *database.CertificateRecord, recipients map[string]certificate.Recipient) error {
	if strings.TrimSpace(record.Email) == "" {
		return errNoEmail
	}

	r, ok := recipients[record.USN]
	if !ok {
		r = recipients[""]
		r.Participant = certificate.Participant{USN: record.USN, Name: record.Name, Email: record.Email}
	}
	if len(record.RowData) > 0 {
		var row map[string]string
		if err := json.Unmarshal(record.RowData, &row); err == nil {
			r.Row = row
		}
	}

	image, err := h.store.ReadObject(ctx, record.ObjectKey)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}

	return h.sender.Send(ctx, mailer.Message{
		To:             record.Email,
		Name:           record.Name,
		Subject:        h.resolver.FillText(h.subject, r),
		Body:           h.resolver.FillText(h.body, r),
		AttachmentName: record.Filename,
		Attachment:     image,
	})
}
