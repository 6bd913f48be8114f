package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"eventcert/internal/certificate"
	"eventcert/internal/database"
)

const maxErrorMessage = 1024

// ObjectStore is the object storage the worker reads templates from and
// writes certificates to. *storage.Client satisfies it.
type ObjectStore interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

func decodeDesign(batch *database.CertificateBatch) (certificate.Design, error) {
	var design certificate.Design
	if len(batch.Design) == 0 {
		return design, certificate.ErrNoTemplate
	}
	if err := json.Unmarshal(batch.Design, &design); err != nil {
		return design, fmt.Errorf("decode batch design: %w", err)
	}
	return design, nil
}

func countsOf(batch *database.CertificateBatch) certificate.Counts {
	return certificate.Counts{
		Generated:      batch.Generated,
		GenerateFailed: batch.GenerateFailed,
		Uploaded:       batch.Uploaded,
		UploadFailed:   batch.UploadFailed,
		MailRequested:  batch.MailRequested,
		Mailed:         batch.Mailed,
		MailFailed:     batch.MailFailed,
	}
}

// countUpdates is the column set persisting a workflow's counts and stage.
func countUpdates(w *certificate.Workflow) map[string]any {
	c := w.Counts
	return map[string]any{
		"generated":       c.Generated,
		"generate_failed": c.GenerateFailed,
		"uploaded":        c.Uploaded,
		"upload_failed":   c.UploadFailed,
		"mail_requested":  c.MailRequested,
		"mailed":          c.Mailed,
		"mail_failed":     c.MailFailed,
		"stage":           string(w.Stage()),
	}
}

// permanent marks err as not worth retrying; asynq archives the task.
func permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}

func truncate(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// finishTask releases the batch's run claim once asynq will not run the
// task again.
func finishTask(ctx context.Context, db *gorm.DB, log *slog.Logger, batchID uint, err error) {
	if err != nil && !errors.Is(err, asynq.SkipRetry) && !isFinalAsynqAttempt(ctx) {
		return
	}
	if err := database.ReleaseBatch(context.WithoutCancel(ctx), db, batchID); err != nil {
		log.Error("release batch failed", slog.Any("error", err))
	}
}

func recordBatchError(ctx context.Context, db *gorm.DB, batchID uint, err error) error {
	return db.WithContext(ctx).
		Model(&database.CertificateBatch{}).
		Where("id = ?", batchID).
		Update("error_message", truncate(err.Error())).Error
}

// failBatch stores cause on the batch and tells the operator the step
// stopped.
func failBatch(ctx context.Context, db *gorm.DB, notifier Notifier, log *slog.Logger, batch *database.CertificateBatch, msg BatchNotifyMessage, code int, cause error) {
	if err := recordBatchError(ctx, db, batch.ID, cause); err != nil {
		log.Error("record batch error failed", slog.Any("error", err))
	}
	msg.Status = StatusError
	msg.Stage = batch.Stage
	msg.ErrorCode = code
	msg.ErrorMessage = strings.TrimSpace(cause.Error())
	if err := notifier.Notify(ctx, batch.OperatorID, msg); err != nil {
		log.Error("publish error notification failed", slog.Any("error", err))
	}
}
