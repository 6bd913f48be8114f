package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types shared by the API (producer) and the worker (consumer).
const (
	TypeCertificateGenerate = "certificate:generate"
	TypeCertificateMail     = "certificate:mail"
)

// BatchPayload identifies the batch a task operates on.
type BatchPayload struct {
	BatchID       uint   `json:"batch_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewCertificateGenerateTask renders and uploads every certificate of a batch.
func NewCertificateGenerateTask(batchID uint, correlationID string) (*asynq.Task, error) {
	return newBatchTask(TypeCertificateGenerate, batchID, correlationID)
}

// NewCertificateMailTask mails the uploaded certificates of a batch that
// have not been sent yet.
func NewCertificateMailTask(batchID uint, correlationID string) (*asynq.Task, error) {
	return newBatchTask(TypeCertificateMail, batchID, correlationID)
}

func newBatchTask(typename string, batchID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(BatchPayload{
		BatchID:       batchID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, payload), nil
}

// NotifyChannel is the Redis pub/sub channel an operator's websocket listens
// on for batch progress.
func NotifyChannel(operatorID uint) string {
	return fmt.Sprintf("user_notify:%d", operatorID)
}
