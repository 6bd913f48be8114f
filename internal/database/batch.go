package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrBatchBusy is returned when a batch already has a task queued or running.
var ErrBatchBusy = errors.New("batch already has a task queued or running")

// ClaimBatch marks the batch as running. The conditional update makes
// concurrent claims race on the row; exactly one of them wins.
func ClaimBatch(ctx context.Context, db *gorm.DB, batchID uint) error {
	res := db.WithContext(ctx).
		Model(&CertificateBatch{}).
		Where("id = ? AND running = ?", batchID, false).
		Update("running", true)
	if res.Error != nil {
		return fmt.Errorf("claim batch %d: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBatchBusy
	}
	return nil
}

// ReleaseBatch clears the claim taken by ClaimBatch.
func ReleaseBatch(ctx context.Context, db *gorm.DB, batchID uint) error {
	if err := db.WithContext(ctx).
		Model(&CertificateBatch{}).
		Where("id = ?", batchID).
		Update("running", false).Error; err != nil {
		return fmt.Errorf("release batch %d: %w", batchID, err)
	}
	return nil
}
