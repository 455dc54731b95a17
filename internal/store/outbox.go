package store

import (
	"time"

	"gorm.io/gorm"
)

// Outbox is the durable FIFO of batch payloads awaiting delivery (C5).
// It shares the Cache's underlying database but its own table, mirroring
// the single-database, multiple-table layout of the teacher's
// databasemodule and the batched-write discipline of beam's
// CheckpointDB, simplified here since outbox writes are one row per
// failed batch rather than per file.
type Outbox struct {
	db *gorm.DB
}

// Enqueue durably records a batch payload for later replay.
func (o *Outbox) Enqueue(batchID string, payload []byte) error {
	return o.db.Create(&OutboxItem{
		BatchID:     batchID,
		PayloadJSON: payload,
		CreatedAt:   time.Now(),
	}).Error
}

// Oldest returns the single oldest undelivered item, or nil if the
// outbox is empty. Draining always proceeds strictly oldest-first.
func (o *Outbox) Oldest() (*OutboxItem, error) {
	var item OutboxItem
	err := o.db.Order("id ASC").First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes an item after its payload has been accepted by the
// host.
func (o *Outbox) Delete(id uint64) error {
	return o.db.Delete(&OutboxItem{}, "id = ?", id).Error
}

// IncrementAttempts records a failed replay attempt, used by the
// orchestrator to drive exponential backoff between retries.
func (o *Outbox) IncrementAttempts(id uint64) error {
	return o.db.Model(&OutboxItem{}).Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// Count reports the current outbox backlog, consumed by both
// /agent/stats and the adaptive permit pool's backlog signal.
func (o *Outbox) Count() (int64, error) {
	var n int64
	err := o.db.Model(&OutboxItem{}).Count(&n).Error
	return n, err
}
