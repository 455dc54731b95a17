package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorStore persists the resumable scan position per (root, phase)
// pair (C6), grounded on the original save_progress/load_progress/
// clear_progress functions.
type CursorStore struct {
	db *gorm.DB
}

// Load returns the last checkpointed path for root+phase, or "" if the
// root+phase has never been checkpointed (a fresh traversal).
func (c *CursorStore) Load(root, phase string) (string, error) {
	var row CursorRow
	err := c.db.First(&row, "root = ? AND phase = ?", root, phase).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.LastPath, nil
}

// Save upserts the checkpoint for root+phase. Called at least once per
// emitted batch so a crash never loses more than one batch of progress.
func (c *CursorStore) Save(root, phase, lastPath string) error {
	row := CursorRow{Root: root, Phase: phase, LastPath: lastPath, UpdatedAt: time.Now()}
	return c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "root"}, {Name: "phase"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_path", "updated_at"}),
	}).Create(&row).Error
}

// Clear removes the checkpoint for root+phase, marking that phase of
// that root as complete.
func (c *CursorStore) Clear(root, phase string) error {
	return c.db.Delete(&CursorRow{}, "root = ? AND phase = ?", root, phase).Error
}
