package models

import (
	"time"

	"github.com/google/uuid"
)

// DeletedRow records a hard deletion for downstream sync consumers.
// Soft deletes never produce a row here.
type DeletedRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TableName string    `gorm:"type:text;index;not null" json:"table_name"`
	RowID     string    `gorm:"type:text;not null" json:"row_id"`
	DeletedBy string    `gorm:"type:text" json:"deleted_by"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
