package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DocumentStatus string

const (
	// DocumentStatusPendingInitialTraining marks documents stored before any
	// model version exists; they feed the initial training run.
	DocumentStatusPendingInitialTraining DocumentStatus = "pending_initial_training"
	DocumentStatusCompleted              DocumentStatus = "completed"
	DocumentStatusFailed                 DocumentStatus = "failed"
)

// Document is the durable record of one ingested object. Rows are append-only:
// the orchestrator flips used_for_training exactly once and nothing deletes them.
type Document struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID      string         `gorm:"column:document_id;not null;uniqueIndex" json:"document_id"`
	ProcessorID     string         `gorm:"column:processor_id;not null;index" json:"processor_id"`
	StorageURI      string         `gorm:"column:storage_uri;not null" json:"storage_uri"`
	Bucket          string         `gorm:"column:bucket" json:"bucket"`
	ObjectName      string         `gorm:"column:object_name" json:"object_name"`
	Label           string         `gorm:"column:label;index" json:"label,omitempty"`
	Status          DocumentStatus `gorm:"column:status;not null;index" json:"status"`
	Confidence      float64        `gorm:"column:confidence;not null;default:0" json:"confidence"`
	ExtractedData   datatypes.JSON `gorm:"column:extracted_data;type:jsonb" json:"extracted_data,omitempty"`
	UsedForTraining bool           `gorm:"column:used_for_training;not null;default:false;index" json:"used_for_training"`
	TrainingBatchID *uuid.UUID     `gorm:"type:uuid;column:training_batch_id;index" json:"training_batch_id,omitempty"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Document) TableName() string { return "training_document" }
