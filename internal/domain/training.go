package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TrainingType string

const (
	TrainingTypeInitial     TrainingType = "initial"
	TrainingTypeIncremental TrainingType = "incremental"
)

type BatchStatus string

const (
	BatchStatusPreparing          BatchStatus = "preparing"
	BatchStatusSelectingDocuments BatchStatus = "selecting_documents"
	BatchStatusTraining           BatchStatus = "training"
	BatchStatusTrainingFailed     BatchStatus = "training_failed"
	BatchStatusDeploying          BatchStatus = "deploying"
	BatchStatusDeployFailed       BatchStatus = "deploy_failed"
	BatchStatusDeployed           BatchStatus = "deployed"
	BatchStatusFinalizing         BatchStatus = "finalizing"
	BatchStatusCompleted          BatchStatus = "completed"
	BatchStatusCancelled          BatchStatus = "cancelled"
	BatchStatusFailed             BatchStatus = "failed"
)

// Terminal reports whether no further transition may occur from s.
// training_failed and deploy_failed are terminal outcomes: the batch record
// keeps the failure visible instead of funneling into a generic end state.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusTrainingFailed, BatchStatusDeployFailed,
		BatchStatusCompleted, BatchStatusCancelled, BatchStatusFailed:
		return true
	}
	return false
}

// NonTerminalBatchStatuses is the WHERE-clause form of !Terminal(), used by
// the one-active-batch-per-processor guard.
var NonTerminalBatchStatuses = []string{
	string(BatchStatusPreparing),
	string(BatchStatusSelectingDocuments),
	string(BatchStatusTraining),
	string(BatchStatusDeploying),
	string(BatchStatusDeployed),
	string(BatchStatusFinalizing),
}

// TrainingBatch is the durable log of one training attempt. document_ids and
// label_distribution are written once when the claim is made and never change.
type TrainingBatch struct {
	ID                 uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProcessorID        string         `gorm:"column:processor_id;not null;index" json:"processor_id"`
	TrainingType       TrainingType   `gorm:"column:training_type;not null" json:"training_type"`
	Status             BatchStatus    `gorm:"column:status;not null;index" json:"status"`
	DocumentIDs        datatypes.JSON `gorm:"column:document_ids;type:jsonb" json:"document_ids"`
	LabelDistribution  datatypes.JSON `gorm:"column:label_distribution;type:jsonb" json:"label_distribution"`
	OperationRef       string         `gorm:"column:operation_ref" json:"operation_ref,omitempty"`
	DeployOperationRef string         `gorm:"column:deploy_operation_ref" json:"deploy_operation_ref,omitempty"`
	ModelVersionName   string         `gorm:"column:model_version_name" json:"model_version_name,omitempty"`
	ModelDisplayName   string         `gorm:"column:model_display_name" json:"model_display_name,omitempty"`
	ErrorKind          string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage       string         `gorm:"column:error_message" json:"error_message,omitempty"`
	StartedAt          time.Time      `gorm:"column:started_at;not null;default:now();index" json:"started_at"`
	CompletedAt        *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (TrainingBatch) TableName() string { return "training_batch" }

// TrainingConfig is the per-processor knob set. A row is seeded with defaults
// the first time a processor is evaluated.
type TrainingConfig struct {
	ID                             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProcessorID                    string    `gorm:"column:processor_id;not null;uniqueIndex" json:"processor_id"`
	Enabled                        bool      `gorm:"column:enabled;not null;default:true" json:"enabled"`
	MinDocumentsForInitialTraining int       `gorm:"column:min_documents_for_initial_training;not null;default:3" json:"min_documents_for_initial_training"`
	MinDocumentsForIncremental     int       `gorm:"column:min_documents_for_incremental;not null;default:2" json:"min_documents_for_incremental"`
	MinAccuracyForDeployment       float64   `gorm:"column:min_accuracy_for_deployment;not null;default:0.7" json:"min_accuracy_for_deployment"`
	CheckIntervalMinutes           int       `gorm:"column:check_interval_minutes;not null;default:60" json:"check_interval_minutes"`
	CreatedAt                      time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt                      time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (TrainingConfig) TableName() string { return "training_config" }

func (c *TrainingConfig) CheckInterval() time.Duration {
	if c == nil || c.CheckIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}
