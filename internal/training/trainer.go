package training

import "context"

// Trainer is the contract with the external training/inference service. The
// production binding lives in clients/gcp; tests swap in fakes.
type Trainer interface {
	HasDeployedVersion(ctx context.Context, processorID string) (bool, error)
	LatestDeployedVersion(ctx context.Context, processorID string) (string, error)
	SubmitTraining(ctx context.Context, req TrainRequest) (string, error)
	DeployVersion(ctx context.Context, versionName string) (string, error)
	SetDefaultVersion(ctx context.Context, processorID, versionName string) error
	Operation(ctx context.Context, ref string) (OperationStatus, error)
}

type TrainDocument struct {
	StorageURI string
	Label      string
}

type TrainRequest struct {
	ProcessorID string
	DisplayName string
	Documents   []TrainDocument
	// BaseVersion carries the currently deployed version for incremental runs;
	// empty means train from scratch.
	BaseVersion string
}

// OperationStatus is one observation of a long running operation.
// Err is the failure the service itself reported for a finished operation,
// as opposed to an error reaching the service at all.
type OperationStatus struct {
	Done             bool
	ModelVersionName string
	Err              error
}
