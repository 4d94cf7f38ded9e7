package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	gstatus "google.golang.org/grpc/status"

	"github.com/tetrix-ml/autotrain/internal/pkg/ctxutil"
	"github.com/tetrix-ml/autotrain/internal/pkg/envutil"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/training"
)

// TrainerService binds the training lifecycle to Document AI processor
// versions. It satisfies training.Trainer and additionally exposes online
// document classification for the ingestion path.
type TrainerService struct {
	log *logger.Logger

	client   *documentai.DocumentProcessorClient
	project  string
	location string
}

func NewTrainerService(log *logger.Logger) (*TrainerService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Trainer")

	project := envutil.String("GCP_PROJECT_ID", "")
	if project == "" {
		return nil, fmt.Errorf("missing GCP_PROJECT_ID")
	}
	location := envutil.String("DOCUMENTAI_LOCATION", "us")
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)

	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, ClientOptionsFromEnv()...)
	c, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	slog.Info("Document AI initialized", "endpoint", endpoint, "project", project)

	return &TrainerService{
		log:      slog,
		client:   c,
		project:  project,
		location: location,
	}, nil
}

func (s *TrainerService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *TrainerService) processorPath(processorID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		s.project, s.location, strings.TrimSpace(processorID))
}

func (s *TrainerService) deployedVersions(ctx context.Context, processorID string) ([]*documentaipb.ProcessorVersion, error) {
	ctx = ctxutil.Default(ctx)
	it := s.client.ListProcessorVersions(ctx, &documentaipb.ListProcessorVersionsRequest{
		Parent: s.processorPath(processorID),
	})
	var out []*documentaipb.ProcessorVersion
	for {
		pv, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list processor versions: %w", err)
		}
		if pv.GetState() == documentaipb.ProcessorVersion_DEPLOYED {
			out = append(out, pv)
		}
	}
	return out, nil
}

func (s *TrainerService) HasDeployedVersion(ctx context.Context, processorID string) (bool, error) {
	versions, err := s.deployedVersions(ctx, processorID)
	if err != nil {
		return false, err
	}
	return len(versions) > 0, nil
}

// LatestDeployedVersion returns the most recently created deployed version,
// or "" when none exists yet.
func (s *TrainerService) LatestDeployedVersion(ctx context.Context, processorID string) (string, error) {
	versions, err := s.deployedVersions(ctx, processorID)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", nil
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].GetCreateTime().AsTime().Before(versions[j].GetCreateTime().AsTime())
	})
	return versions[len(versions)-1].GetName(), nil
}

func (s *TrainerService) SubmitTraining(ctx context.Context, req training.TrainRequest) (string, error) {
	ctx = ctxutil.Default(ctx)
	if len(req.Documents) == 0 {
		return "", fmt.Errorf("no training documents")
	}

	gcsDocs := make([]*documentaipb.GcsDocument, 0, len(req.Documents))
	for _, d := range req.Documents {
		gcsDocs = append(gcsDocs, &documentaipb.GcsDocument{
			GcsUri:   d.StorageURI,
			MimeType: "application/pdf",
		})
	}

	op, err := s.client.TrainProcessorVersion(ctx, &documentaipb.TrainProcessorVersionRequest{
		Parent: s.processorPath(req.ProcessorID),
		ProcessorVersion: &documentaipb.ProcessorVersion{
			DisplayName: req.DisplayName,
		},
		DocumentSchema:       classificationSchema(req.Documents),
		BaseProcessorVersion: req.BaseVersion,
		InputData: &documentaipb.TrainProcessorVersionRequest_InputData{
			TrainingDocuments: &documentaipb.BatchDocumentsInputConfig{
				Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
					GcsDocuments: &documentaipb.GcsDocuments{Documents: gcsDocs},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("train processor version: %w", err)
	}
	return op.Name(), nil
}

// classificationSchema declares one entity type per distinct label in the
// claimed set.
func classificationSchema(docs []training.TrainDocument) *documentaipb.DocumentSchema {
	seen := map[string]bool{}
	schema := &documentaipb.DocumentSchema{
		DisplayName: "auto-train classification schema",
	}
	for _, d := range docs {
		if d.Label == "" || seen[d.Label] {
			continue
		}
		seen[d.Label] = true
		schema.EntityTypes = append(schema.EntityTypes, &documentaipb.DocumentSchema_EntityType{
			Name:        d.Label,
			DisplayName: labelDisplayName(d.Label),
			BaseTypes:   []string{"document"},
		})
	}
	sort.Slice(schema.EntityTypes, func(i, j int) bool {
		return schema.EntityTypes[i].Name < schema.EntityTypes[j].Name
	})
	return schema
}

// labelDisplayName turns INVOICE_STATEMENT into "Invoice Statement".
func labelDisplayName(label string) string {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(label, "_", " ")))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func (s *TrainerService) DeployVersion(ctx context.Context, versionName string) (string, error) {
	ctx = ctxutil.Default(ctx)
	op, err := s.client.DeployProcessorVersion(ctx, &documentaipb.DeployProcessorVersionRequest{
		Name: versionName,
	})
	if err != nil {
		return "", fmt.Errorf("deploy processor version: %w", err)
	}
	return op.Name(), nil
}

// SetDefaultVersion points the processor's default at versionName via
// SetDefaultProcessorVersion, then waits for the update to land.
func (s *TrainerService) SetDefaultVersion(ctx context.Context, processorID, versionName string) error {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	op, err := s.client.SetDefaultProcessorVersion(ctx, &documentaipb.SetDefaultProcessorVersionRequest{
		Processor:               s.processorPath(processorID),
		DefaultProcessorVersion: versionName,
	})
	if err != nil {
		return fmt.Errorf("update processor: %w", err)
	}
	if _, err := op.Wait(ctx); err != nil {
		return fmt.Errorf("update processor wait: %w", err)
	}
	return nil
}

// Operation reads the raw long running operation. A finished training
// operation yields the new version name from its response payload; a
// service-reported failure is surfaced on OperationStatus.Err, classified so
// the caller's retry logic can key off it.
func (s *TrainerService) Operation(ctx context.Context, ref string) (training.OperationStatus, error) {
	ctx = ctxutil.Default(ctx)
	op, err := s.client.LROClient.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: ref})
	if err != nil {
		return training.OperationStatus{}, training.FromRPC("get operation", err)
	}
	st := training.OperationStatus{Done: op.GetDone()}
	if !st.Done {
		return st, nil
	}

	if pb := op.GetError(); pb != nil {
		st.Err = training.FromRPC("operation failed", gstatus.FromProto(pb).Err())
		return st, nil
	}
	if resp := op.GetResponse(); resp != nil {
		trained := &documentaipb.TrainProcessorVersionResponse{}
		if err := resp.UnmarshalTo(trained); err == nil {
			st.ModelVersionName = trained.GetProcessorVersion()
		}
	}
	return st, nil
}

// InferenceResult is the best-effort classification of one stored document.
type InferenceResult struct {
	Label         string
	Confidence    float64
	ExtractedData []byte
}

// ClassifyStored runs online processing against the processor's default
// version for a document already sitting in the bucket. Callers treat errors
// as non-fatal: a document is trainable from its folder label alone.
func (s *TrainerService) ClassifyStored(ctx context.Context, processorID, gcsURI string) (*InferenceResult, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	resp, err := s.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: s.processorPath(processorID),
		Source: &documentaipb.ProcessRequest_GcsDocument{
			GcsDocument: &documentaipb.GcsDocument{
				GcsUri:   gcsURI,
				MimeType: "application/pdf",
			},
		},
		SkipHumanReview: true,
	})
	if err != nil {
		return nil, training.FromRPC("process document", err)
	}
	doc := resp.GetDocument()
	if doc == nil {
		return &InferenceResult{}, nil
	}

	out := &InferenceResult{}
	type entity struct {
		Type       string  `json:"type"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	extracted := struct {
		TextLength int      `json:"text_length"`
		PageCount  int      `json:"page_count"`
		Entities   []entity `json:"entities"`
	}{
		TextLength: len(doc.GetText()),
		PageCount:  len(doc.GetPages()),
		Entities:   []entity{},
	}
	for _, e := range doc.GetEntities() {
		extracted.Entities = append(extracted.Entities, entity{
			Type:       e.GetType(),
			Text:       e.GetMentionText(),
			Confidence: float64(e.GetConfidence()),
		})
		if out.Label == "" && e.GetType() != "" {
			out.Label = strings.ReplaceAll(strings.ToUpper(e.GetType()), " ", "_")
			out.Confidence = float64(e.GetConfidence())
		}
	}
	if raw, err := json.Marshal(extracted); err == nil {
		out.ExtractedData = raw
	}
	return out, nil
}
