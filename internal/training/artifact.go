package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"image-classifier/internal/storage"
)

const (
	ModelFile    = "model.json"
	MetadataFile = "metadata.json"
)

// Metadata is the sidecar written next to every model artifact.
type Metadata struct {
	Architecture Architecture      `json:"architecture"`
	TrainingDate time.Time         `json:"training_date"`
	NumClasses   int               `json:"num_classes"`
	ClassMapping map[string]string `json:"class_mapping"`
	Metrics      map[string]any    `json:"metrics"`
	TrainParams  map[string]any    `json:"train_params"`
}

func NewMetadata(arch Architecture, classes []string, metrics map[string]any, params Hyperparameters, epochs int, trainedAt time.Time) Metadata {
	mapping := make(map[string]string, len(classes))
	for i, label := range classes {
		mapping[strconv.Itoa(i)] = label
	}
	return Metadata{
		Architecture: arch,
		TrainingDate: trainedAt.UTC(),
		NumClasses:   len(classes),
		ClassMapping: mapping,
		Metrics:      metrics,
		TrainParams: map[string]any{
			ParamEpochs:          epochs,
			ParamBatchSize:       params.BatchSize,
			ParamValidationSplit: params.ValidationSplit,
			ParamLearningRate:    params.LearningRate,
			ParamImageSize:       []int{params.ImageSize[0], params.ImageSize[1]},
		},
	}
}

// WriteArtifacts stores the model and its metadata under the classifier's
// directory and returns the model path.
func WriteArtifacts(ctx context.Context, blobs storage.BlobStore, classifierID string, model []byte, meta Metadata) (string, error) {
	dir := storage.ModelDir(classifierID)

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	modelPath := dir + ModelFile
	if err := blobs.Put(ctx, modelPath, bytes.NewReader(model), int64(len(model)), "application/json"); err != nil {
		return "", fmt.Errorf("failed to write model: %w", err)
	}
	if err := blobs.Put(ctx, dir+MetadataFile, bytes.NewReader(metaJSON), int64(len(metaJSON)), "application/json"); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return modelPath, nil
}
