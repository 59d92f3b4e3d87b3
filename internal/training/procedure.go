package training

import (
	"context"
	"image"
)

// Sample is one decoded training image and its class index.
type Sample struct {
	Image image.Image
	Class int
}

// TrainingSet is the input of a Trainer. Classes maps class index to label.
type TrainingSet struct {
	Classes    []string
	Train      []Sample
	Validation []Sample
	Seed       uint64
}

// Result is a fitted model serialized as JSON plus its metric map.
type Result struct {
	Model   []byte
	Metrics map[string]any
	// Epochs actually run.
	Epochs int
}

// Trainer fits one architecture. There is exactly one per Architecture.
type Trainer interface {
	Architecture() Architecture
	// Features turns an image into the trainer's feature vector.
	Features(img image.Image) []float64
	Train(ctx context.Context, set *TrainingSet, params Hyperparameters) (*Result, error)
}

// TrainerFor returns the trainer of a known architecture, or nil.
func TrainerFor(a Architecture) Trainer {
	switch a {
	case ArchXceptionMini:
		return XceptionMiniTrainer{}
	case ArchResNet50:
		return ResNet50Trainer{}
	case ArchEfficientNetB3:
		return EfficientNetB3Trainer{}
	default:
		return nil
	}
}

// XceptionMiniTrainer works on luminance only: a coarse gray grid and a
// luminance histogram.
type XceptionMiniTrainer struct{}

func (XceptionMiniTrainer) Architecture() Architecture { return ArchXceptionMini }

func (XceptionMiniTrainer) Features(img image.Image) []float64 {
	src := resample(img, ArchXceptionMini.Resolution())
	return append(grayGrid(src, 8), lumaHistogram(src, 16)...)
}

func (t XceptionMiniTrainer) Train(ctx context.Context, set *TrainingSet, params Hyperparameters) (*Result, error) {
	return fitSoftmax(ctx, t, set, params)
}

// ResNet50Trainer uses a color grid and per-channel histograms.
type ResNet50Trainer struct{}

func (ResNet50Trainer) Architecture() Architecture { return ArchResNet50 }

func (ResNet50Trainer) Features(img image.Image) []float64 {
	src := resample(img, ArchResNet50.Resolution())
	return append(colorGrid(src, 8), channelHistogram(src, 8)...)
}

func (t ResNet50Trainer) Train(ctx context.Context, set *TrainingSet, params Hyperparameters) (*Result, error) {
	return fitSoftmax(ctx, t, set, params)
}

// EfficientNetB3Trainer adds edge density to a color grid.
type EfficientNetB3Trainer struct{}

func (EfficientNetB3Trainer) Architecture() Architecture { return ArchEfficientNetB3 }

func (EfficientNetB3Trainer) Features(img image.Image) []float64 {
	src := resample(img, ArchEfficientNetB3.Resolution())
	features := colorGrid(src, 6)
	features = append(features, edgeGrid(src, 6)...)
	return append(features, lumaHistogram(src, 16)...)
}

func (t EfficientNetB3Trainer) Train(ctx context.Context, set *TrainingSet, params Hyperparameters) (*Result, error) {
	return fitSoftmax(ctx, t, set, params)
}
