package training

import (
	"fmt"
	"maps"
	"math"
)

// Parameter map keys.
const (
	ParamLearningRate    = "learning_rate"
	ParamEpochs          = "epochs"
	ParamBatchSize       = "batch_size"
	ParamValidationSplit = "validation_split"
	ParamImageSize       = "image_size"
)

type Hyperparameters struct {
	LearningRate    float64
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	ImageSize       [2]int
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LearningRate:    0.001,
		Epochs:          20,
		BatchSize:       32,
		ValidationSplit: 0.2,
		ImageSize:       [2]int{180, 180},
	}
}

// MergeParameters lays caller overrides over the defaults and records the
// architecture's input resolution as image_size. Unknown keys are kept.
func MergeParameters(arch Architecture, overrides map[string]any) (map[string]any, error) {
	d := DefaultHyperparameters()
	merged := map[string]any{
		ParamLearningRate:    d.LearningRate,
		ParamEpochs:          d.Epochs,
		ParamBatchSize:       d.BatchSize,
		ParamValidationSplit: d.ValidationSplit,
	}
	maps.Copy(merged, overrides)
	res := arch.Resolution()
	merged[ParamImageSize] = []int{res, res}

	if _, err := ParametersFromMap(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ParametersFromMap reads a stored parameter map. Numbers may arrive as any Go
// numeric type or as float64 after a JSON round trip.
func ParametersFromMap(m map[string]any) (Hyperparameters, error) {
	p := DefaultHyperparameters()
	var err error

	if v, ok := m[ParamLearningRate]; ok {
		if p.LearningRate, err = toFloat(ParamLearningRate, v); err != nil {
			return p, err
		}
	}
	if v, ok := m[ParamEpochs]; ok {
		if p.Epochs, err = toInt(ParamEpochs, v); err != nil {
			return p, err
		}
	}
	if v, ok := m[ParamBatchSize]; ok {
		if p.BatchSize, err = toInt(ParamBatchSize, v); err != nil {
			return p, err
		}
	}
	if v, ok := m[ParamValidationSplit]; ok {
		if p.ValidationSplit, err = toFloat(ParamValidationSplit, v); err != nil {
			return p, err
		}
	}
	if v, ok := m[ParamImageSize]; ok {
		if p.ImageSize, err = toSize(v); err != nil {
			return p, err
		}
	}

	switch {
	case !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0):
		return p, fmt.Errorf("%w: learning_rate must be positive", ErrInvalidParameters)
	case p.Epochs < 1 || p.Epochs > 1000:
		return p, fmt.Errorf("%w: epochs must be between 1 and 1000", ErrInvalidParameters)
	case p.BatchSize < 1:
		return p, fmt.Errorf("%w: batch_size must be at least 1", ErrInvalidParameters)
	case p.ValidationSplit < 0 || p.ValidationSplit >= 1:
		return p, fmt.Errorf("%w: validation_split must be in [0, 1)", ErrInvalidParameters)
	case p.ImageSize[0] < 1 || p.ImageSize[1] < 1:
		return p, fmt.Errorf("%w: image_size must be positive", ErrInvalidParameters)
	}
	return p, nil
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParameters, key)
	}
}

func toInt(key string, v any) (int, error) {
	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameters, key)
	}
	return int(f), nil
}

func toSize(v any) ([2]int, error) {
	var items []any
	switch s := v.(type) {
	case []int:
		for _, n := range s {
			items = append(items, n)
		}
	case []any:
		items = s
	default:
		return [2]int{}, fmt.Errorf("%w: image_size must be a [width, height] pair", ErrInvalidParameters)
	}
	if len(items) != 2 {
		return [2]int{}, fmt.Errorf("%w: image_size must be a [width, height] pair", ErrInvalidParameters)
	}
	var out [2]int
	for i, item := range items {
		n, err := toInt(ParamImageSize, item)
		if err != nil {
			return [2]int{}, err
		}
		out[i] = n
	}
	return out, nil
}
