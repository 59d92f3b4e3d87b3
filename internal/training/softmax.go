package training

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Model is the serialized form of a fitted softmax classifier over an
// architecture's features. It is what model.json holds.
type Model struct {
	Architecture Architecture `json:"architecture"`
	Resolution   int          `json:"resolution"`
	Classes      []string     `json:"classes"`
	Mean         []float64    `json:"feature_mean"`
	Std          []float64    `json:"feature_std"`
	// Weights is features x classes.
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

func LoadModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if TrainerFor(m.Architecture) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArchitecture, m.Architecture)
	}
	return &m, nil
}

// Predict returns the label with the highest score for img.
func (m *Model) Predict(img image.Image) string {
	x := TrainerFor(m.Architecture).Features(img)
	best, bestScore := 0, math.Inf(-1)
	for k := range m.Classes {
		score := m.Bias[k]
		for j, v := range x {
			score += (v - m.Mean[j]) / m.Std[j] * m.Weights[j][k]
		}
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	return m.Classes[best]
}

type evaluation struct {
	loss      float64
	accuracy  float64
	confusion [][]int
}

func fitSoftmax(ctx context.Context, t Trainer, set *TrainingSet, params Hyperparameters) (*Result, error) {
	k := len(set.Classes)
	if k < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInsufficientClasses, k)
	}
	if len(set.Train) == 0 {
		return nil, fmt.Errorf("no training samples")
	}

	x, y := featureMatrix(t, set.Train)
	mean, std := standardize(x)
	n, d := x.Dims()

	var xv *mat.Dense
	var yv []int
	if len(set.Validation) > 0 {
		xv, yv = featureMatrix(t, set.Validation)
		applyStandardization(xv, mean, std)
	}

	w := mat.NewDense(d, k, nil)
	bias := make([]float64, k)
	rng := rand.New(rand.NewPCG(set.Seed, set.Seed^0x9e3779b97f4a7c15))
	batch := min(params.BatchSize, n)

	for epoch := 0; epoch < params.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		order := rng.Perm(n)
		for start := 0; start < n; start += batch {
			rows := order[start:min(start+batch, n)]
			step(x, y, rows, w, bias, params.LearningRate)
		}
	}

	train := evaluate(x, y, w, bias, k)
	if math.IsNaN(train.loss) || math.IsInf(train.loss, 0) {
		return nil, fmt.Errorf("%w: training loss is %v", ErrNumericalFailure, train.loss)
	}

	metrics := map[string]any{
		"accuracy": train.accuracy,
		"loss":     train.loss,
	}
	report := train
	if xv != nil {
		val := evaluate(xv, yv, w, bias, k)
		if math.IsNaN(val.loss) || math.IsInf(val.loss, 0) {
			return nil, fmt.Errorf("%w: validation loss is %v", ErrNumericalFailure, val.loss)
		}
		metrics["val_accuracy"] = val.accuracy
		metrics["val_loss"] = val.loss
		report = val
	}
	precision, recall, f1 := macroScores(report.confusion)
	metrics["precision"] = precision
	metrics["recall"] = recall
	metrics["f1_score"] = f1
	metrics["confusion_matrix"] = report.confusion

	model := Model{
		Architecture: t.Architecture(),
		Resolution:   t.Architecture().Resolution(),
		Classes:      set.Classes,
		Mean:         mean,
		Std:          std,
		Weights:      make([][]float64, d),
		Bias:         bias,
	}
	for j := 0; j < d; j++ {
		model.Weights[j] = append([]float64(nil), w.RawRowView(j)...)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	return &Result{Model: encoded, Metrics: metrics, Epochs: params.Epochs}, nil
}

func featureMatrix(t Trainer, samples []Sample) (*mat.Dense, []int) {
	var data []float64
	labels := make([]int, len(samples))
	d := 0
	for i, s := range samples {
		f := t.Features(s.Image)
		d = len(f)
		data = append(data, f...)
		labels[i] = s.Class
	}
	return mat.NewDense(len(samples), d, data), labels
}

// standardize rescales x in place to zero mean and unit variance per column
// and returns the statistics used.
func standardize(x *mat.Dense) (mean, std []float64) {
	n, d := x.Dims()
	mean = make([]float64, d)
	std = make([]float64, d)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, x)
		var sum, sq float64
		for _, v := range col {
			sum += v
		}
		mean[j] = sum / float64(n)
		for _, v := range col {
			sq += (v - mean[j]) * (v - mean[j])
		}
		std[j] = math.Sqrt(sq / float64(n))
		if std[j] < 1e-8 {
			std[j] = 1
		}
	}
	applyStandardization(x, mean, std)
	return mean, std
}

func applyStandardization(x *mat.Dense, mean, std []float64) {
	x.Apply(func(_, j int, v float64) float64 {
		return (v - mean[j]) / std[j]
	}, x)
}

// probabilities returns the row-wise softmax of xW + bias.
func probabilities(x mat.Matrix, w *mat.Dense, bias []float64) *mat.Dense {
	var p mat.Dense
	p.Mul(x, w)
	rows, _ := p.Dims()
	for i := 0; i < rows; i++ {
		row := p.RawRowView(i)
		maxLogit := math.Inf(-1)
		for c := range row {
			row[c] += bias[c]
			maxLogit = math.Max(maxLogit, row[c])
		}
		var sum float64
		for c := range row {
			row[c] = math.Exp(row[c] - maxLogit)
			sum += row[c]
		}
		for c := range row {
			row[c] /= sum
		}
	}
	return &p
}

// step applies one gradient descent update on the given rows.
func step(x *mat.Dense, y []int, rows []int, w *mat.Dense, bias []float64, lr float64) {
	_, d := x.Dims()
	xb := mat.NewDense(len(rows), d, nil)
	for i, r := range rows {
		xb.SetRow(i, x.RawRowView(r))
	}

	p := probabilities(xb, w, bias)
	for i, r := range rows {
		p.Set(i, y[r], p.At(i, y[r])-1)
	}

	scale := lr / float64(len(rows))
	var grad mat.Dense
	grad.Mul(xb.T(), p)
	grad.Scale(scale, &grad)
	w.Sub(w, &grad)

	for c := range bias {
		bias[c] -= scale * mat.Sum(p.ColView(c))
	}
}

func evaluate(x *mat.Dense, y []int, w *mat.Dense, bias []float64, k int) evaluation {
	p := probabilities(x, w, bias)
	n, _ := x.Dims()
	ev := evaluation{confusion: make([][]int, k)}
	for c := range ev.confusion {
		ev.confusion[c] = make([]int, k)
	}

	correct := 0
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		ev.loss -= math.Log(math.Max(row[y[i]], 1e-12))
		pred := 0
		for c := range row {
			if row[c] > row[pred] {
				pred = c
			}
		}
		ev.confusion[y[i]][pred]++
		if pred == y[i] {
			correct++
		}
	}
	ev.loss /= float64(n)
	ev.accuracy = float64(correct) / float64(n)
	return ev
}

// macroScores averages per-class precision, recall and F1 from a confusion
// matrix indexed [actual][predicted]. Classes with no support are skipped.
func macroScores(confusion [][]int) (precision, recall, f1 float64) {
	k := len(confusion)
	counted := 0
	for c := 0; c < k; c++ {
		tp := confusion[c][c]
		var actual, predicted int
		for o := 0; o < k; o++ {
			actual += confusion[c][o]
			predicted += confusion[o][c]
		}
		if actual == 0 {
			continue
		}
		counted++
		var p, r float64
		if predicted > 0 {
			p = float64(tp) / float64(predicted)
		}
		r = float64(tp) / float64(actual)
		precision += p
		recall += r
		if p+r > 0 {
			f1 += 2 * p * r / (p + r)
		}
	}
	if counted == 0 {
		return 0, 0, 0
	}
	n := float64(counted)
	return precision / n, recall / n, f1 / n
}
