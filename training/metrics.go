package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat/distuv"
)

// MetricType names a binary metric derived from the confusion matrix, with
// class 1 (positive slide) as the positive class.
type MetricType int

const (
	Precision MetricType = iota
	Sensitivity
	F1Score
	Specificity
	NPV // Negative Predictive Value
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Sensitivity:
		return "Sensitivity"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Add records one sample. Out of range classes are skipped.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
}

// RowPercentages normalizes every row by its total, in percent. Empty rows
// stay zero.
func (cm *ConfusionMatrix) RowPercentages() [][]float64 {
	out := make([][]float64, cm.NumClasses)
	for i, row := range cm.Matrix {
		out[i] = make([]float64, cm.NumClasses)
		total := 0
		for _, v := range row {
			total += v
		}
		if total == 0 {
			continue
		}
		for j, v := range row {
			out[i][j] = float64(v) / float64(total) * 100
		}
	}
	return out
}

// GetMetric calculates a binary metric with class 1 as the positive class
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if cm.NumClasses != 2 {
		return 0.0 // Only valid for binary classification
	}
	tn := float64(cm.Matrix[0][0])
	fp := float64(cm.Matrix[0][1])
	fn := float64(cm.Matrix[1][0])
	tp := float64(cm.Matrix[1][1])

	switch metric {
	case Precision:
		return ratio(tp, tp+fp)
	case Sensitivity:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	case NPV:
		return ratio(tn, tn+fn)
	default:
		return 0.0
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0.0
	}
	return num / den
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float64
	TPR       float64 // True Positive Rate (Sensitivity)
	FPR       float64 // False Positive Rate (1 - Specificity)
}

// ROC computes the curve over the distinct scores in descending order. The
// first point has threshold +Inf and sits at the origin. Points collinear
// with both neighbours are dropped.
func ROC(labels []int, scores []float64) ([]ROCPoint, error) {
	if len(labels) != len(scores) {
		return nil, errors.Errorf("%d labels for %d scores", len(labels), len(scores))
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var pos, neg float64
	for _, l := range labels {
		if l == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, errors.New("ROC needs both positive and negative samples")
	}

	var thresholds, tps, fps []float64
	var tp, fp float64
	for k, i := range order {
		if labels[i] == 1 {
			tp++
		} else {
			fp++
		}
		// Close a point at the last sample of every distinct score.
		if k == len(order)-1 || scores[order[k+1]] != scores[i] {
			thresholds = append(thresholds, scores[i])
			tps = append(tps, tp)
			fps = append(fps, fp)
		}
	}

	points := []ROCPoint{{Threshold: math.Inf(1)}}
	for k := range thresholds {
		if k > 0 && k < len(thresholds)-1 {
			collinear := fps[k-1]-2*fps[k]+fps[k+1] == 0 && tps[k-1]-2*tps[k]+tps[k+1] == 0
			if collinear {
				continue
			}
		}
		points = append(points, ROCPoint{Threshold: thresholds[k], TPR: tps[k] / pos, FPR: fps[k] / neg})
	}
	return points, nil
}

// AUC integrates the curve with the trapezoidal rule.
func AUC(points []ROCPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	fpr := make([]float64, len(points))
	tpr := make([]float64, len(points))
	for i, p := range points {
		fpr[i], tpr[i] = p.FPR, p.TPR
	}
	return integrate.Trapezoidal(fpr, tpr)
}

// YoudenThreshold returns the threshold of the first point whose TPR-FPR is
// strictly larger than every earlier one, starting from 0. It is 0 when no
// point beats chance.
func YoudenThreshold(points []ROCPoint) float64 {
	best, threshold := 0.0, 0.0
	for _, p := range points {
		if j := p.TPR - p.FPR; j > best {
			best, threshold = j, p.Threshold
		}
	}
	return threshold
}

// BinaryEvaluation summarizes slide predictions against their labels.
type BinaryEvaluation struct {
	AUC       float64
	Threshold float64
	Accuracy  float64
	Matrix    *ConfusionMatrix
	Percent   [][]float64 // row-normalized Matrix
	ROC       []ROCPoint
	Predicted []int

	Sensitivity float64
	Specificity float64
	Precision   float64
	F1          float64
}

// EvaluateBinary scores probabilities against 0/1 labels: AUC, the Youden
// threshold, and accuracy plus confusion matrix of p >= threshold.
func EvaluateBinary(labels []int, probs []float64) (*BinaryEvaluation, error) {
	points, err := ROC(labels, probs)
	if err != nil {
		return nil, err
	}
	eval := &BinaryEvaluation{
		AUC:       AUC(points),
		Threshold: YoudenThreshold(points),
		Matrix:    NewConfusionMatrix(2),
		ROC:       points,
		Predicted: make([]int, len(probs)),
	}
	for i, p := range probs {
		if p >= eval.Threshold {
			eval.Predicted[i] = 1
		}
		eval.Matrix.Add(labels[i], eval.Predicted[i])
	}
	eval.Accuracy = eval.Matrix.GetAccuracy()
	eval.Percent = eval.Matrix.RowPercentages()
	eval.Sensitivity = eval.Matrix.GetMetric(Sensitivity)
	eval.Specificity = eval.Matrix.GetMetric(Specificity)
	eval.Precision = eval.Matrix.GetMetric(Precision)
	eval.F1 = eval.Matrix.GetMetric(F1Score)
	return eval, nil
}

func (e *BinaryEvaluation) String() string {
	return fmt.Sprintf("[AUC/%.4f] [Threshold/%.4f] [Acc/%.4f] %.2f%% %.2f%% / %.2f%% %.2f%%",
		e.AUC, e.Threshold, e.Accuracy,
		e.Percent[0][0], e.Percent[0][1], e.Percent[1][0], e.Percent[1][1])
}

// Summary describes a set of predictions.
type Summary struct {
	Mean   float64
	Median float64
	Std    float64 // sample standard deviation
	CILow  float64 // 95% normal interval around the mean
	CIHigh float64
}

// Describe computes the mean, median and a 95% normal interval with the
// sample standard deviation as scale.
func Describe(values []float64) (Summary, error) {
	mean, err := stats.Mean(values)
	if err != nil {
		return Summary{}, errors.Wrap(err, "mean")
	}
	median, err := stats.Median(values)
	if err != nil {
		return Summary{}, errors.Wrap(err, "median")
	}
	var std float64
	if len(values) > 1 {
		if std, err = stats.StandardDeviationSample(values); err != nil {
			return Summary{}, errors.Wrap(err, "standard deviation")
		}
	}

	s := Summary{Mean: mean, Median: median, Std: std, CILow: mean, CIHigh: mean}
	if std > 0 {
		normal := distuv.Normal{Mu: mean, Sigma: std}
		s.CILow, s.CIHigh = normal.Quantile(0.025), normal.Quantile(0.975)
	}
	return s, nil
}
