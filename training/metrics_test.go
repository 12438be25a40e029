package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBinarySeparable(t *testing.T) {
	eval, err := EvaluateBinary([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.6, 0.9})
	require.NoError(t, err)

	assert.Equal(t, 0.6, eval.Threshold)
	assert.InDelta(t, 1.0, eval.AUC, 1e-12)
	assert.Equal(t, 1.0, eval.Accuracy)
	assert.Equal(t, [][]int{{2, 0}, {0, 2}}, eval.Matrix.Matrix)
	assert.Equal(t, [][]float64{{100, 0}, {0, 100}}, eval.Percent)
	assert.Equal(t, []int{0, 0, 1, 1}, eval.Predicted)
	assert.Contains(t, eval.String(), "[Threshold/0.6000]")
	assert.Equal(t, 1.0, eval.Sensitivity)
	assert.Equal(t, 1.0, eval.Specificity)
	assert.Equal(t, 1.0, eval.Precision)
	assert.Equal(t, 1.0, eval.F1)
}

func TestROCCurve(t *testing.T) {
	points, err := ROC([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)

	require.Len(t, points, 5)
	assert.True(t, math.IsInf(points[0].Threshold, 1))
	assert.Equal(t, ROCPoint{Threshold: 0.8, TPR: 0.5, FPR: 0}, points[1])
	assert.Equal(t, ROCPoint{Threshold: 0.4, TPR: 0.5, FPR: 0.5}, points[2])
	assert.Equal(t, ROCPoint{Threshold: 0.35, TPR: 1, FPR: 0.5}, points[3])
	assert.Equal(t, ROCPoint{Threshold: 0.1, TPR: 1, FPR: 1}, points[4])

	assert.InDelta(t, 0.75, AUC(points), 1e-12)
	assert.Equal(t, 0.8, YoudenThreshold(points), "ties keep the first maximum")
}

func TestROCTiedScores(t *testing.T) {
	points, err := ROC([]int{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, ROCPoint{Threshold: 0.5, TPR: 1, FPR: 1}, points[1])
	assert.InDelta(t, 0.5, AUC(points), 1e-12)

	// No point beats chance, so the threshold stays 0 and everything is positive.
	eval, err := EvaluateBinary([]int{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.0, eval.Threshold)
	assert.Equal(t, 0.5, eval.Accuracy)
	assert.Equal(t, 1.0, eval.Sensitivity)
	assert.Equal(t, 0.0, eval.Specificity)
}

func TestROCRejectsSingleClass(t *testing.T) {
	_, err := ROC([]int{1, 1}, []float64{0.2, 0.3})
	assert.Error(t, err)
	_, err = ROC([]int{1}, []float64{0.2, 0.3})
	assert.Error(t, err)
}

func TestConfusionMatrixMetrics(t *testing.T) {
	cm := NewConfusionMatrix(2)
	for _, s := range [][2]int{{1, 1}, {1, 1}, {1, 0}, {0, 0}, {0, 1}, {3, 0}} {
		cm.Add(s[0], s[1])
	}
	assert.Equal(t, 5, cm.TotalSamples, "out of range classes are skipped")
	assert.InDelta(t, 2.0/3, cm.GetMetric(Precision), 1e-12)
	assert.InDelta(t, 2.0/3, cm.GetMetric(Sensitivity), 1e-12)
	assert.InDelta(t, 2.0/3, cm.GetMetric(F1Score), 1e-12)
	assert.InDelta(t, 0.5, cm.GetMetric(Specificity), 1e-12)
	assert.InDelta(t, 0.5, cm.GetMetric(NPV), 1e-12)
	assert.InDelta(t, 0.6, cm.GetAccuracy(), 1e-12)
	assert.Equal(t, "Sensitivity", Sensitivity.String())
	assert.Equal(t, "Unknown(9)", MetricType(9).String())

	empty := NewConfusionMatrix(2)
	assert.Equal(t, 0.0, empty.GetAccuracy())
	assert.Equal(t, [][]float64{{0, 0}, {0, 0}}, empty.RowPercentages())
}

func TestDescribe(t *testing.T) {
	s, err := Describe([]float64{0.2, 0.4, 0.6, 0.8})
	require.NoError(t, err)

	std := math.Sqrt(0.2 / 3) // sample variance of the four values
	assert.InDelta(t, 0.5, s.Mean, 1e-12)
	assert.InDelta(t, 0.5, s.Median, 1e-12)
	assert.InDelta(t, std, s.Std, 1e-12)
	assert.InDelta(t, 0.5-1.959964*std, s.CILow, 1e-5)
	assert.InDelta(t, 0.5+1.959964*std, s.CIHigh, 1e-5)

	one, err := Describe([]float64{0.3})
	require.NoError(t, err)
	assert.Equal(t, Summary{Mean: 0.3, Median: 0.3, CILow: 0.3, CIHigh: 0.3}, one)

	_, err = Describe(nil)
	assert.Error(t, err)
}
