package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raceboard/eta-server/engine/models"
)

func TestAnomalyDetectionRejectsOutlier(t *testing.T) {
	s := models.NewExecutionStats()
	UpdateWithDuration(s, 10, nil)
	UpdateWithDuration(s, 12, nil)
	UpdateWithDuration(s, 11, nil)
	UpdateWithDuration(s, 100, nil)
	assert.Len(t, s.RecentTimes, 3)
}

func TestConfidenceGrowsWithSampleCountAndConsistency(t *testing.T) {
	s := models.NewExecutionStats()
	assert.Equal(t, 0.0, CalculateConfidence(s))

	for i := 0; i < 20; i++ {
		UpdateWithDuration(s, int64(10+i%2), nil)
	}

	c := CalculateConfidence(s)
	assert.Greater(t, c, 0.8)
	assert.LessOrEqual(t, c, 0.95)
}

func TestWindowBoundedAtTwenty(t *testing.T) {
	s := models.NewExecutionStats()
	for i := 0; i < 30; i++ {
		UpdateWithDuration(s, int64(20+i), nil)
	}
	assert.Len(t, s.RecentTimes, 20)
}

func TestTrendRequiresMinimumSamples(t *testing.T) {
	s := models.NewExecutionStats()
	UpdateWithDuration(s, 10, nil)
	UpdateWithDuration(s, 10, nil)
	assert.Equal(t, models.TrendStable, s.Trend.Direction)
	assert.Equal(t, 0.0, s.Trend.Confidence)
}

func TestTrendDetectsDegrading(t *testing.T) {
	s := models.NewExecutionStats()
	for _, d := range []int64{10, 10, 10, 20, 20, 20} {
		UpdateWithDuration(s, d, nil)
	}
	assert.Equal(t, models.TrendDegrading, s.Trend.Direction)
}

func TestCalculateEtaUsesMedianAsBase(t *testing.T) {
	s := models.NewExecutionStats()
	for _, d := range []int64{10, 10, 10, 10, 10} {
		UpdateWithDuration(s, d, nil)
	}
	eta := CalculateEta(s)
	assert.Equal(t, int64(10), eta.ExpectedSeconds)
}
