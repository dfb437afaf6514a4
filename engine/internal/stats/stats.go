// Package stats implements the bounded online execution-time statistics
// used to predict ETAs per source and per cluster: a rolling window of
// recent durations, modified-z-score anomaly rejection, percentiles, trend
// detection, and a confidence-weighted ETA estimate.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/models"
)

const (
	windowSize        = 20
	minSamplesForTrend = 5
	anomalyZThreshold = 3.5
	madConstant       = 0.6745
)

// IsAnomaly reports whether duration deviates too far from the window's
// median to trust, using a modified z-score over the median absolute
// deviation. An empty or zero-MAD window never rejects a sample.
func IsAnomaly(s *models.ExecutionStats, duration int64) bool {
	if s.MAD == 0.0 || len(s.RecentTimes) == 0 {
		return false
	}
	z := madConstant * math.Abs(float64(duration)-s.Median) / s.MAD
	return z > anomalyZThreshold
}

// UpdateWithDuration folds a new observed duration into the window, unless
// it is rejected as an anomaly, in which case the window is left untouched
// and the rejection is logged for visibility.
func UpdateWithDuration(s *models.ExecutionStats, duration int64, log *logrus.Logger) {
	if IsAnomaly(s, duration) {
		if log != nil {
			log.WithFields(logrus.Fields{
				"duration_sec": duration,
				"median_sec":   s.Median,
			}).Warn("rejected anomalous execution duration")
		}
		return
	}

	s.RecentTimes = append(s.RecentTimes, duration)
	if len(s.RecentTimes) > windowSize {
		s.RecentTimes = s.RecentTimes[len(s.RecentTimes)-windowSize:]
	}

	Recalculate(s)
	s.LastUpdated = time.Now().UTC()
}

// Recalculate recomputes every derived field (mean, median, std dev, MAD,
// percentiles, trend) from the current window. Safe to call directly on a
// freshly-deserialized stats struct to repair derived fields.
func Recalculate(s *models.ExecutionStats) {
	if len(s.RecentTimes) == 0 {
		return
	}
	times := s.RecentTimes
	count := float64(len(times))

	var sum int64
	for _, t := range times {
		sum += t
	}
	s.Mean = float64(sum) / count

	sorted := append([]int64(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		s.Median = float64(sorted[mid-1]+sorted[mid]) / 2.0
	} else {
		s.Median = float64(sorted[mid])
	}

	var variance float64
	for _, t := range times {
		diff := float64(t) - s.Mean
		variance += diff * diff
	}
	variance /= count
	s.StdDev = math.Sqrt(variance)

	madValues := make([]int64, len(times))
	for i, t := range times {
		madValues[i] = int64(math.Abs(float64(t) - s.Median))
	}
	sort.Slice(madValues, func(i, j int) bool { return madValues[i] < madValues[j] })
	if len(madValues)%2 == 0 {
		s.MAD = float64(madValues[mid-1]+madValues[mid]) / 2.0
	} else {
		s.MAD = float64(madValues[mid])
	}

	calculatePercentiles(s, sorted)
	analyzeTrend(s)
}

func calculatePercentiles(s *models.ExecutionStats, sorted []int64) {
	n := len(sorted)
	if n == 0 {
		return
	}
	idx := func(frac float64) int64 {
		i := int(float64(n) * frac)
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	s.Percentiles.P10 = idx(0.1)
	s.Percentiles.P25 = idx(0.25)
	s.Percentiles.P50 = sorted[n/2]
	s.Percentiles.P75 = idx(0.75)
	s.Percentiles.P90 = idx(0.9)
	s.Percentiles.P95 = idx(0.95)
}

func analyzeTrend(s *models.ExecutionStats) {
	n := len(s.RecentTimes)
	if n < minSamplesForTrend {
		s.Trend.Confidence = 0.0
		s.Trend.Direction = models.TrendStable
		return
	}

	mid := n / 2
	var firstSum, secondSum int64
	for _, t := range s.RecentTimes[:mid] {
		firstSum += t
	}
	for _, t := range s.RecentTimes[mid:] {
		secondSum += t
	}
	firstAvg := float64(firstSum) / float64(mid)
	secondAvg := float64(secondSum) / float64(n-mid)

	changeRate := math.Abs(secondAvg-firstAvg) / firstAvg
	s.Trend.Rate = changeRate

	switch {
	case changeRate < 0.05:
		s.Trend.Direction = models.TrendStable
		s.Trend.Confidence = 0.8
	case secondAvg < firstAvg:
		s.Trend.Direction = models.TrendImproving
		s.Trend.Confidence = math.Min(changeRate, 0.95)
	default:
		s.Trend.Direction = models.TrendDegrading
		s.Trend.Confidence = math.Min(changeRate, 0.95)
	}
}

// CalculateEta derives an ETA prediction from the current window: the
// median duration, nudged by up to 20% in the trend's direction when the
// trend is held with confidence above 0.7.
func CalculateEta(s *models.ExecutionStats) models.EtaPrediction {
	base := s.Median

	adjusted := base
	if s.Trend.Confidence > 0.7 {
		switch s.Trend.Direction {
		case models.TrendImproving:
			adjusted = base * (1.0 - math.Min(s.Trend.Rate, 0.2))
		case models.TrendDegrading:
			adjusted = base * (1.0 + math.Min(s.Trend.Rate, 0.2))
		}
	}

	return models.EtaPrediction{
		ExpectedSeconds: int64(adjusted),
		Confidence:      CalculateConfidence(s),
		LowerBound:      s.Percentiles.P25,
		UpperBound:      s.Percentiles.P75,
	}
}

// CalculateConfidence blends how many samples back the window (up to the
// full 20-sample window) with how tight those samples are around the mean
// (coefficient of variation), capped at 0.95 so no window claims certainty.
func CalculateConfidence(s *models.ExecutionStats) float64 {
	if len(s.RecentTimes) == 0 {
		return 0.0
	}
	sampleFactor := math.Min(float64(len(s.RecentTimes))/float64(windowSize), 1.0)
	var consistencyFactor float64
	if s.Mean > 0.0 {
		consistencyFactor = 1.0 / (1.0 + math.Min(s.StdDev/s.Mean, 1.0))
	}
	return math.Min(sampleFactor*0.6+consistencyFactor*0.4, 0.95)
}
