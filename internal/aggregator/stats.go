package aggregator

import (
	"math"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Summary is the statistical reduction of one batch.
type Summary struct {
	SampleCount      int
	RecipeID         int
	Left             domain.SideStats
	Right            domain.SideStats
	Combined         domain.SideStats
	CorrectionUptime int
	IsAuto           bool
	CorrectionLeft   int
	CorrectionRight  int
	CorrectionRate   int
}

// Summarize reduces samples. A batch is automatic when its exact correction uptime
// percentage is strictly greater than autoThreshold; only the stored uptime is rounded.
func Summarize(samples []Sample, autoThreshold int) Summary {
	s := Summary{SampleCount: len(samples)}
	if len(samples) == 0 {
		return s
	}

	var left, right []float64
	var leftErr, rightErr []float64
	active := 0
	for _, smp := range samples {
		if smp.Left > 0 {
			left = append(left, smp.Left)
		}
		if smp.Right > 0 {
			right = append(right, smp.Right)
		}
		if smp.LeftError != nil {
			leftErr = append(leftErr, math.Abs(*smp.LeftError))
		}
		if smp.RightError != nil {
			rightErr = append(rightErr, math.Abs(*smp.RightError))
		}
		if smp.CorrectionActive {
			active++
		}
	}

	s.Left = side(left, leftErr)
	s.Right = side(right, rightErr)
	s.Combined = domain.SideStats{
		Count:  len(left) + len(right),
		Mean:   combinedMean(s.Left, s.Right),
		StdDev: sampleStdDev(append(append([]float64{}, left...), right...)),
		MAE:    mean(append(append([]float64{}, leftErr...), rightErr...)),
	}

	s.RecipeID = dominantRecipe(samples)
	s.CorrectionUptime = percent(active, len(samples))
	s.IsAuto = active*100 > autoThreshold*len(samples)

	// Manual-mode corrections belong to the operator and are not counted.
	if s.IsAuto {
		corrected := 0
		for _, smp := range samples {
			if smp.LeftAction != 0 {
				s.CorrectionLeft++
			}
			if smp.RightAction != 0 {
				s.CorrectionRight++
			}
			if smp.LeftAction != 0 || smp.RightAction != 0 {
				corrected++
			}
		}
		s.CorrectionRate = percent(corrected, len(samples))
	}
	return s
}

func side(values, errs []float64) domain.SideStats {
	return domain.SideStats{
		Count:  len(values),
		Mean:   mean(values),
		StdDev: sampleStdDev(values),
		MAE:    mean(errs),
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// sampleStdDev uses the n-1 denominator and is 0 for n <= 1.
func sampleStdDev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	return stat.StdDev(values, nil)
}

func combinedMean(l, r domain.SideStats) float64 {
	switch {
	case l.Count > 0 && r.Count > 0:
		return (l.Mean + r.Mean) / 2
	case l.Count > 0:
		return l.Mean
	case r.Count > 0:
		return r.Mean
	}
	return 0
}

// dominantRecipe picks the most frequent recipe; ties go to the one seen first.
func dominantRecipe(samples []Sample) int {
	counts := make(map[int]int)
	var order []int
	for _, smp := range samples {
		if _, seen := counts[smp.RecipeID]; !seen {
			order = append(order, smp.RecipeID)
		}
		counts[smp.RecipeID]++
	}
	best, bestCount := 0, 0
	for _, id := range order {
		if counts[id] > bestCount {
			best, bestCount = id, counts[id]
		}
	}
	return best
}

func percent(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}
