package precompute

import (
	"fmt"
	"math"
	"sort"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

const (
	// StableBand is the percent change inside which a trend is stable.
	StableBand = 2.0

	RegressionModerate = 10.0
	RegressionHigh     = 25.0

	projectionBase    = 0.3
	projectionStep    = 0.15
	projectionCeiling = 0.9
)

// ProgressHints are the deterministic Progress anchors.
type ProgressHints struct {
	Trends      []biomech.Trend      `json:"trends"`
	Milestones  []biomech.Milestone  `json:"milestones"`
	Regressions []biomech.Regression `json:"regressions"`
	Projections []biomech.Projection `json:"projections"`
}

// Progress compares the current session against prior ones. prior may be in
// any order; sessions are placed chronologically by RecordedAt. With no
// prior sessions the result is empty.
func Progress(current biomech.SessionMetrics, prior []biomech.SessionMetrics) ProgressHints {
	var hints ProgressHints
	if len(prior) == 0 {
		return hints
	}
	history := append([]biomech.SessionMetrics(nil), prior...)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].RecordedAt.Before(history[j].RecordedAt)
	})
	last := history[len(history)-1]

	for _, r := range current.Readings() {
		def, _ := biomech.Lookup(r.Metric)
		series := make([]float64, 0, len(history)+1)
		for _, s := range history {
			v, _ := s.Value(r.Metric, r.Limb)
			series = append(series, v)
		}
		series = append(series, r.Value)
		prev := series[len(series)-2]
		if prev == 0 && r.Value == 0 {
			continue
		}

		t := trendFor(def, r, prev, series)
		hints.Trends = append(hints.Trends, t)

		if t.Direction == biomech.TrendDeclining && math.Abs(t.PercentChange) >= RegressionModerate {
			sev := biomech.SeverityModerate
			if math.Abs(t.PercentChange) >= RegressionHigh {
				sev = biomech.SeverityHigh
			}
			hints.Regressions = append(hints.Regressions, biomech.Regression{
				Metric:        r.Metric,
				Limb:          r.Limb,
				Previous:      prev,
				Current:       r.Value,
				PercentChange: t.PercentChange,
				Severity:      sev,
				Description:   fmt.Sprintf("%s declined %.1f%% since the previous session", def.Label, math.Abs(t.PercentChange)),
				Origin:        biomech.OriginDeterministic,
			})
		}

		if t.Direction != biomech.TrendStable {
			hints.Projections = append(hints.Projections, project(def, t))
		}

		hints.Milestones = append(hints.Milestones, milestonesFor(def, r, last, series, current.SessionID)...)
	}
	hints.Milestones = uniqueMilestones(hints.Milestones)
	return hints
}

func trendFor(def biomech.MetricDef, r biomech.Reading, prev float64, series []float64) biomech.Trend {
	delta := r.Value - prev
	var pct float64
	if prev != 0 {
		pct = delta / math.Abs(prev) * 100
	}
	gain := pct
	if def.Direction == biomech.LowerIsBetter {
		gain = -pct
	}

	dir := biomech.TrendStable
	switch {
	case prev == 0 && def.Better(r.Value, prev):
		dir = biomech.TrendImproving
	case prev == 0:
		dir = biomech.TrendDeclining
	case gain > StableBand:
		dir = biomech.TrendImproving
	case gain < -StableBand:
		dir = biomech.TrendDeclining
	}

	return biomech.Trend{
		Metric:        r.Metric,
		Limb:          r.Limb,
		Previous:      prev,
		Current:       r.Value,
		Delta:         round2(delta),
		PercentChange: round2(pct),
		Slope:         round2(Slope(series)),
		Sessions:      len(series),
		Direction:     dir,
		Origin:        biomech.OriginDeterministic,
	}
}

// Slope is the least-squares slope of values against their index.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// ProjectionConfidence grows with the number of sessions in the series.
func ProjectionConfidence(sessions int) float64 {
	return math.Min(projectionCeiling, round2(projectionBase+projectionStep*float64(sessions)))
}

func project(def biomech.MetricDef, t biomech.Trend) biomech.Projection {
	next := t.Current + t.Slope
	if def.NonNegative && next < 0 {
		next = 0
	}
	return biomech.Projection{
		Metric:          t.Metric,
		Limb:            t.Limb,
		ProjectedValue:  round2(next),
		HorizonSessions: 1,
		Confidence:      ProjectionConfidence(t.Sessions),
		Direction:       t.Direction,
		Rationale:       fmt.Sprintf("linear fit over %d sessions", t.Sessions),
		Origin:          biomech.OriginDeterministic,
	}
}

func milestonesFor(def biomech.MetricDef, r biomech.Reading, last biomech.SessionMetrics, series []float64, sessionID string) []biomech.Milestone {
	var out []biomech.Milestone
	prevValue, _ := last.Value(r.Metric, r.Limb)
	wasOptimal := def.Categorize(prevValue) == biomech.CategoryOptimal
	isOptimal := def.Categorize(r.Value) == biomech.CategoryOptimal

	if isOptimal && !wasOptimal {
		typ := biomech.MilestoneReachedOptimal
		desc := fmt.Sprintf("%s reached the optimal range", def.Label)
		if def.Domain == biomech.DomainSymmetry && def.Direction == biomech.LowerIsBetter {
			typ = biomech.MilestoneAsymmetryResolved
			desc = fmt.Sprintf("%s is back within the optimal range", def.Label)
		}
		out = append(out, biomech.Milestone{
			Type:        typ,
			Metrics:     []string{r.Metric},
			Limb:        r.Limb,
			Description: desc,
			SessionID:   sessionID,
			Origin:      biomech.OriginDeterministic,
		})
	}

	best := true
	for _, v := range series[:len(series)-1] {
		if !def.Better(r.Value, v) {
			best = false
			break
		}
	}
	if best {
		out = append(out, biomech.Milestone{
			Type:        biomech.MilestonePersonalBest,
			Metrics:     []string{r.Metric},
			Limb:        r.Limb,
			Description: fmt.Sprintf("%s is the best recorded so far", def.Label),
			SessionID:   sessionID,
			Origin:      biomech.OriginDeterministic,
		})
	}
	return out
}

func uniqueMilestones(in []biomech.Milestone) []biomech.Milestone {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, m := range in {
		if _, ok := seen[m.Key()]; ok {
			continue
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}
	return out
}
