package precompute

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyLimb() biomech.LimbMetrics {
	return biomech.LimbMetrics{
		PeakFlexion:             130,
		PeakExtension:           2,
		AverageROM:              110,
		MaxROM:                  140,
		PeakAngularVelocity:     450,
		ExplosivenessLoading:    1600,
		ExplosivenessConcentric: 1900,
		RMSJerk:                 4000,
		ROMCoV:                  8,
	}
}

func healthy() biomech.SessionMetrics {
	return biomech.SessionMetrics{
		SessionID:  "sess-current",
		RecordedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Left:       healthyLimb(),
		Right:      healthyLimb(),
		Bilateral: biomech.BilateralMetrics{
			ROMAsymmetry:       3,
			VelocityAsymmetry:  4,
			CrossCorrelation:   0.95,
			NetGlobalAsymmetry: 5,
			PhaseShift:         5,
			TemporalLag:        30,
		},
		OverallScore: 85,
	}
}

func patternsOfType(ps []biomech.Pattern, t biomech.PatternType) []biomech.Pattern {
	var out []biomech.Pattern
	for _, p := range ps {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func TestAsymmetry(t *testing.T) {
	velocity, _ := biomech.Lookup(biomech.MetricPeakAngularVelocity)
	jerk, _ := biomech.Lookup(biomech.MetricRMSJerk)

	r := Asymmetry(velocity, 450, 300)
	assert.InDelta(t, 33.33, r.Percent, 0.01)
	assert.Equal(t, biomech.LimbRight, r.Weaker)

	r = Asymmetry(jerk, 6000, 4000)
	assert.InDelta(t, 33.33, r.Percent, 0.01)
	assert.Equal(t, biomech.LimbLeft, r.Weaker, "higher jerk is the weaker side")

	r = Asymmetry(velocity, 300, 300)
	assert.Zero(t, r.Percent)
	assert.Equal(t, biomech.LimbNone, r.Weaker)

	r = Asymmetry(velocity, 0, 0)
	assert.Zero(t, r.Percent)
}

func TestAsymmetrySeverity(t *testing.T) {
	cases := []struct {
		percent float64
		want    biomech.Severity
		ok      bool
	}{
		{10, "", false},
		{10.5, biomech.SeverityLow, true},
		{15, biomech.SeverityLow, true},
		{20, biomech.SeverityModerate, true},
		{25.1, biomech.SeverityHigh, true},
	}
	for _, tc := range cases {
		got, ok := AsymmetrySeverity(tc.percent)
		assert.Equal(t, tc.ok, ok, "percent %v", tc.percent)
		assert.Equal(t, tc.want, got, "percent %v", tc.percent)
	}
}

func TestDecompositionHealthySessionHasNoPatterns(t *testing.T) {
	hints := Decomposition(healthy())
	assert.Empty(t, hints.Patterns)
	assert.Len(t, hints.Asymmetries, len(biomech.LimbMetricNames()))
	assert.Len(t, hints.Categories, len(healthy().Readings()))
	for _, c := range hints.Categories {
		assert.Equal(t, biomech.CategoryOptimal, c.Category, c.Metric)
	}
}

func TestDecompositionDeficientSide(t *testing.T) {
	m := healthy()
	m.Left.AverageROM = 60
	m.Left.PeakAngularVelocity = 200

	hints := Decomposition(m)

	violations := patternsOfType(hints.Patterns, biomech.PatternThresholdViolation)
	require.Len(t, violations, 2)
	assert.Equal(t, []string{biomech.MetricAverageROM}, violations[0].Metrics)
	assert.Equal(t, biomech.SeverityModerate, violations[0].Severity)
	assert.Equal(t, biomech.SeverityHigh, violations[1].Severity)
	assert.Equal(t, []biomech.Limb{biomech.LimbLeft}, violations[1].Limbs)

	asym := patternsOfType(hints.Patterns, biomech.PatternAsymmetry)
	require.Len(t, asym, 2)
	for _, p := range asym {
		assert.Equal(t, biomech.SeverityHigh, p.Severity)
		assert.Equal(t, []biomech.Limb{biomech.LimbLeft}, p.Limbs)
	}

	corr := patternsOfType(hints.Patterns, biomech.PatternCorrelation)
	require.Len(t, corr, 1)
	assert.ElementsMatch(t, []string{biomech.MetricAverageROM, biomech.MetricPeakAngularVelocity}, corr[0].Metrics)

	seen := map[string]bool{}
	for _, p := range hints.Patterns {
		assert.Equal(t, biomech.OriginDeterministic, p.Origin)
		assert.Equal(t, biomech.PatternID(p), p.ID)
		assert.False(t, seen[p.Key()], "duplicate key %s", p.Key())
		seen[p.Key()] = true
	}
}

func TestDecompositionTemporalAndQuality(t *testing.T) {
	m := healthy()
	m.Bilateral.PhaseShift = 30
	m.Bilateral.TemporalLag = 80
	m.Bilateral.CrossCorrelation = 0.4
	m.Right.ROMCoV = 40

	hints := Decomposition(m)

	temporal := patternsOfType(hints.Patterns, biomech.PatternTemporal)
	require.Len(t, temporal, 1)
	assert.Equal(t, biomech.SeverityModerate, temporal[0].Severity)

	quality := patternsOfType(hints.Patterns, biomech.PatternQualityFlag)
	require.Len(t, quality, 2)
	assert.Equal(t, []string{biomech.MetricCrossCorrelation}, quality[0].Metrics)
	assert.Equal(t, []biomech.Limb{biomech.LimbRight}, quality[1].Limbs)
}

func TestDecompositionMissingSide(t *testing.T) {
	m := healthy()
	m.Right = biomech.LimbMetrics{}

	hints := Decomposition(m)

	assert.Empty(t, hints.Asymmetries)
	assert.Empty(t, patternsOfType(hints.Patterns, biomech.PatternThresholdViolation))
	quality := patternsOfType(hints.Patterns, biomech.PatternQualityFlag)
	require.Len(t, quality, 1)
	assert.Equal(t, biomech.SeverityHigh, quality[0].Severity)
	assert.Equal(t, []biomech.Limb{biomech.LimbRight}, quality[0].Limbs)
}

func TestAnalysisBenchmarks(t *testing.T) {
	m := healthy()
	m.Left.PeakAngularVelocity = 300
	m.Bilateral.TemporalLag = 200

	hints := Analysis(m)
	require.Len(t, hints.Benchmarks, len(m.Readings()))

	byKey := map[string]biomech.Benchmark{}
	for _, b := range hints.Benchmarks {
		byKey[b.Key()] = b
		assert.Equal(t, biomech.OriginDeterministic, b.Origin)
	}
	pav := byKey[biomech.MetricLimbKey(biomech.MetricPeakAngularVelocity, biomech.LimbLeft)]
	assert.Equal(t, biomech.CategoryAverage, pav.Category)
	assert.Equal(t, "deg/s", pav.Unit)
	assert.Equal(t, biomech.CategoryDeficient, byKey[biomech.MetricLimbKey(biomech.MetricTemporalLag, biomech.LimbNone)].Category)

	total := 0
	for _, d := range hints.Domains {
		total += d.Optimal + d.Average + d.Deficient
	}
	assert.Equal(t, len(hints.Benchmarks), total)
	require.Len(t, hints.Domains, len(biomech.Domains))
	assert.Equal(t, biomech.DomainRange, hints.Domains[0].Domain)
}

func TestSlope(t *testing.T) {
	assert.InDelta(t, 10, Slope([]float64{90, 100, 110}), 1e-9)
	assert.InDelta(t, -2.5, Slope([]float64{10, 7.5}), 1e-9)
	assert.Zero(t, Slope([]float64{42}))
}

func TestProjectionConfidence(t *testing.T) {
	assert.InDelta(t, 0.6, ProjectionConfidence(2), 1e-9)
	assert.InDelta(t, 0.75, ProjectionConfidence(3), 1e-9)
	assert.InDelta(t, 0.9, ProjectionConfidence(4), 1e-9)
	assert.InDelta(t, 0.9, ProjectionConfidence(12), 1e-9)
}

func TestProgressWithoutHistory(t *testing.T) {
	hints := Progress(healthy(), nil)
	assert.Empty(t, hints.Trends)
	assert.Empty(t, hints.Milestones)
}

func at(day int) time.Time {
	return time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC)
}

func findTrend(t *testing.T, ts []biomech.Trend, metric string, limb biomech.Limb) biomech.Trend {
	t.Helper()
	for _, tr := range ts {
		if tr.Metric == metric && tr.Limb == limb {
			return tr
		}
	}
	t.Fatalf("no trend for %s/%s", metric, limb)
	return biomech.Trend{}
}

func TestProgressOrdersHistoryChronologically(t *testing.T) {
	first := healthy()
	first.RecordedAt = at(1)
	first.Left.AverageROM = 90
	second := healthy()
	second.RecordedAt = at(5)
	second.Left.AverageROM = 100

	hints := Progress(healthy(), []biomech.SessionMetrics{second, first})

	tr := findTrend(t, hints.Trends, biomech.MetricAverageROM, biomech.LimbLeft)
	assert.Equal(t, 100.0, tr.Previous)
	assert.InDelta(t, 10, tr.PercentChange, 1e-9)
	assert.InDelta(t, 10, tr.Slope, 1e-9)
	assert.Equal(t, 3, tr.Sessions)
	assert.Equal(t, biomech.TrendImproving, tr.Direction)

	require.NotEmpty(t, hints.Projections)
	p := hints.Projections[0]
	assert.Equal(t, biomech.MetricAverageROM, p.Metric)
	assert.InDelta(t, 120, p.ProjectedValue, 1e-9)
	assert.InDelta(t, 0.75, p.Confidence, 1e-9)

	stable := findTrend(t, hints.Trends, biomech.MetricMaxROM, biomech.LimbLeft)
	assert.Equal(t, biomech.TrendStable, stable.Direction)
}

func TestProgressRegressions(t *testing.T) {
	prior := healthy()
	prior.RecordedAt = at(1)
	current := healthy()
	current.Left.PeakAngularVelocity = 300
	current.Right.PeakAngularVelocity = 395
	// lower is better, so a rise is a decline
	current.Left.RMSJerk = 4500

	hints := Progress(current, []biomech.SessionMetrics{prior})
	require.Len(t, hints.Regressions, 3)

	bySide := map[string]biomech.Regression{}
	for _, r := range hints.Regressions {
		bySide[r.Key()] = r
	}
	assert.Equal(t, biomech.SeverityHigh, bySide[biomech.MetricLimbKey(biomech.MetricPeakAngularVelocity, biomech.LimbLeft)].Severity)
	assert.Equal(t, biomech.SeverityModerate, bySide[biomech.MetricLimbKey(biomech.MetricPeakAngularVelocity, biomech.LimbRight)].Severity)
	jerk := bySide[biomech.MetricLimbKey(biomech.MetricRMSJerk, biomech.LimbLeft)]
	assert.Equal(t, biomech.SeverityModerate, jerk.Severity)
	assert.InDelta(t, 12.5, jerk.PercentChange, 1e-9)
}

func TestProgressMilestones(t *testing.T) {
	prior := healthy()
	prior.RecordedAt = at(1)
	prior.Left.AverageROM = 80
	prior.Right.AverageROM = 85
	prior.Bilateral.ROMAsymmetry = 14

	hints := Progress(healthy(), []biomech.SessionMetrics{prior})

	types := map[biomech.MilestoneType][]biomech.Milestone{}
	for _, m := range hints.Milestones {
		types[m.Type] = append(types[m.Type], m)
		assert.Equal(t, "sess-current", m.SessionID)
	}

	require.Len(t, types[biomech.MilestoneReachedOptimal], 1, "both sides collapse to one key")
	assert.Equal(t, []string{biomech.MetricAverageROM}, types[biomech.MilestoneReachedOptimal][0].Metrics)

	require.Len(t, types[biomech.MilestoneAsymmetryResolved], 1)
	assert.Equal(t, []string{biomech.MetricROMAsymmetry}, types[biomech.MilestoneAsymmetryResolved][0].Metrics)

	assert.NotEmpty(t, types[biomech.MilestonePersonalBest])
}
