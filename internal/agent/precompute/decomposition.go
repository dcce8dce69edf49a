// Package precompute derives numeric anchors from session metrics without
// calling a model. Everything here is deterministic.
package precompute

import (
	"fmt"
	"math"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// Asymmetry thresholds in percent.
const (
	AsymmetryLow      = 10.0
	AsymmetryModerate = 15.0
	AsymmetryHigh     = 25.0

	// shortfall (fraction of the average bound) up to which a threshold
	// violation is moderate rather than high.
	moderateShortfall = 0.15

	lowCrossCorrelation = 0.5
	highVariability     = 35.0
)

// coupledPairs are per-limb metrics whose joint deficiency is reported as a
// cross-metric correlation.
var coupledPairs = [][2]string{
	{biomech.MetricAverageROM, biomech.MetricPeakAngularVelocity},
	{biomech.MetricRMSJerk, biomech.MetricROMCoV},
	{biomech.MetricPeakFlexion, biomech.MetricExplosivenessLoading},
}

// DecompositionHints are the deterministic Decomposition anchors.
type DecompositionHints struct {
	Asymmetries []biomech.AsymmetryReading `json:"asymmetries"`
	Categories  []biomech.CategoryReading  `json:"categories"`
	Patterns    []biomech.Pattern          `json:"patterns"`
}

// Asymmetry compares two sides of a per-limb metric. The percentage is
// |L-R| / max(|L|,|R|) * 100. The weaker side follows the metric direction;
// identical values report no weaker side.
func Asymmetry(def biomech.MetricDef, left, right float64) biomech.AsymmetryReading {
	r := biomech.AsymmetryReading{Metric: def.Name, Left: left, Right: right}
	denom := math.Max(math.Abs(left), math.Abs(right))
	if denom > 0 {
		r.Percent = round2(math.Abs(left-right) / denom * 100)
	}
	switch {
	case left == right:
		r.Weaker = biomech.LimbNone
	case def.Better(left, right):
		r.Weaker = biomech.LimbRight
	default:
		r.Weaker = biomech.LimbLeft
	}
	return r
}

// AsymmetrySeverity buckets an asymmetry percentage. ok is false below the
// reporting threshold.
func AsymmetrySeverity(percent float64) (biomech.Severity, bool) {
	switch {
	case percent > AsymmetryHigh:
		return biomech.SeverityHigh, true
	case percent > AsymmetryModerate:
		return biomech.SeverityModerate, true
	case percent > AsymmetryLow:
		return biomech.SeverityLow, true
	}
	return "", false
}

// Categories buckets every reading against its normative thresholds.
func Categories(m biomech.SessionMetrics) []biomech.CategoryReading {
	readings := m.Readings()
	out := make([]biomech.CategoryReading, 0, len(readings))
	for _, r := range readings {
		def, _ := biomech.Lookup(r.Metric)
		out = append(out, biomech.CategoryReading{
			Metric:   r.Metric,
			Limb:     r.Limb,
			Value:    r.Value,
			Category: def.Categorize(r.Value),
		})
	}
	return out
}

// Decomposition computes asymmetries, categories and the patterns that follow
// from them.
func Decomposition(m biomech.SessionMetrics) DecompositionHints {
	hints := DecompositionHints{Categories: Categories(m)}
	missing := map[biomech.Limb]bool{
		biomech.LimbLeft:  m.Left.IsZero(),
		biomech.LimbRight: m.Right.IsZero(),
	}
	bothCaptured := !missing[biomech.LimbLeft] && !missing[biomech.LimbRight]

	if bothCaptured {
		for _, name := range biomech.LimbMetricNames() {
			def, _ := biomech.Lookup(name)
			hints.Asymmetries = append(hints.Asymmetries, Asymmetry(def, valueOf(m, name, biomech.LimbLeft), valueOf(m, name, biomech.LimbRight)))
		}
	}

	var patterns []biomech.Pattern
	cat := make(map[string]biomech.Category, len(hints.Categories))
	for _, c := range hints.Categories {
		cat[biomech.MetricLimbKey(c.Metric, c.Limb)] = c.Category
		if c.Category != biomech.CategoryDeficient || missing[c.Limb] {
			continue
		}
		patterns = append(patterns, thresholdViolation(c))
	}

	for _, a := range hints.Asymmetries {
		sev, ok := AsymmetrySeverity(a.Percent)
		if !ok || a.Weaker == biomech.LimbNone {
			continue
		}
		def, _ := biomech.Lookup(a.Metric)
		patterns = append(patterns, biomech.Pattern{
			Type:        biomech.PatternAsymmetry,
			Severity:    sev,
			Metrics:     []string{a.Metric},
			Limbs:       []biomech.Limb{a.Weaker},
			Description: fmt.Sprintf("%s differs by %.1f%% between sides", def.Label, a.Percent),
			SearchTerms: []string{"interlimb asymmetry " + def.SearchPhrase},
			Values: map[string]float64{
				"left." + a.Metric:  a.Left,
				"right." + a.Metric: a.Right,
				"asymmetry_percent": a.Percent,
			},
		})
	}

	for _, limb := range []biomech.Limb{biomech.LimbLeft, biomech.LimbRight} {
		if missing[limb] {
			continue
		}
		for _, pair := range coupledPairs {
			if cat[biomech.MetricLimbKey(pair[0], limb)] != biomech.CategoryDeficient ||
				cat[biomech.MetricLimbKey(pair[1], limb)] != biomech.CategoryDeficient {
				continue
			}
			a, _ := biomech.Lookup(pair[0])
			b, _ := biomech.Lookup(pair[1])
			patterns = append(patterns, biomech.Pattern{
				Type:        biomech.PatternCorrelation,
				Severity:    biomech.SeverityModerate,
				Metrics:     []string{pair[0], pair[1]},
				Limbs:       []biomech.Limb{limb},
				Description: fmt.Sprintf("%s and %s are both below normative range on the same side", a.Label, b.Label),
				SearchTerms: []string{a.SearchPhrase + " " + b.SearchPhrase},
				Values: map[string]float64{
					string(limb) + "." + pair[0]: valueOf(m, pair[0], limb),
					string(limb) + "." + pair[1]: valueOf(m, pair[1], limb),
				},
			})
		}
	}

	romAsym := cat[biomech.MetricLimbKey(biomech.MetricROMAsymmetry, biomech.LimbNone)]
	velAsym := cat[biomech.MetricLimbKey(biomech.MetricVelocityAsymmetry, biomech.LimbNone)]
	if romAsym != biomech.CategoryOptimal && velAsym != biomech.CategoryOptimal {
		sev := biomech.SeverityLow
		if romAsym == biomech.CategoryDeficient || velAsym == biomech.CategoryDeficient {
			sev = biomech.SeverityModerate
		}
		patterns = append(patterns, biomech.Pattern{
			Type:        biomech.PatternCorrelation,
			Severity:    sev,
			Metrics:     []string{biomech.MetricROMAsymmetry, biomech.MetricVelocityAsymmetry},
			Description: "Range and velocity asymmetry are elevated together",
			SearchTerms: []string{"range of motion and velocity asymmetry"},
			Values: map[string]float64{
				biomech.MetricROMAsymmetry:      m.Bilateral.ROMAsymmetry,
				biomech.MetricVelocityAsymmetry: m.Bilateral.VelocityAsymmetry,
			},
		})
	}

	phase := cat[biomech.MetricLimbKey(biomech.MetricPhaseShift, biomech.LimbNone)]
	lag := cat[biomech.MetricLimbKey(biomech.MetricTemporalLag, biomech.LimbNone)]
	if phase != biomech.CategoryOptimal && lag != biomech.CategoryOptimal {
		sev := biomech.SeverityLow
		switch {
		case phase == biomech.CategoryDeficient && lag == biomech.CategoryDeficient:
			sev = biomech.SeverityHigh
		case phase == biomech.CategoryDeficient || lag == biomech.CategoryDeficient:
			sev = biomech.SeverityModerate
		}
		patterns = append(patterns, biomech.Pattern{
			Type:        biomech.PatternTemporal,
			Severity:    sev,
			Metrics:     []string{biomech.MetricPhaseShift, biomech.MetricTemporalLag},
			Description: fmt.Sprintf("Interlimb timing offset: phase shift %.1f deg, lag %.0f ms", m.Bilateral.PhaseShift, m.Bilateral.TemporalLag),
			SearchTerms: []string{"interlimb coordination timing"},
			Values: map[string]float64{
				biomech.MetricPhaseShift:  m.Bilateral.PhaseShift,
				biomech.MetricTemporalLag: m.Bilateral.TemporalLag,
			},
		})
	}

	patterns = append(patterns, qualityFlags(m, missing)...)

	for i := range patterns {
		patterns[i].Origin = biomech.OriginDeterministic
		patterns[i].ID = biomech.PatternID(patterns[i])
	}
	hints.Patterns = patterns
	return hints
}

func thresholdViolation(c biomech.CategoryReading) biomech.Pattern {
	def, _ := biomech.Lookup(c.Metric)
	sev := biomech.SeverityHigh
	if def.Shortfall(c.Value) <= moderateShortfall {
		sev = biomech.SeverityModerate
	}
	p := biomech.Pattern{
		Type:        biomech.PatternThresholdViolation,
		Severity:    sev,
		Metrics:     []string{c.Metric},
		Description: fmt.Sprintf("%s of %.1f %s is outside the normative range (average bound %.1f)", def.Label, c.Value, def.Unit, def.Average),
		SearchTerms: []string{def.SearchPhrase},
		Values:      map[string]float64{valueKey(c.Metric, c.Limb): c.Value},
	}
	if c.Limb != biomech.LimbNone {
		p.Limbs = []biomech.Limb{c.Limb}
	}
	return p
}

func qualityFlags(m biomech.SessionMetrics, missing map[biomech.Limb]bool) []biomech.Pattern {
	var out []biomech.Pattern
	if m.Bilateral.CrossCorrelation < lowCrossCorrelation && !missing[biomech.LimbLeft] && !missing[biomech.LimbRight] {
		out = append(out, biomech.Pattern{
			Type:        biomech.PatternQualityFlag,
			Severity:    biomech.SeverityModerate,
			Metrics:     []string{biomech.MetricCrossCorrelation},
			Description: fmt.Sprintf("Bilateral cross-correlation %.2f suggests inconsistent or noisy capture", m.Bilateral.CrossCorrelation),
			SearchTerms: []string{"motion capture signal quality"},
			Values:      map[string]float64{biomech.MetricCrossCorrelation: m.Bilateral.CrossCorrelation},
		})
	}
	for _, limb := range []biomech.Limb{biomech.LimbLeft, biomech.LimbRight} {
		if missing[limb] {
			out = append(out, biomech.Pattern{
				Type:        biomech.PatternQualityFlag,
				Severity:    biomech.SeverityHigh,
				Metrics:     biomech.LimbMetricNames(),
				Limbs:       []biomech.Limb{limb},
				Description: "No usable capture for one side; side comparisons are unavailable",
			})
			continue
		}
		if cov := valueOf(m, biomech.MetricROMCoV, limb); cov > highVariability {
			out = append(out, biomech.Pattern{
				Type:        biomech.PatternQualityFlag,
				Severity:    biomech.SeverityLow,
				Metrics:     []string{biomech.MetricROMCoV},
				Limbs:       []biomech.Limb{limb},
				Description: fmt.Sprintf("Repetition variability of %.1f%% limits the reliability of averages", cov),
				SearchTerms: []string{"movement variability consistency"},
				Values:      map[string]float64{valueKey(biomech.MetricROMCoV, limb): cov},
			})
		}
	}
	return out
}

func valueOf(m biomech.SessionMetrics, metric string, limb biomech.Limb) float64 {
	v, _ := m.Value(metric, limb)
	return v
}

func valueKey(metric string, limb biomech.Limb) string {
	if limb == biomech.LimbNone {
		return metric
	}
	return string(limb) + "." + metric
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
