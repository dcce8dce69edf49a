package biomech

import "math"

// Metric names as they appear in patterns, benchmarks and trends.
const (
	MetricPeakFlexion             = "peak_flexion"
	MetricPeakExtension           = "peak_extension"
	MetricAverageROM              = "average_rom"
	MetricMaxROM                  = "max_rom"
	MetricPeakAngularVelocity     = "peak_angular_velocity"
	MetricExplosivenessLoading    = "explosiveness_loading"
	MetricExplosivenessConcentric = "explosiveness_concentric"
	MetricRMSJerk                 = "rms_jerk"
	MetricROMCoV                  = "rom_cov"

	MetricROMAsymmetry       = "rom_asymmetry"
	MetricVelocityAsymmetry  = "velocity_asymmetry"
	MetricCrossCorrelation   = "cross_correlation"
	MetricNetGlobalAsymmetry = "net_global_asymmetry"
	MetricPhaseShift         = "phase_shift"
	MetricTemporalLag        = "temporal_lag"

	MetricOverallScore = "overall_score"
)

// Domain is the clinical grouping of a metric or insight.
type Domain string

const (
	DomainRange    Domain = "range"
	DomainSymmetry Domain = "symmetry"
	DomainPower    Domain = "power"
	DomainControl  Domain = "control"
	DomainTiming   Domain = "timing"
)

// Domains lists every legal domain in a stable order.
var Domains = []Domain{DomainRange, DomainSymmetry, DomainPower, DomainControl, DomainTiming}

func (d Domain) Valid() bool {
	for _, known := range Domains {
		if d == known {
			return true
		}
	}
	return false
}

// Direction says which way a metric improves.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
)

// Scope says how a metric is measured.
type Scope string

const (
	ScopePerLimb   Scope = "per_limb"
	ScopeBilateral Scope = "bilateral"
	ScopeComposite Scope = "composite"
)

// Category buckets a value against normative thresholds.
type Category string

const (
	CategoryOptimal   Category = "optimal"
	CategoryAverage   Category = "average"
	CategoryDeficient Category = "deficient"
)

// MetricDef describes a catalog metric and its normative thresholds. Optimal
// and Average are inclusive bounds in the metric's improving direction.
type MetricDef struct {
	Name         string    `json:"name"`
	Label        string    `json:"label"`
	Unit         string    `json:"unit"`
	Domain       Domain    `json:"domain"`
	Direction    Direction `json:"direction"`
	Scope        Scope     `json:"scope"`
	Optimal      float64   `json:"optimal"`
	Average      float64   `json:"average"`
	NonNegative  bool      `json:"-"`
	SearchPhrase string    `json:"-"`
}

var catalog = []MetricDef{
	{Name: MetricPeakFlexion, Label: "Peak flexion", Unit: "deg", Domain: DomainRange, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 120, Average: 90, NonNegative: true, SearchPhrase: "knee flexion range deficit"},
	{Name: MetricPeakExtension, Label: "Peak extension deficit", Unit: "deg", Domain: DomainRange, Direction: LowerIsBetter, Scope: ScopePerLimb, Optimal: 5, Average: 10, SearchPhrase: "knee extension deficit"},
	{Name: MetricAverageROM, Label: "Average range of motion", Unit: "deg", Domain: DomainRange, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 100, Average: 70, NonNegative: true, SearchPhrase: "range of motion restriction"},
	{Name: MetricMaxROM, Label: "Maximum range of motion", Unit: "deg", Domain: DomainRange, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 130, Average: 100, NonNegative: true, SearchPhrase: "maximal range of motion"},
	{Name: MetricPeakAngularVelocity, Label: "Peak angular velocity", Unit: "deg/s", Domain: DomainPower, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 400, Average: 250, NonNegative: true, SearchPhrase: "angular velocity power output"},
	{Name: MetricExplosivenessLoading, Label: "Loading explosiveness", Unit: "deg/s^2", Domain: DomainPower, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 1500, Average: 900, NonNegative: true, SearchPhrase: "eccentric loading rate of force development"},
	{Name: MetricExplosivenessConcentric, Label: "Concentric explosiveness", Unit: "deg/s^2", Domain: DomainPower, Direction: HigherIsBetter, Scope: ScopePerLimb, Optimal: 1800, Average: 1000, NonNegative: true, SearchPhrase: "concentric rate of force development"},
	{Name: MetricRMSJerk, Label: "RMS jerk", Unit: "deg/s^3", Domain: DomainControl, Direction: LowerIsBetter, Scope: ScopePerLimb, Optimal: 5000, Average: 9000, NonNegative: true, SearchPhrase: "movement smoothness jerk"},
	{Name: MetricROMCoV, Label: "Range of motion variability", Unit: "%", Domain: DomainControl, Direction: LowerIsBetter, Scope: ScopePerLimb, Optimal: 10, Average: 20, NonNegative: true, SearchPhrase: "movement variability consistency"},

	{Name: MetricROMAsymmetry, Label: "Range of motion asymmetry", Unit: "%", Domain: DomainSymmetry, Direction: LowerIsBetter, Scope: ScopeBilateral, Optimal: 10, Average: 15, NonNegative: true, SearchPhrase: "limb symmetry index range of motion"},
	{Name: MetricVelocityAsymmetry, Label: "Velocity asymmetry", Unit: "%", Domain: DomainSymmetry, Direction: LowerIsBetter, Scope: ScopeBilateral, Optimal: 10, Average: 20, NonNegative: true, SearchPhrase: "interlimb velocity asymmetry"},
	{Name: MetricCrossCorrelation, Label: "Bilateral cross-correlation", Unit: "r", Domain: DomainSymmetry, Direction: HigherIsBetter, Scope: ScopeBilateral, Optimal: 0.9, Average: 0.75, SearchPhrase: "bilateral coordination cross-correlation"},
	{Name: MetricNetGlobalAsymmetry, Label: "Net global asymmetry", Unit: "%", Domain: DomainSymmetry, Direction: LowerIsBetter, Scope: ScopeBilateral, Optimal: 10, Average: 20, NonNegative: true, SearchPhrase: "global movement asymmetry"},
	{Name: MetricPhaseShift, Label: "Phase shift", Unit: "deg", Domain: DomainTiming, Direction: LowerIsBetter, Scope: ScopeBilateral, Optimal: 10, Average: 25, NonNegative: true, SearchPhrase: "interlimb phase coordination"},
	{Name: MetricTemporalLag, Label: "Temporal lag", Unit: "ms", Domain: DomainTiming, Direction: LowerIsBetter, Scope: ScopeBilateral, Optimal: 50, Average: 120, NonNegative: true, SearchPhrase: "interlimb timing lag"},

	{Name: MetricOverallScore, Label: "Overall performance", Unit: "pts", Domain: DomainControl, Direction: HigherIsBetter, Scope: ScopeComposite, Optimal: 75, Average: 50, NonNegative: true, SearchPhrase: "functional movement performance score"},
}

var (
	catalogIndex    = map[string]int{}
	limbMetricNames []string
)

func init() {
	for i, def := range catalog {
		catalogIndex[def.Name] = i
		if def.Scope == ScopePerLimb {
			limbMetricNames = append(limbMetricNames, def.Name)
		}
	}
}

// Catalog returns a copy of the metric catalog.
func Catalog() []MetricDef {
	out := make([]MetricDef, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (MetricDef, bool) {
	i, ok := catalogIndex[name]
	if !ok {
		return MetricDef{}, false
	}
	return catalog[i], true
}

// LimbMetricNames lists the per-limb metrics in catalog order.
func LimbMetricNames() []string {
	return append([]string(nil), limbMetricNames...)
}

// Categorize buckets v against the metric's thresholds.
func (d MetricDef) Categorize(v float64) Category {
	switch {
	case d.meets(v, d.Optimal):
		return CategoryOptimal
	case d.meets(v, d.Average):
		return CategoryAverage
	}
	return CategoryDeficient
}

func (d MetricDef) meets(v, bound float64) bool {
	if d.Direction == LowerIsBetter {
		return v <= bound
	}
	return v >= bound
}

// Better reports whether a is strictly better than b.
func (d MetricDef) Better(a, b float64) bool {
	if d.Direction == LowerIsBetter {
		return a < b
	}
	return a > b
}

// Shortfall is the relative distance past the average bound, zero when the
// value is not deficient.
func (d MetricDef) Shortfall(v float64) float64 {
	if d.meets(v, d.Average) || d.Average == 0 {
		return 0
	}
	return math.Abs(v-d.Average) / math.Abs(d.Average)
}
