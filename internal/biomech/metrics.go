package biomech

import (
	"fmt"
	"math"
	"time"
)

// Limb identifies which side a per-limb measurement belongs to. Bilateral and
// composite metrics carry LimbNone.
type Limb string

const (
	LimbNone  Limb = ""
	LimbLeft  Limb = "left"
	LimbRight Limb = "right"
)

// Opposite returns the other limb, or LimbNone.
func (l Limb) Opposite() Limb {
	switch l {
	case LimbLeft:
		return LimbRight
	case LimbRight:
		return LimbLeft
	}
	return LimbNone
}

// Valid reports whether l is a known limb value.
func (l Limb) Valid() bool {
	return l == LimbNone || l == LimbLeft || l == LimbRight
}

// LimbMetrics are the per-limb kinematic measurements of one session.
type LimbMetrics struct {
	PeakFlexion             float64 `json:"peakFlexion"`
	PeakExtension           float64 `json:"peakExtension"`
	AverageROM              float64 `json:"averageRom"`
	MaxROM                  float64 `json:"maxRom"`
	PeakAngularVelocity     float64 `json:"peakAngularVelocity"`
	ExplosivenessLoading    float64 `json:"explosivenessLoading"`
	ExplosivenessConcentric float64 `json:"explosivenessConcentric"`
	RMSJerk                 float64 `json:"rmsJerk"`
	ROMCoV                  float64 `json:"romCov"`
}

// IsZero reports whether no measurement was captured for the limb.
func (m LimbMetrics) IsZero() bool {
	return m == LimbMetrics{}
}

// BilateralMetrics compare both limbs.
type BilateralMetrics struct {
	ROMAsymmetry       float64 `json:"romAsymmetry"`
	VelocityAsymmetry  float64 `json:"velocityAsymmetry"`
	CrossCorrelation   float64 `json:"crossCorrelation"`
	NetGlobalAsymmetry float64 `json:"netGlobalAsymmetry"`
	PhaseShift         float64 `json:"phaseShift"`
	TemporalLag        float64 `json:"temporalLag"`
}

// SessionMetrics is the immutable input of a pipeline run.
type SessionMetrics struct {
	SessionID    string           `json:"sessionId"`
	RecordedAt   time.Time        `json:"recordedAt"`
	Left         LimbMetrics      `json:"left"`
	Right        LimbMetrics      `json:"right"`
	Bilateral    BilateralMetrics `json:"bilateral"`
	OverallScore float64          `json:"overallScore"`
}

// Limb returns the metrics for one side.
func (s SessionMetrics) Limb(l Limb) (LimbMetrics, bool) {
	switch l {
	case LimbLeft:
		return s.Left, true
	case LimbRight:
		return s.Right, true
	}
	return LimbMetrics{}, false
}

// Value looks up a catalog metric. limb is ignored for bilateral and
// composite metrics.
func (s SessionMetrics) Value(metric string, limb Limb) (float64, bool) {
	def, ok := Lookup(metric)
	if !ok {
		return 0, false
	}
	switch def.Scope {
	case ScopeComposite:
		return s.OverallScore, true
	case ScopeBilateral:
		return bilateralValue(s.Bilateral, metric)
	}
	lm, ok := s.Limb(limb)
	if !ok {
		return 0, false
	}
	return limbValue(lm, metric)
}

// Reading is one (metric, limb, value) triple.
type Reading struct {
	Metric string  `json:"metric"`
	Limb   Limb    `json:"limb,omitempty"`
	Value  float64 `json:"value"`
}

// Readings flattens the session into catalog order.
func (s SessionMetrics) Readings() []Reading {
	out := make([]Reading, 0, len(catalog)+len(limbMetricNames))
	for _, def := range catalog {
		switch def.Scope {
		case ScopePerLimb:
			for _, l := range []Limb{LimbLeft, LimbRight} {
				v, _ := s.Value(def.Name, l)
				out = append(out, Reading{Metric: def.Name, Limb: l, Value: v})
			}
		default:
			v, _ := s.Value(def.Name, LimbNone)
			out = append(out, Reading{Metric: def.Name, Value: v})
		}
	}
	return out
}

// Validate checks the ingress invariants of a session.
func (s SessionMetrics) Validate() error {
	for _, r := range s.Readings() {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return fmt.Errorf("metric %s%s is not a finite number", limbPrefix(r.Limb), r.Metric)
		}
		def, _ := Lookup(r.Metric)
		if def.NonNegative && r.Value < 0 {
			return fmt.Errorf("metric %s%s must be non-negative, got %g", limbPrefix(r.Limb), r.Metric, r.Value)
		}
	}
	if s.Bilateral.CrossCorrelation < -1 || s.Bilateral.CrossCorrelation > 1 {
		return fmt.Errorf("metric cross_correlation must be within [-1,1], got %g", s.Bilateral.CrossCorrelation)
	}
	if s.OverallScore < 0 || s.OverallScore > 100 {
		return fmt.Errorf("metric overall_score must be within [0,100], got %g", s.OverallScore)
	}
	return nil
}

func limbPrefix(l Limb) string {
	if l == LimbNone {
		return ""
	}
	return string(l) + "."
}

func limbValue(m LimbMetrics, metric string) (float64, bool) {
	switch metric {
	case MetricPeakFlexion:
		return m.PeakFlexion, true
	case MetricPeakExtension:
		return m.PeakExtension, true
	case MetricAverageROM:
		return m.AverageROM, true
	case MetricMaxROM:
		return m.MaxROM, true
	case MetricPeakAngularVelocity:
		return m.PeakAngularVelocity, true
	case MetricExplosivenessLoading:
		return m.ExplosivenessLoading, true
	case MetricExplosivenessConcentric:
		return m.ExplosivenessConcentric, true
	case MetricRMSJerk:
		return m.RMSJerk, true
	case MetricROMCoV:
		return m.ROMCoV, true
	}
	return 0, false
}

func bilateralValue(b BilateralMetrics, metric string) (float64, bool) {
	switch metric {
	case MetricROMAsymmetry:
		return b.ROMAsymmetry, true
	case MetricVelocityAsymmetry:
		return b.VelocityAsymmetry, true
	case MetricCrossCorrelation:
		return b.CrossCorrelation, true
	case MetricNetGlobalAsymmetry:
		return b.NetGlobalAsymmetry, true
	case MetricPhaseShift:
		return b.PhaseShift, true
	case MetricTemporalLag:
		return b.TemporalLag, true
	}
	return 0, false
}
