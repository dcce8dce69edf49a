package biomech

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// PatternType enumerates the signals Decomposition can detect.
type PatternType string

const (
	PatternThresholdViolation PatternType = "threshold_violation"
	PatternAsymmetry          PatternType = "asymmetry"
	PatternCorrelation        PatternType = "cross_metric_correlation"
	PatternTemporal           PatternType = "temporal_pattern"
	PatternQualityFlag        PatternType = "quality_flag"
)

func (t PatternType) Valid() bool {
	switch t {
	case PatternThresholdViolation, PatternAsymmetry, PatternCorrelation, PatternTemporal, PatternQualityFlag:
		return true
	}
	return false
}

// Severity of a pattern or regression. SeverityLow is the least alarming
// value and the default for missing input.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityModerate || s == SeverityHigh
}

// Origin records who produced an item.
type Origin string

const (
	OriginDeterministic Origin = "deterministic"
	OriginModel         Origin = "model"
)

// Pattern is a detected signal in the session metrics.
type Pattern struct {
	ID          string             `json:"id"`
	Type        PatternType        `json:"type"`
	Severity    Severity           `json:"severity"`
	Metrics     []string           `json:"metrics"`
	Limbs       []Limb             `json:"limbs,omitempty"`
	Description string             `json:"description,omitempty"`
	SearchTerms []string           `json:"searchTerms,omitempty"`
	Values      map[string]float64 `json:"values,omitempty"`
	Origin      Origin             `json:"origin,omitempty"`
}

// Key is the dedup key (type, sorted metrics, sorted limbs).
func (p Pattern) Key() string {
	limbs := make([]string, 0, len(p.Limbs))
	for _, l := range p.Limbs {
		limbs = append(limbs, string(l))
	}
	return joinKey(string(p.Type), sortedJoin(p.Metrics), sortedJoin(limbs))
}

// PatternID derives a stable identifier from the pattern key so that the
// deterministic pass and the model agree on ids for the same signal.
func PatternID(p Pattern) string {
	return "pat-" + shortHash(p.Key())
}

// AsymmetryReading is the per-metric side comparison.
type AsymmetryReading struct {
	Metric  string  `json:"metric"`
	Left    float64 `json:"left"`
	Right   float64 `json:"right"`
	Percent float64 `json:"percent"`
	// Weaker is LimbNone when both sides are identical.
	Weaker Limb `json:"weaker,omitempty"`
}

// CategoryReading is a catalog value with its normative bucket.
type CategoryReading struct {
	Metric   string   `json:"metric"`
	Limb     Limb     `json:"limb,omitempty"`
	Value    float64  `json:"value"`
	Category Category `json:"category"`
}

// DecompositionReport is the Decomposition phase output.
type DecompositionReport struct {
	Patterns    []Pattern          `json:"patterns"`
	Asymmetries []AsymmetryReading `json:"asymmetries,omitempty"`
	Categories  []CategoryReading  `json:"categories,omitempty"`
	Summary     string             `json:"summary,omitempty"`
}

// Tier is an evidence quality rating, S strongest through D weakest.
type Tier string

const (
	TierS Tier = "S"
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// Rank orders tiers; lower is stronger. Unknown tiers rank after D.
func (t Tier) Rank() int {
	switch t {
	case TierS:
		return 0
	case TierA:
		return 1
	case TierB:
		return 2
	case TierC:
		return 3
	case TierD:
		return 4
	}
	return 5
}

func (t Tier) Valid() bool { return t.Rank() < 5 }

// EvidenceSource is where an evidence item came from.
type EvidenceSource string

const (
	SourceCache             EvidenceSource = "cache"
	SourceExternalSearch    EvidenceSource = "external_search"
	SourceEmbeddedKnowledge EvidenceSource = "embedded_knowledge"
)

func (s EvidenceSource) Valid() bool {
	return s == SourceCache || s == SourceExternalSearch || s == SourceEmbeddedKnowledge
}

// Evidence ties a citation to one pattern.
type Evidence struct {
	PatternID string         `json:"patternId"`
	Citation  string         `json:"citation"`
	Finding   string         `json:"finding,omitempty"`
	Tier      Tier           `json:"tier"`
	Source    EvidenceSource `json:"source"`
	Relevance float64        `json:"relevance"`
	URL       string         `json:"url,omitempty"`
	Year      int            `json:"year,omitempty"`
}

// Key dedups evidence by citation text within a pattern.
func (e Evidence) Key() string {
	return joinKey(e.PatternID, NormalizeCitation(e.Citation))
}

// NormalizeCitation lowercases and collapses whitespace.
func NormalizeCitation(c string) string {
	return strings.ToLower(strings.Join(strings.Fields(c), " "))
}

// ResearchReport is the Research phase output.
type ResearchReport struct {
	Evidence []Evidence `json:"evidence"`
	Summary  string     `json:"summary,omitempty"`
}

// ForPattern returns the evidence attached to patternID in report order.
func (r ResearchReport) ForPattern(patternID string) []Evidence {
	var out []Evidence
	for _, e := range r.Evidence {
		if e.PatternID == patternID {
			out = append(out, e)
		}
	}
	return out
}

// Classification tags an insight. There is no neutral value.
type Classification string

const (
	ClassificationStrength Classification = "strength"
	ClassificationWeakness Classification = "weakness"
)

func (c Classification) Valid() bool {
	return c == ClassificationStrength || c == ClassificationWeakness
}

// Visualization is a rendering directive for the presentation layer.
type Visualization struct {
	Type    string   `json:"type"`
	Title   string   `json:"title,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
}

// VisualizationTypes lists accepted directive types.
var VisualizationTypes = []string{"bar", "radar", "line", "gauge", "table"}

// Insight is a classified clinical finding.
type Insight struct {
	ID             string          `json:"id"`
	Domain         Domain          `json:"domain"`
	Classification Classification  `json:"classification"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Metrics        []string        `json:"metrics,omitempty"`
	Limbs          []Limb          `json:"limbs,omitempty"`
	Evidence       []string        `json:"evidence,omitempty"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
	Confidence     float64         `json:"confidence,omitempty"`
}

// Text is the user-facing prose of the insight.
func (i Insight) Text() string {
	return i.Title + "\n" + i.Description
}

// CorrelativeInsight links a primary insight to related ones.
type CorrelativeInsight struct {
	ID                string   `json:"id"`
	PrimaryInsightID  string   `json:"primaryInsightId"`
	RelatedInsightIDs []string `json:"relatedInsightIds"`
	Explanation       string   `json:"explanation"`
	AutoGenerated     bool     `json:"autoGenerated,omitempty"`
}

// Benchmark places one reading against its normative thresholds.
type Benchmark struct {
	Metric    string    `json:"metric"`
	Limb      Limb      `json:"limb,omitempty"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Category  Category  `json:"category"`
	Optimal   float64   `json:"optimal"`
	Average   float64   `json:"average"`
	Direction Direction `json:"direction,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
}

// Key dedups benchmarks by (metric, limb).
func (b Benchmark) Key() string { return MetricLimbKey(b.Metric, b.Limb) }

// AnalysisReport is the Analysis phase output.
type AnalysisReport struct {
	Insights            []Insight            `json:"insights"`
	CorrelativeInsights []CorrelativeInsight `json:"correlativeInsights"`
	Benchmarks          []Benchmark          `json:"benchmarks"`
	Summary             string               `json:"summary,omitempty"`
}

// InsightIDs returns the set of insight ids.
func (a AnalysisReport) InsightIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(a.Insights))
	for _, in := range a.Insights {
		ids[in.ID] = struct{}{}
	}
	return ids
}

// MetricLimbKey is the shared (metric, limb) key.
func MetricLimbKey(metric string, limb Limb) string {
	return joinKey(metric, string(limb))
}

func sortedJoin(items []string) string {
	cp := append([]string(nil), items...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:10]
}
