package biomech

// TrendDirection says whether a metric moved in its improving direction.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

func (d TrendDirection) Valid() bool {
	return d == TrendImproving || d == TrendDeclining || d == TrendStable
}

// Trend summarises how one metric evolved across sessions.
type Trend struct {
	Metric        string         `json:"metric"`
	Limb          Limb           `json:"limb,omitempty"`
	Previous      float64        `json:"previous"`
	Current       float64        `json:"current"`
	Delta         float64        `json:"delta"`
	PercentChange float64        `json:"percentChange"`
	Slope         float64        `json:"slope"`
	Sessions      int            `json:"sessions"`
	Direction     TrendDirection `json:"direction"`
	Narrative     string         `json:"narrative,omitempty"`
	Origin        Origin         `json:"origin,omitempty"`
}

func (t Trend) Key() string { return MetricLimbKey(t.Metric, t.Limb) }

// MilestoneType enumerates recognised achievements.
type MilestoneType string

const (
	MilestoneReachedOptimal    MilestoneType = "reached_optimal"
	MilestoneAsymmetryResolved MilestoneType = "asymmetry_resolved"
	MilestonePersonalBest      MilestoneType = "personal_best"
)

func (m MilestoneType) Valid() bool {
	return m == MilestoneReachedOptimal || m == MilestoneAsymmetryResolved || m == MilestonePersonalBest
}

// Milestone is an achievement reached in the current session.
type Milestone struct {
	Type        MilestoneType `json:"type"`
	Metrics     []string      `json:"metrics"`
	Limb        Limb          `json:"limb,omitempty"`
	Description string        `json:"description,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
	Origin      Origin        `json:"origin,omitempty"`
}

// Key dedups milestones by (type, sorted metrics).
func (m Milestone) Key() string {
	return joinKey(string(m.Type), sortedJoin(m.Metrics))
}

// Regression is a meaningful decline.
type Regression struct {
	Metric        string   `json:"metric"`
	Limb          Limb     `json:"limb,omitempty"`
	Previous      float64  `json:"previous"`
	Current       float64  `json:"current"`
	PercentChange float64  `json:"percentChange"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description,omitempty"`
	Origin        Origin   `json:"origin,omitempty"`
}

func (r Regression) Key() string { return MetricLimbKey(r.Metric, r.Limb) }

// Projection extrapolates a metric forward.
type Projection struct {
	Metric          string         `json:"metric"`
	Limb            Limb           `json:"limb,omitempty"`
	ProjectedValue  float64        `json:"projectedValue"`
	HorizonSessions int            `json:"horizonSessions"`
	Confidence      float64        `json:"confidence"`
	Direction       TrendDirection `json:"direction"`
	Rationale       string         `json:"rationale,omitempty"`
	Origin          Origin         `json:"origin,omitempty"`
}

func (p Projection) Key() string { return MetricLimbKey(p.Metric, p.Limb) }

// ProgressReport is the Progress phase output.
type ProgressReport struct {
	Trends      []Trend      `json:"trends"`
	Milestones  []Milestone  `json:"milestones"`
	Regressions []Regression `json:"regressions"`
	Projections []Projection `json:"projections"`
	Summary     string       `json:"summary,omitempty"`
}

// HistoricalSummary is a prior analysis retrieved from semantic memory.
type HistoricalSummary struct {
	SessionID   string   `json:"sessionId"`
	SummaryText string   `json:"summaryText"`
	KeyFindings []string `json:"keyFindings,omitempty"`
	Score       float64  `json:"score"`
}
