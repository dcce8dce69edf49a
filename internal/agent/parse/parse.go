// Package parse reduces free-form model text to typed agent outputs. Optional
// fields receive documented defaults; hard invariants reject the payload with
// a *SchemaError.
package parse

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// decode extracts, shape-checks and unmarshals text into out.
func decode(kind Kind, text string, out interface{}) error {
	payload := Extract(text)
	if payload == "" {
		return fmt.Errorf("%w: empty %s response", ErrMalformed, kind)
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: %s: expected a JSON object", ErrMalformed, kind)
	}
	normalizeEnums(obj)
	if err := validateShape(kind, obj); err != nil {
		return err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

var lowerEnumKeys = map[string]bool{
	"type": true, "severity": true, "domain": true, "classification": true,
	"source": true, "ruleType": true, "direction": true, "category": true, "limb": true,
}

// normalizeEnums trims and case-folds enum-valued fields in place.
func normalizeEnums(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for key, child := range node {
			switch s := child.(type) {
			case string:
				switch {
				case key == "tier":
					node[key] = strings.ToUpper(strings.TrimSpace(s))
				case lowerEnumKeys[key]:
					node[key] = strings.ToLower(strings.TrimSpace(s))
				}
			case []interface{}:
				if key == "limbs" {
					for i, item := range s {
						if str, ok := item.(string); ok {
							s[i] = strings.ToLower(strings.TrimSpace(str))
						}
					}
				}
				normalizeEnums(s)
			default:
				normalizeEnums(child)
			}
		}
	case []interface{}:
		for _, item := range node {
			normalizeEnums(item)
		}
	}
}

func knownMetrics(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		if _, ok := biomech.Lookup(m); ok {
			out = append(out, m)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

type decompositionDoc struct {
	Patterns []biomech.Pattern `json:"patterns"`
	Summary  string            `json:"summary"`
}

// Decomposition parses model patterns. Unknown metric names are dropped; a
// pattern left without metrics is rejected. Ids are rederived from the dedup
// key and missing severity defaults to low.
func Decomposition(text string) (biomech.DecompositionReport, error) {
	var doc decompositionDoc
	if err := decode(KindDecomposition, text, &doc); err != nil {
		return biomech.DecompositionReport{}, err
	}
	report := biomech.DecompositionReport{Summary: strings.TrimSpace(doc.Summary)}
	for i, p := range doc.Patterns {
		p.Metrics = knownMetrics(p.Metrics)
		if len(p.Metrics) == 0 {
			return biomech.DecompositionReport{}, violation(KindDecomposition, fmt.Sprintf("/patterns/%d/metrics", i), "no known metric names")
		}
		if p.Severity == "" {
			p.Severity = biomech.SeverityLow
		}
		p.Description = strings.TrimSpace(p.Description)
		p.Origin = biomech.OriginModel
		p.ID = biomech.PatternID(p)
		report.Patterns = append(report.Patterns, p)
	}
	return report, nil
}

type evidenceDoc struct {
	PatternID string                 `json:"patternId"`
	Citation  string                 `json:"citation"`
	Finding   string                 `json:"finding"`
	Tier      biomech.Tier           `json:"tier"`
	Source    biomech.EvidenceSource `json:"source"`
	Relevance *float64               `json:"relevance"`
	URL       string                 `json:"url"`
	Year      int                    `json:"year"`
}

type researchDoc struct {
	Evidence []evidenceDoc `json:"evidence"`
	Summary  string        `json:"summary"`
}

// DefaultRelevance applies when the model omits a relevance score.
const DefaultRelevance = 0.5

// Research parses model evidence. Every item must reference one of
// patternIDs. Missing tier defaults to D and missing source to
// embedded_knowledge.
func Research(text string, patternIDs map[string]struct{}) (biomech.ResearchReport, error) {
	var doc researchDoc
	if err := decode(KindResearch, text, &doc); err != nil {
		return biomech.ResearchReport{}, err
	}
	report := biomech.ResearchReport{Summary: strings.TrimSpace(doc.Summary)}
	for i, e := range doc.Evidence {
		id := strings.TrimSpace(e.PatternID)
		if _, ok := patternIDs[id]; !ok {
			return biomech.ResearchReport{}, violation(KindResearch, fmt.Sprintf("/evidence/%d/patternId", i), "unknown pattern %q", id)
		}
		item := biomech.Evidence{
			PatternID: id,
			Citation:  strings.TrimSpace(e.Citation),
			Finding:   strings.TrimSpace(e.Finding),
			Tier:      e.Tier,
			Source:    e.Source,
			Relevance: DefaultRelevance,
			URL:       strings.TrimSpace(e.URL),
			Year:      e.Year,
		}
		if item.Citation == "" {
			return biomech.ResearchReport{}, violation(KindResearch, fmt.Sprintf("/evidence/%d/citation", i), "citation is blank")
		}
		if item.Tier == "" {
			item.Tier = biomech.TierD
		}
		if item.Source == "" {
			item.Source = biomech.SourceEmbeddedKnowledge
		}
		if e.Relevance != nil {
			item.Relevance = clamp01(*e.Relevance)
		}
		report.Evidence = append(report.Evidence, item)
	}
	return report, nil
}

// Analysis parses model insights. Insight ids must be unique, correlative
// insights must reference existing insights, and unknown metric names are
// dropped. The minimum correlative count is enforced after merging.
func Analysis(text string) (biomech.AnalysisReport, error) {
	var doc biomech.AnalysisReport
	if err := decode(KindAnalysis, text, &doc); err != nil {
		return biomech.AnalysisReport{}, err
	}
	ids := make(map[string]struct{}, len(doc.Insights))
	for i := range doc.Insights {
		in := &doc.Insights[i]
		in.ID = strings.TrimSpace(in.ID)
		if in.ID == "" {
			return biomech.AnalysisReport{}, violation(KindAnalysis, fmt.Sprintf("/insights/%d/id", i), "insight id is blank")
		}
		if _, dup := ids[in.ID]; dup {
			return biomech.AnalysisReport{}, violation(KindAnalysis, fmt.Sprintf("/insights/%d/id", i), "duplicate insight id %q", in.ID)
		}
		ids[in.ID] = struct{}{}
		in.Title = strings.TrimSpace(in.Title)
		in.Description = strings.TrimSpace(in.Description)
		in.Metrics = knownMetrics(in.Metrics)
		in.Confidence = clamp01(in.Confidence)
		for j := range in.Visualizations {
			in.Visualizations[j].Metrics = knownMetrics(in.Visualizations[j].Metrics)
		}
	}

	corrIDs := make(map[string]bool, len(doc.CorrelativeInsights))
	for i := range doc.CorrelativeInsights {
		c := &doc.CorrelativeInsights[i]
		c.ID = strings.TrimSpace(c.ID)
		if c.ID != "" {
			corrIDs[c.ID] = true
		}
	}
	next := 1
	for i := range doc.CorrelativeInsights {
		c := &doc.CorrelativeInsights[i]
		field := fmt.Sprintf("/correlativeInsights/%d", i)
		c.PrimaryInsightID = strings.TrimSpace(c.PrimaryInsightID)
		if _, ok := ids[c.PrimaryInsightID]; !ok {
			return biomech.AnalysisReport{}, violation(KindAnalysis, field+"/primaryInsightId", "unknown insight %q", c.PrimaryInsightID)
		}
		for j, rel := range c.RelatedInsightIDs {
			rel = strings.TrimSpace(rel)
			if _, ok := ids[rel]; !ok {
				return biomech.AnalysisReport{}, violation(KindAnalysis, fmt.Sprintf("%s/relatedInsightIds/%d", field, j), "unknown insight %q", rel)
			}
			if rel == c.PrimaryInsightID {
				return biomech.AnalysisReport{}, violation(KindAnalysis, fmt.Sprintf("%s/relatedInsightIds/%d", field, j), "insight %q related to itself", rel)
			}
			c.RelatedInsightIDs[j] = rel
		}
		if c.ID == "" {
			for corrIDs[fmt.Sprintf("corr-%d", next)] {
				next++
			}
			c.ID = fmt.Sprintf("corr-%d", next)
			corrIDs[c.ID] = true
		}
		c.AutoGenerated = false
	}

	benchmarks := doc.Benchmarks[:0]
	for _, b := range doc.Benchmarks {
		def, ok := biomech.Lookup(strings.ToLower(strings.TrimSpace(b.Metric)))
		if !ok {
			continue
		}
		b.Metric = def.Name
		if def.Scope != biomech.ScopePerLimb {
			b.Limb = biomech.LimbNone
		}
		if b.Category == "" {
			b.Category = def.Categorize(b.Value)
		}
		b.Origin = biomech.OriginModel
		benchmarks = append(benchmarks, b)
	}
	doc.Benchmarks = benchmarks
	doc.Summary = strings.TrimSpace(doc.Summary)
	return doc, nil
}

// ValidatorOutput is the parsed Validator response.
type ValidatorOutput struct {
	Issues  []biomech.ValidationIssue `json:"issues"`
	Summary string                    `json:"summary,omitempty"`
}

// Validator parses model issues. Issue insight ids must reference insightIDs;
// missing severity defaults to warning.
func Validator(text string, insightIDs map[string]struct{}) (ValidatorOutput, error) {
	var doc ValidatorOutput
	if err := decode(KindValidator, text, &doc); err != nil {
		return ValidatorOutput{}, err
	}
	for i := range doc.Issues {
		is := &doc.Issues[i]
		if is.Severity == "" {
			is.Severity = biomech.IssueWarning
		}
		for j, id := range is.InsightIDs {
			id = strings.TrimSpace(id)
			if _, ok := insightIDs[id]; !ok {
				return ValidatorOutput{}, violation(KindValidator, fmt.Sprintf("/issues/%d/insightIds/%d", i, j), "unknown insight %q", id)
			}
			is.InsightIDs[j] = id
		}
		is.Description = strings.TrimSpace(is.Description)
		is.SuggestedFix = strings.TrimSpace(is.SuggestedFix)
		is.Origin = biomech.OriginModel
	}
	doc.Summary = strings.TrimSpace(doc.Summary)
	return doc, nil
}

// Progress parses model longitudinal output. Items naming unknown metrics are
// dropped; missing direction defaults to stable, missing regression severity
// to low and missing projection horizon to one session.
func Progress(text string) (biomech.ProgressReport, error) {
	var doc biomech.ProgressReport
	if err := decode(KindProgress, text, &doc); err != nil {
		return biomech.ProgressReport{}, err
	}
	out := biomech.ProgressReport{Summary: strings.TrimSpace(doc.Summary)}
	for _, t := range doc.Trends {
		if !normalizeMetric(&t.Metric, &t.Limb) {
			continue
		}
		if t.Direction == "" {
			t.Direction = biomech.TrendStable
		}
		t.Origin = biomech.OriginModel
		out.Trends = append(out.Trends, t)
	}
	for i, m := range doc.Milestones {
		m.Metrics = knownMetrics(m.Metrics)
		if len(m.Metrics) == 0 {
			return biomech.ProgressReport{}, violation(KindProgress, fmt.Sprintf("/milestones/%d/metrics", i), "no known metric names")
		}
		m.Origin = biomech.OriginModel
		out.Milestones = append(out.Milestones, m)
	}
	for _, r := range doc.Regressions {
		if !normalizeMetric(&r.Metric, &r.Limb) {
			continue
		}
		if r.Severity == "" {
			r.Severity = biomech.SeverityLow
		}
		r.Origin = biomech.OriginModel
		out.Regressions = append(out.Regressions, r)
	}
	for _, p := range doc.Projections {
		if !normalizeMetric(&p.Metric, &p.Limb) {
			continue
		}
		if p.HorizonSessions <= 0 {
			p.HorizonSessions = 1
		}
		if p.Direction == "" {
			p.Direction = biomech.TrendStable
		}
		p.Confidence = clamp01(p.Confidence)
		p.Origin = biomech.OriginModel
		out.Projections = append(out.Projections, p)
	}
	return out, nil
}

func normalizeMetric(metric *string, limb *biomech.Limb) bool {
	def, ok := biomech.Lookup(strings.ToLower(strings.TrimSpace(*metric)))
	if !ok {
		return false
	}
	*metric = def.Name
	if def.Scope != biomech.ScopePerLimb {
		*limb = biomech.LimbNone
	}
	return true
}
