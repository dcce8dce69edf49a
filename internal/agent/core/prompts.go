package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/agent/precompute"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// System prompts carry the agent marker on their first line; log readers
// and scripted test models key on it.
const (
	decompositionRole = "You are the Decomposition agent of a clinical biomechanics pipeline."
	researchRole      = "You are the Research agent of a clinical biomechanics pipeline."
	analysisRole      = "You are the Analysis agent of a clinical biomechanics pipeline."
	validatorRole     = "You are the Validator agent of a clinical biomechanics pipeline."
	progressRole      = "You are the Progress agent of a clinical biomechanics pipeline."
)

const outputRules = `OUTPUT RULES:
- Respond with a single JSON object and nothing else.
- Numbers in the PRECOMPUTED block are exact. Refine and explain them; never change them.
- Do not diagnose, prescribe or recommend treatment.`

func decompositionPrompt(metrics biomech.SessionMetrics, hints precompute.DecompositionHints) (string, string) {
	system := fmt.Sprintf(`%s

Extract discrete movement patterns from one knee motion-capture session.

PATTERN TYPES:
- threshold_violation: a metric outside its normative range
- asymmetry: a meaningful difference between limbs
- cross_metric_correlation: two metrics that are deficient together
- temporal_pattern: timing or phase irregularities between limbs
- quality_flag: a reading that looks like a capture problem

Each pattern needs type, severity (low|moderate|high), metrics (catalog names), limbs (left|right, may be
empty) and searchTerms useful for a literature search. Patterns already in PRECOMPUTED are kept as they
are; add only patterns they miss.

%s`, decompositionRole, outputRules)

	var user strings.Builder
	writeBlock(&user, "SESSION METRICS", metrics)
	writeBlock(&user, "PRECOMPUTED", hints)
	return system, user.String()
}

func researchPrompt(patterns []biomech.Pattern, collected []biomech.Evidence) (string, string) {
	system := fmt.Sprintf(`%s

Attach supporting scientific evidence to each pattern.

Each evidence item needs patternId (one of the given pattern ids), citation, finding, tier and relevance
(0..1). Tiers: S systematic review or meta-analysis, A randomized trial, B cohort study, C case series or
expert consensus, D textbook or anecdotal. Evidence in PRECOMPUTED was retrieved from curated sources;
do not repeat it. Never invent DOIs or URLs.

%s`, researchRole, outputRules)

	var user strings.Builder
	writeBlock(&user, "PATTERNS", patterns)
	writeBlock(&user, "PRECOMPUTED", collected)
	return system, user.String()
}

func analysisPrompt(metrics biomech.SessionMetrics, decomposition biomech.DecompositionReport, research biomech.ResearchReport, hints precompute.AnalysisHints) (string, string) {
	system := fmt.Sprintf(`%s

Synthesize patterns and evidence into clinical insights.

INSIGHT REQUIREMENTS:
1. Every insight has a unique id, a domain (range|symmetry|power|control|timing) and a classification of
   strength or weakness. There is no neutral classification.
2. Cite at least one evidence citation per insight, copied verbatim from RESEARCH.
3. Refer to limbs through the limbs field only. Insight text must not name a side.
4. Provide at least two correlativeInsights linking a primary insight to related insight ids.
5. Add visualizations (bar|radar|line|gauge|table) where a chart helps.

%s`, analysisRole, outputRules)

	var user strings.Builder
	writeBlock(&user, "SESSION METRICS", metrics)
	writeBlock(&user, "PATTERNS", decomposition.Patterns)
	writeBlock(&user, "RESEARCH", research.Evidence)
	writeBlock(&user, "PRECOMPUTED", hints)
	return system, user.String()
}

func validatorPrompt(report biomech.AnalysisReport, benchmarks []biomech.Benchmark) (string, string) {
	system := fmt.Sprintf(`%s

Review the analysis for quality issues.

RULE TYPES: numerical_accuracy, terminology, side_specificity, completeness, evidence_support,
clinical_safety, classification, referential_integrity.

Report each issue with severity (error|warning), ruleType, insightIds, description and suggestedFix.
Use error only for problems that would mislead a clinician. Return an empty issues array when the analysis
is sound.

%s`, validatorRole, outputRules)

	var user strings.Builder
	writeBlock(&user, "ANALYSIS", report)
	writeBlock(&user, "PRECOMPUTED", benchmarks)
	return system, user.String()
}

func progressPrompt(current biomech.SessionMetrics, prior []biomech.SessionMetrics, history []biomech.HistoricalSummary, hints precompute.ProgressHints) (string, string) {
	system := fmt.Sprintf(`%s

Describe how this patient changed across sessions.

Produce trends, milestones (reached_optimal|asymmetry_resolved|personal_best), regressions and projections.
Trends, regressions and projections in PRECOMPUTED are exact; add narrative and any items they miss.
HISTORY holds summaries of earlier analyses and may be empty.

%s`, progressRole, outputRules)

	var user strings.Builder
	writeBlock(&user, "CURRENT SESSION", current)
	writeBlock(&user, "PRIOR SESSIONS", prior)
	writeBlock(&user, "HISTORY", history)
	writeBlock(&user, "PRECOMPUTED", hints)
	return system, user.String()
}

func writeBlock(b *strings.Builder, title string, v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%q", err.Error()))
	}
	fmt.Fprintf(b, "%s:\n%s\n\n", title, raw)
}
