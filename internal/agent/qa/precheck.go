// Package qa runs the quality gate over analysis output: a deterministic
// precheck followed by the bounded analysis/validation loop.
package qa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// DefaultMinEvidence is the minimum number of citations per insight.
const DefaultMinEvidence = 1

var (
	sideTerms   = regexp.MustCompile(`(?i)\b(left|right|l|r|affected|involved)\b|\bweak\s+side\b`)
	safetyTerms = regexp.MustCompile(`(?i)\b(diagnose[sd]?|diagnosis|diagnoses|prescribe[sd]?|prescription|medications?|surgery|surgical|injections?|cure[sd]?)\b`)
)

// PrecheckOptions tune the deterministic checks.
type PrecheckOptions struct {
	MinEvidence int
	// EvidenceAvailable is false when research produced nothing to cite; a
	// missing citation is then only a warning.
	EvidenceAvailable bool
}

// SideTerms returns the side-specific terms found in text, in order.
func SideTerms(text string) []string {
	return sideTerms.FindAllString(text, -1)
}

// SafetyTerms returns clinical-safety keywords found in text, in order.
func SafetyTerms(text string) []string {
	return safetyTerms.FindAllString(text, -1)
}

// Precheck scans an analysis without calling a model.
func Precheck(report biomech.AnalysisReport, opts PrecheckOptions) []biomech.ValidationIssue {
	minEvidence := opts.MinEvidence
	if minEvidence <= 0 {
		minEvidence = DefaultMinEvidence
	}
	var issues []biomech.ValidationIssue
	add := func(sev biomech.IssueSeverity, rule biomech.RuleType, ids []string, desc, fix string) {
		issues = append(issues, biomech.ValidationIssue{
			Severity:     sev,
			RuleType:     rule,
			InsightIDs:   ids,
			Description:  desc,
			SuggestedFix: fix,
			Origin:       biomech.OriginDeterministic,
		})
	}

	if len(report.Insights) == 0 {
		add(biomech.IssueError, biomech.RuleCompleteness, nil, "analysis contains no insights", "produce at least one classified insight")
	}

	ids := report.InsightIDs()
	for _, in := range report.Insights {
		one := []string{in.ID}
		text := in.Text()

		if found := SideTerms(text); len(found) > 0 {
			add(biomech.IssueError, biomech.RuleSideSpecificity, one,
				fmt.Sprintf("insight text names a side: %s", quoteAll(found)),
				"describe the finding without naming a side; limbs belong in the limbs field")
		}
		if !in.Classification.Valid() {
			add(biomech.IssueError, biomech.RuleClassification, one,
				fmt.Sprintf("classification %q is not strength or weakness", in.Classification),
				"classify the insight as a strength or a weakness")
		}
		if len(in.Evidence) < minEvidence {
			sev := biomech.IssueError
			if !opts.EvidenceAvailable {
				sev = biomech.IssueWarning
			}
			add(sev, biomech.RuleEvidenceSupport, one,
				fmt.Sprintf("insight cites %d evidence items, at least %d required", len(in.Evidence), minEvidence),
				"cite supporting evidence from the research findings")
		}
		if found := SafetyTerms(text); len(found) > 0 {
			add(biomech.IssueError, biomech.RuleClinicalSafety, one,
				fmt.Sprintf("insight uses diagnostic or treatment language: %s", quoteAll(found)),
				"describe movement findings only; leave diagnosis and treatment to the clinician")
		}
	}

	for _, c := range report.CorrelativeInsights {
		refs := append([]string{c.PrimaryInsightID}, c.RelatedInsightIDs...)
		var dangling []string
		for _, id := range refs {
			if _, ok := ids[id]; !ok {
				dangling = append(dangling, id)
			}
		}
		if len(dangling) > 0 {
			add(biomech.IssueError, biomech.RuleReferentialIntegrity, dangling,
				fmt.Sprintf("correlative insight %s references unknown insights", c.ID),
				"reference only insight ids present in the analysis")
		}
		if len(c.RelatedInsightIDs) == 0 {
			add(biomech.IssueError, biomech.RuleReferentialIntegrity, []string{c.PrimaryInsightID},
				fmt.Sprintf("correlative insight %s has no related insights", c.ID),
				"link the primary insight to at least one related insight")
		}
		if found := SideTerms(c.Explanation); len(found) > 0 {
			add(biomech.IssueError, biomech.RuleSideSpecificity, []string{c.PrimaryInsightID},
				fmt.Sprintf("correlative insight %s names a side: %s", c.ID, quoteAll(found)),
				"explain the relationship without naming a side")
		}
	}
	biomech.SortIssues(issues)
	return issues
}

// MergeIssues combines precheck and model issues, dropping model issues that
// repeat a precheck finding, and sorts errors first.
func MergeIssues(precheck, model []biomech.ValidationIssue) []biomech.ValidationIssue {
	seen := make(map[string]struct{}, len(precheck)+len(model))
	out := make([]biomech.ValidationIssue, 0, len(precheck)+len(model))
	for _, list := range [][]biomech.ValidationIssue{precheck, model} {
		for _, is := range list {
			k := is.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, is)
		}
	}
	biomech.SortIssues(out)
	return out
}

func quoteAll(terms []string) string {
	q := make([]string, len(terms))
	for i, t := range terms {
		q[i] = fmt.Sprintf("%q", t)
	}
	return strings.Join(q, ", ")
}
