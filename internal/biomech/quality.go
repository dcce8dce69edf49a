package biomech

import (
	"sort"
	"strings"
)

// IssueSeverity of a validation issue. Missing severities default to warning.
type IssueSeverity string

const (
	IssueError   IssueSeverity = "error"
	IssueWarning IssueSeverity = "warning"
)

func (s IssueSeverity) Valid() bool { return s == IssueError || s == IssueWarning }

// RuleType names the rule a validation issue violates.
type RuleType string

const (
	RuleNumericalAccuracy    RuleType = "numerical_accuracy"
	RuleTerminology          RuleType = "terminology"
	RuleSideSpecificity      RuleType = "side_specificity"
	RuleCompleteness         RuleType = "completeness"
	RuleEvidenceSupport      RuleType = "evidence_support"
	RuleClinicalSafety       RuleType = "clinical_safety"
	RuleClassification       RuleType = "classification"
	RuleReferentialIntegrity RuleType = "referential_integrity"
)

// RuleTypes lists every rule type.
var RuleTypes = []RuleType{
	RuleNumericalAccuracy, RuleTerminology, RuleSideSpecificity, RuleCompleteness,
	RuleEvidenceSupport, RuleClinicalSafety, RuleClassification, RuleReferentialIntegrity,
}

func (r RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if r == known {
			return true
		}
	}
	return false
}

// ValidationIssue is one rule violation found in an analysis.
type ValidationIssue struct {
	Severity     IssueSeverity `json:"severity"`
	RuleType     RuleType      `json:"ruleType"`
	InsightIDs   []string      `json:"insightIds,omitempty"`
	Description  string        `json:"description"`
	SuggestedFix string        `json:"suggestedFix,omitempty"`
	Origin       Origin        `json:"origin,omitempty"`
}

// issueKeyPrefix bounds how much of the description participates in dedup.
const issueKeyPrefix = 48

// Key dedups issues by (rule type, sorted insight ids, description prefix).
func (i ValidationIssue) Key() string {
	desc := strings.ToLower(strings.Join(strings.Fields(i.Description), " "))
	if r := []rune(desc); len(r) > issueKeyPrefix {
		desc = string(r[:issueKeyPrefix])
	}
	return joinKey(string(i.RuleType), sortedJoin(i.InsightIDs), desc)
}

// ValidatorOutcome is the result of one validation revision.
type ValidatorOutcome struct {
	Passed         bool              `json:"passed"`
	Issues         []ValidationIssue `json:"issues"`
	ErrorCount     int               `json:"errorCount"`
	WarningCount   int               `json:"warningCount"`
	RevisionNumber int               `json:"revisionNumber"`
	// ShortCircuited is set when the deterministic precheck failed the
	// revision without consulting the model.
	ShortCircuited bool   `json:"shortCircuited,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

// SortIssues orders errors before warnings, keeping relative order otherwise.
func SortIssues(issues []ValidationIssue) {
	sort.SliceStable(issues, func(a, b int) bool {
		return issues[a].Severity == IssueError && issues[b].Severity != IssueError
	})
}

// CountIssues returns the error and warning totals.
func CountIssues(issues []ValidationIssue) (errs, warns int) {
	for _, is := range issues {
		if is.Severity == IssueError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}
