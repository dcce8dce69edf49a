package qa

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// MaxRevisions bounds the analysis/validation loop.
const MaxRevisions = 3

// Analyzer produces one analysis revision. Every revision runs with the same
// inputs.
type Analyzer interface {
	Analyze(ctx context.Context, revision int) (biomech.AnalysisReport, error)
}

// Review is the model validator's verdict on one revision.
type Review struct {
	Issues  []biomech.ValidationIssue
	Summary string
}

// Reviewer asks the model validator about one analysis revision.
type Reviewer interface {
	Review(ctx context.Context, report biomech.AnalysisReport, revision int) (Review, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, revision int) (biomech.AnalysisReport, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, revision int) (biomech.AnalysisReport, error) {
	return f(ctx, revision)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, report biomech.AnalysisReport, revision int) (Review, error)

func (f ReviewerFunc) Review(ctx context.Context, report biomech.AnalysisReport, revision int) (Review, error) {
	return f(ctx, report, revision)
}

// Loop runs analysis and validation until an outcome passes.
type Loop struct {
	Analyzer Analyzer
	Reviewer Reviewer
	Options  PrecheckOptions
	// OnOutcome, when set, observes every revision's outcome.
	OnOutcome func(biomech.ValidatorOutcome)
}

// Result is the accepted analysis and its final outcome.
type Result struct {
	Analysis biomech.AnalysisReport
	Outcome  biomech.ValidatorOutcome
	History  []biomech.ValidatorOutcome
}

// Run executes the loop. Analyzer and Reviewer errors end it immediately.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	var res Result
	for revision := 1; revision <= MaxRevisions; revision++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		report, err := l.Analyzer.Analyze(ctx, revision)
		if err != nil {
			return res, err
		}
		outcome, err := l.Validate(ctx, report, revision)
		if err != nil {
			return res, err
		}
		res.Analysis = report
		res.Outcome = outcome
		res.History = append(res.History, outcome)
		if l.OnOutcome != nil {
			l.OnOutcome(outcome)
		}
		if outcome.Passed {
			return res, nil
		}
	}
	// unreachable: the last revision always passes
	return res, fmt.Errorf("validation loop ended without an accepted revision")
}

// Validate grades one revision. A precheck error fails the revision without
// consulting the model unless this is the last revision; the last revision
// always passes.
func (l *Loop) Validate(ctx context.Context, report biomech.AnalysisReport, revision int) (biomech.ValidatorOutcome, error) {
	pre := Precheck(report, l.Options)
	errs, warns := biomech.CountIssues(pre)
	if errs > 0 && revision < MaxRevisions {
		return biomech.ValidatorOutcome{
			Passed:         false,
			Issues:         pre,
			ErrorCount:     errs,
			WarningCount:   warns,
			RevisionNumber: revision,
			ShortCircuited: true,
			Summary:        fmt.Sprintf("precheck found %d errors", errs),
		}, nil
	}

	review, err := l.Reviewer.Review(ctx, report, revision)
	if err != nil {
		return biomech.ValidatorOutcome{}, err
	}
	issues := MergeIssues(pre, review.Issues)
	errs, warns = biomech.CountIssues(issues)
	return biomech.ValidatorOutcome{
		Passed:         errs == 0 || revision >= MaxRevisions,
		Issues:         issues,
		ErrorCount:     errs,
		WarningCount:   warns,
		RevisionNumber: revision,
		Summary:        review.Summary,
	}, nil
}
