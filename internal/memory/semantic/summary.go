package semantic

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

const maxSummaryDetail = 1500

// AnalysisSummary renders the text embedded for an analysis report and the
// key findings kept alongside it (insight titles, strengths first).
func AnalysisSummary(report biomech.AnalysisReport) (string, []string) {
	var b strings.Builder
	b.WriteString("Session Analysis\n")
	if s := strings.TrimSpace(report.Summary); s != "" {
		b.WriteString("Summary:\n")
		b.WriteString(truncate(s, maxSummaryDetail))
		b.WriteString("\n\n")
	}
	var strengths, weaknesses []string
	for _, in := range report.Insights {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			continue
		}
		line := fmt.Sprintf("%s (%s)", title, in.Domain)
		if in.Classification == biomech.ClassificationStrength {
			strengths = append(strengths, line)
		} else {
			weaknesses = append(weaknesses, line)
		}
	}
	writeList(&b, "Strengths", strengths)
	writeList(&b, "Weaknesses", weaknesses)
	var below []string
	for _, bm := range report.Benchmarks {
		if bm.Category == biomech.CategoryDeficient {
			below = append(below, fmt.Sprintf("%s %s: %.1f (%s)", bm.Metric, bm.Limb, bm.Value, bm.Category))
		}
	}
	writeList(&b, "Below norm", below)
	findings := append(append([]string(nil), strengths...), weaknesses...)
	return strings.TrimSpace(b.String()), findings
}

// ProgressSummary renders the text embedded for a progress report.
func ProgressSummary(report biomech.ProgressReport) (string, []string) {
	var b strings.Builder
	b.WriteString("Longitudinal Progress\n")
	if s := strings.TrimSpace(report.Summary); s != "" {
		b.WriteString("Summary:\n")
		b.WriteString(truncate(s, maxSummaryDetail))
		b.WriteString("\n\n")
	}
	var trends []string
	for _, tr := range report.Trends {
		if tr.Direction == biomech.TrendStable {
			continue
		}
		trends = append(trends, fmt.Sprintf("%s %s %s %+.1f%%", tr.Metric, tr.Limb, tr.Direction, tr.PercentChange))
	}
	writeList(&b, "Trends", trends)
	var findings []string
	for _, m := range report.Milestones {
		findings = append(findings, fmt.Sprintf("milestone %s: %s", m.Type, strings.Join(m.Metrics, ", ")))
	}
	for _, r := range report.Regressions {
		findings = append(findings, fmt.Sprintf("regression %s %s (%s)", r.Metric, r.Limb, r.Severity))
	}
	writeList(&b, "Events", findings)
	return strings.TrimSpace(b.String()), findings
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading)
	b.WriteString(":\n")
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
