package merge

import (
	"testing"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupDeterministicWins(t *testing.T) {
	det := []biomech.Benchmark{
		{Metric: biomech.MetricAverageROM, Limb: biomech.LimbLeft, Value: 88, Origin: biomech.OriginDeterministic},
	}
	model := []biomech.Benchmark{
		{Metric: biomech.MetricAverageROM, Limb: biomech.LimbLeft, Value: 95, Origin: biomech.OriginModel},
		{Metric: biomech.MetricAverageROM, Limb: biomech.LimbRight, Value: 101, Origin: biomech.OriginModel},
	}

	got := Benchmarks(det, model)
	require.Len(t, got, 2)
	assert.Equal(t, 88.0, got[0].Value)
	assert.Equal(t, biomech.OriginDeterministic, got[0].Origin)
	assert.Equal(t, biomech.LimbRight, got[1].Limb)
}

func TestDedupPatternKeyIgnoresOrder(t *testing.T) {
	det := []biomech.Pattern{{
		Type:    biomech.PatternCorrelation,
		Metrics: []string{biomech.MetricAverageROM, biomech.MetricPeakAngularVelocity},
		Limbs:   []biomech.Limb{biomech.LimbLeft},
		Origin:  biomech.OriginDeterministic,
	}}
	model := []biomech.Pattern{{
		Type:        biomech.PatternCorrelation,
		Metrics:     []string{biomech.MetricPeakAngularVelocity, biomech.MetricAverageROM},
		Limbs:       []biomech.Limb{biomech.LimbLeft},
		Description: "model narrative",
		Origin:      biomech.OriginModel,
	}}

	got := Patterns(det, model)
	require.Len(t, got, 1)
	assert.Equal(t, biomech.OriginDeterministic, got[0].Origin)
}

func TestDedupKeepsFirstWithinList(t *testing.T) {
	model := []biomech.Trend{
		{Metric: biomech.MetricMaxROM, Limb: biomech.LimbLeft, Narrative: "first"},
		{Metric: biomech.MetricMaxROM, Limb: biomech.LimbLeft, Narrative: "second"},
	}
	got := Dedup(nil, model)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Narrative)
}

func TestEvidenceCollapsesDuplicateCitations(t *testing.T) {
	det := []biomech.Evidence{
		{PatternID: "pat-a", Citation: "Smith 2020  Knee ROM", Tier: biomech.TierB, Source: biomech.SourceEmbeddedKnowledge, Relevance: 0.9},
		{PatternID: "pat-a", Citation: "smith 2020 knee rom", Tier: biomech.TierC, Source: biomech.SourceCache, Relevance: 0.4},
	}
	model := []biomech.Evidence{
		{PatternID: "pat-a", Citation: "Smith 2020 knee ROM", Tier: biomech.TierS, Source: biomech.SourceEmbeddedKnowledge, Relevance: 1},
		{PatternID: "pat-b", Citation: "Smith 2020 knee ROM", Tier: biomech.TierA, Source: biomech.SourceEmbeddedKnowledge, Relevance: 0.5},
	}

	got := Evidence(det, model)
	require.Len(t, got, 2)
	assert.Equal(t, "pat-a", got[0].PatternID)
	assert.Equal(t, biomech.SourceCache, got[0].Source, "cache copy survives the collapse")
	assert.Equal(t, "pat-b", got[1].PatternID, "same citation under another pattern is kept")
}

func TestEvidenceOrdering(t *testing.T) {
	det := []biomech.Evidence{
		{PatternID: "pat-a", Citation: "weak", Tier: biomech.TierD, Source: biomech.SourceExternalSearch, Relevance: 0.9},
		{PatternID: "pat-b", Citation: "other", Tier: biomech.TierS, Source: biomech.SourceExternalSearch, Relevance: 0.9},
		{PatternID: "pat-a", Citation: "strong low", Tier: biomech.TierA, Source: biomech.SourceEmbeddedKnowledge, Relevance: 0.2},
		{PatternID: "pat-a", Citation: "strong high", Tier: biomech.TierA, Source: biomech.SourceEmbeddedKnowledge, Relevance: 0.8},
	}
	model := []biomech.Evidence{
		{PatternID: "pat-a", Citation: "cached", Tier: biomech.TierD, Source: biomech.SourceCache, Relevance: 0.1},
	}

	got := Evidence(det, model)
	var citations []string
	for _, e := range got {
		citations = append(citations, e.Citation)
	}
	assert.Equal(t, []string{"cached", "strong high", "strong low", "weak", "other"}, citations)
}

func TestProgressMergeKeepsModelSummary(t *testing.T) {
	det := biomech.ProgressReport{
		Milestones: []biomech.Milestone{{Type: biomech.MilestonePersonalBest, Metrics: []string{biomech.MetricMaxROM}, Origin: biomech.OriginDeterministic}},
	}
	model := biomech.ProgressReport{
		Milestones: []biomech.Milestone{
			{Type: biomech.MilestonePersonalBest, Metrics: []string{biomech.MetricMaxROM}, Description: "dup"},
			{Type: biomech.MilestoneReachedOptimal, Metrics: []string{biomech.MetricPeakFlexion}},
		},
		Summary: "steady gains",
	}
	got := Progress(det, model)
	require.Len(t, got.Milestones, 2)
	assert.Equal(t, biomech.OriginDeterministic, got.Milestones[0].Origin)
	assert.Equal(t, "steady gains", got.Summary)
}

func insight(id string, d biomech.Domain, c biomech.Classification) biomech.Insight {
	return biomech.Insight{ID: id, Domain: d, Classification: c, Title: id}
}

func TestEnsureCorrelativesFromDomainPairs(t *testing.T) {
	report := &biomech.AnalysisReport{
		Insights: []biomech.Insight{
			insight("ins-power", biomech.DomainPower, biomech.ClassificationWeakness),
			insight("ins-range", biomech.DomainRange, biomech.ClassificationStrength),
			insight("ins-sym", biomech.DomainSymmetry, biomech.ClassificationWeakness),
			insight("ins-time", biomech.DomainTiming, biomech.ClassificationWeakness),
		},
	}

	added := EnsureCorrelatives(report)
	assert.Equal(t, 2, added)
	require.Len(t, report.CorrelativeInsights, 2)

	first := report.CorrelativeInsights[0]
	assert.Equal(t, "ins-power", first.PrimaryInsightID)
	assert.Equal(t, []string{"ins-range"}, first.RelatedInsightIDs)
	assert.True(t, first.AutoGenerated)
	assert.Equal(t, "corr-auto-1", first.ID)

	second := report.CorrelativeInsights[1]
	assert.Equal(t, "ins-sym", second.PrimaryInsightID)
	assert.Equal(t, []string{"ins-time"}, second.RelatedInsightIDs)
}

func TestEnsureCorrelativesSkipsExistingLinks(t *testing.T) {
	report := &biomech.AnalysisReport{
		Insights: []biomech.Insight{
			insight("ins-power", biomech.DomainPower, biomech.ClassificationWeakness),
			insight("ins-range", biomech.DomainRange, biomech.ClassificationWeakness),
			insight("ins-ctrl", biomech.DomainControl, biomech.ClassificationStrength),
		},
		CorrelativeInsights: []biomech.CorrelativeInsight{{
			ID:                "corr-auto-1",
			PrimaryInsightID:  "ins-range",
			RelatedInsightIDs: []string{"ins-power"},
			Explanation:       "model link",
		}},
	}

	added := EnsureCorrelatives(report)
	assert.Equal(t, 1, added)
	require.Len(t, report.CorrelativeInsights, 2)
	gen := report.CorrelativeInsights[1]
	assert.Equal(t, "corr-auto-2", gen.ID)
	assert.Equal(t, "ins-ctrl", gen.PrimaryInsightID)
	assert.Equal(t, []string{"ins-power"}, gen.RelatedInsightIDs)
}

func TestEnsureCorrelativesSingleDomainFallsBackToCompensation(t *testing.T) {
	report := &biomech.AnalysisReport{
		Insights: []biomech.Insight{
			insight("ins-1", biomech.DomainRange, biomech.ClassificationStrength),
			insight("ins-2", biomech.DomainRange, biomech.ClassificationWeakness),
		},
	}
	added := EnsureCorrelatives(report)
	assert.Equal(t, 1, added)
	require.Len(t, report.CorrelativeInsights, 1)
	assert.Equal(t, "ins-2", report.CorrelativeInsights[0].PrimaryInsightID)
}

func TestEnsureCorrelativesReachesMinimumAcrossTwoDomains(t *testing.T) {
	cases := []struct {
		name     string
		insights []biomech.Insight
		existing []biomech.CorrelativeInsight
		added    int
	}{
		{
			name: "two insights in two domains",
			insights: []biomech.Insight{
				insight("ins-power", biomech.DomainPower, biomech.ClassificationWeakness),
				insight("ins-range", biomech.DomainRange, biomech.ClassificationStrength),
			},
			added: 2,
		},
		{
			name: "two alike insights in one domain plus another domain",
			insights: []biomech.Insight{
				insight("ins-power-1", biomech.DomainPower, biomech.ClassificationWeakness),
				insight("ins-power-2", biomech.DomainPower, biomech.ClassificationWeakness),
				insight("ins-range", biomech.DomainRange, biomech.ClassificationWeakness),
			},
			added: 2,
		},
		{
			name: "one model correlative and two insights",
			insights: []biomech.Insight{
				insight("ins-sym", biomech.DomainSymmetry, biomech.ClassificationWeakness),
				insight("ins-time", biomech.DomainTiming, biomech.ClassificationWeakness),
			},
			existing: []biomech.CorrelativeInsight{{
				ID:                "corr-1",
				PrimaryInsightID:  "ins-sym",
				RelatedInsightIDs: []string{"ins-time"},
				Explanation:       "model link",
			}},
			added: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := &biomech.AnalysisReport{Insights: tc.insights, CorrelativeInsights: tc.existing}
			assert.Equal(t, tc.added, EnsureCorrelatives(report))
			require.GreaterOrEqual(t, len(report.CorrelativeInsights), MinCorrelatives)

			ids := map[string]bool{}
			directed := map[[2]string]bool{}
			for _, c := range report.CorrelativeInsights {
				assert.False(t, ids[c.ID], "duplicate id %s", c.ID)
				ids[c.ID] = true
				require.Len(t, c.RelatedInsightIDs, 1)
				link := [2]string{c.PrimaryInsightID, c.RelatedInsightIDs[0]}
				assert.NotEqual(t, link[0], link[1])
				assert.False(t, directed[link], "link %v generated twice", link)
				directed[link] = true
			}
		})
	}
}

func TestEnsureCorrelativesPrefersUnlinkedPairsOverReversal(t *testing.T) {
	report := &biomech.AnalysisReport{
		Insights: []biomech.Insight{
			insight("ins-power-1", biomech.DomainPower, biomech.ClassificationWeakness),
			insight("ins-power-2", biomech.DomainPower, biomech.ClassificationWeakness),
			insight("ins-range", biomech.DomainRange, biomech.ClassificationWeakness),
		},
	}
	EnsureCorrelatives(report)
	require.Len(t, report.CorrelativeInsights, 2)
	assert.Equal(t, "ins-power-1", report.CorrelativeInsights[0].PrimaryInsightID)
	assert.Equal(t, "ins-power-2", report.CorrelativeInsights[1].PrimaryInsightID)
	assert.Equal(t, []string{"ins-range"}, report.CorrelativeInsights[1].RelatedInsightIDs)
}

func TestEnsureCorrelativesNoopWhenSatisfied(t *testing.T) {
	report := &biomech.AnalysisReport{
		CorrelativeInsights: []biomech.CorrelativeInsight{{ID: "a"}, {ID: "b"}},
	}
	assert.Zero(t, EnsureCorrelatives(report))
	assert.Len(t, report.CorrelativeInsights, 2)
}
