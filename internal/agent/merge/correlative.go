package merge

import (
	"fmt"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// MinCorrelatives is the number of correlative insights an analysis must carry.
const MinCorrelatives = 2

type domainPair struct {
	primary, related biomech.Domain
	explanation      string
}

// Known couplings between clinical domains, strongest first.
var domainPairs = []domainPair{
	{biomech.DomainPower, biomech.DomainRange, "Power output depends on the available range of motion, so changes in one tend to show up in the other."},
	{biomech.DomainSymmetry, biomech.DomainTiming, "Asymmetry between sides and interlimb timing offsets tend to occur together as one side leads the movement."},
	{biomech.DomainControl, biomech.DomainPower, "Movement smoothness limits how effectively power can be expressed."},
	{biomech.DomainRange, biomech.DomainSymmetry, "Differences in range between sides feed directly into symmetry measures."},
	{biomech.DomainControl, biomech.DomainTiming, "Consistent, smooth repetitions support stable interlimb timing."},
	{biomech.DomainPower, biomech.DomainSymmetry, "Uneven power output between sides contributes to overall asymmetry."},
	{biomech.DomainRange, biomech.DomainControl, "Restricted or variable range reduces repetition consistency."},
	{biomech.DomainPower, biomech.DomainTiming, "How quickly force is developed shapes the timing of each repetition."},
	{biomech.DomainSymmetry, biomech.DomainControl, "Variability in movement control often appears as asymmetry between sides."},
	{biomech.DomainRange, biomech.DomainTiming, "Range of motion sets the duration of each movement phase."},
}

// EnsureCorrelatives tops up the analysis with generated correlative insights
// until MinCorrelatives is reached or no candidate pair is left. Candidates
// are tried in order: the known domain couplings, a strength and a weakness
// within one domain, every remaining cross-domain insight pair, and finally
// cross-domain pairs linked so far in the opposite direction. It returns the
// number of insights it generated.
func EnsureCorrelatives(report *biomech.AnalysisReport) int {
	if len(report.CorrelativeInsights) >= MinCorrelatives {
		return 0
	}
	linked := map[[2]string]bool{}
	directed := map[[2]string]bool{}
	usedIDs := map[string]bool{}
	for _, c := range report.CorrelativeInsights {
		usedIDs[c.ID] = true
		for _, r := range c.RelatedInsightIDs {
			linked[pairKey(c.PrimaryInsightID, r)] = true
			directed[[2]string{c.PrimaryInsightID, r}] = true
		}
	}

	added := 0
	link := func(primary, related biomech.Insight, explanation string) bool {
		linked[pairKey(primary.ID, related.ID)] = true
		directed[[2]string{primary.ID, related.ID}] = true
		report.CorrelativeInsights = append(report.CorrelativeInsights, biomech.CorrelativeInsight{
			ID:                nextID(usedIDs),
			PrimaryInsightID:  primary.ID,
			RelatedInsightIDs: []string{related.ID},
			Explanation:       explanation,
			AutoGenerated:     true,
		})
		added++
		return len(report.CorrelativeInsights) >= MinCorrelatives
	}
	// add links a pair no correlative connects yet, in either direction.
	add := func(primary, related biomech.Insight, explanation string) bool {
		if primary.ID == related.ID || linked[pairKey(primary.ID, related.ID)] {
			return false
		}
		return link(primary, related, explanation)
	}

	byDomain := map[biomech.Domain][]biomech.Insight{}
	for _, in := range report.Insights {
		byDomain[in.Domain] = append(byDomain[in.Domain], in)
	}

	for _, pair := range domainPairs {
		a, b := byDomain[pair.primary], byDomain[pair.related]
		if len(a) == 0 || len(b) == 0 {
			continue
		}
		if add(preferWeakness(a), preferWeakness(b), pair.explanation) {
			return added
		}
	}

	for _, d := range biomech.Domains {
		var strength, weakness *biomech.Insight
		for i := range byDomain[d] {
			in := byDomain[d][i]
			switch {
			case in.Classification == biomech.ClassificationWeakness && weakness == nil:
				weakness = &in
			case in.Classification == biomech.ClassificationStrength && strength == nil:
				strength = &in
			}
		}
		if strength == nil || weakness == nil {
			continue
		}
		explanation := fmt.Sprintf("Within the %s domain, the relative strength may be compensating for the identified weakness.", d)
		if add(*weakness, *strength, explanation) {
			return added
		}
	}

	insights := report.Insights
	for i := range insights {
		for j := i + 1; j < len(insights); j++ {
			if insights[i].Domain == insights[j].Domain {
				continue
			}
			primary, related, explanation := orient(insights[i], insights[j])
			if add(primary, related, explanation) {
				return added
			}
		}
	}

	for i := range insights {
		for j := range insights {
			a, b := insights[i], insights[j]
			if a.ID == b.ID || a.Domain == b.Domain || directed[[2]string{a.ID, b.ID}] {
				continue
			}
			if link(a, b, explain(a.Domain, b.Domain)) {
				return added
			}
		}
	}
	return added
}

// orient puts the pair in the direction of its known domain coupling.
func orient(a, b biomech.Insight) (biomech.Insight, biomech.Insight, string) {
	for _, pair := range domainPairs {
		if pair.primary == b.Domain && pair.related == a.Domain {
			return b, a, pair.explanation
		}
		if pair.primary == a.Domain && pair.related == b.Domain {
			return a, b, pair.explanation
		}
	}
	return a, b, explain(a.Domain, b.Domain)
}

func explain(a, b biomech.Domain) string {
	for _, pair := range domainPairs {
		if (pair.primary == a && pair.related == b) || (pair.primary == b && pair.related == a) {
			return pair.explanation
		}
	}
	return fmt.Sprintf("Findings in the %s and %s domains may share a common cause.", a, b)
}

func preferWeakness(insights []biomech.Insight) biomech.Insight {
	for _, in := range insights {
		if in.Classification == biomech.ClassificationWeakness {
			return in
		}
	}
	return insights[0]
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func nextID(used map[string]bool) string {
	for n := 1; ; n++ {
		id := fmt.Sprintf("corr-auto-%d", n)
		if !used[id] {
			used[id] = true
			return id
		}
	}
}
