package precompute

import "github.com/mohammad-safakhou/kinetiq/internal/biomech"

// DomainStanding counts benchmark categories within one domain.
type DomainStanding struct {
	Domain    biomech.Domain `json:"domain"`
	Optimal   int            `json:"optimal"`
	Average   int            `json:"average"`
	Deficient int            `json:"deficient"`
}

// AnalysisHints are the deterministic Analysis anchors.
type AnalysisHints struct {
	Benchmarks []biomech.Benchmark `json:"benchmarks"`
	Domains    []DomainStanding    `json:"domains"`
}

// Benchmarks places every reading of the session against the catalog.
func Benchmarks(m biomech.SessionMetrics) []biomech.Benchmark {
	readings := m.Readings()
	out := make([]biomech.Benchmark, 0, len(readings))
	for _, r := range readings {
		def, _ := biomech.Lookup(r.Metric)
		out = append(out, biomech.Benchmark{
			Metric:    r.Metric,
			Limb:      r.Limb,
			Value:     r.Value,
			Unit:      def.Unit,
			Category:  def.Categorize(r.Value),
			Optimal:   def.Optimal,
			Average:   def.Average,
			Direction: def.Direction,
			Origin:    biomech.OriginDeterministic,
		})
	}
	return out
}

// Analysis computes benchmarks and a per-domain tally, domains in catalog
// order.
func Analysis(m biomech.SessionMetrics) AnalysisHints {
	benchmarks := Benchmarks(m)
	tally := make(map[biomech.Domain]*DomainStanding, len(biomech.Domains))
	for _, d := range biomech.Domains {
		tally[d] = &DomainStanding{Domain: d}
	}
	for _, b := range benchmarks {
		def, _ := biomech.Lookup(b.Metric)
		s := tally[def.Domain]
		switch b.Category {
		case biomech.CategoryOptimal:
			s.Optimal++
		case biomech.CategoryAverage:
			s.Average++
		default:
			s.Deficient++
		}
	}
	hints := AnalysisHints{Benchmarks: benchmarks}
	for _, d := range biomech.Domains {
		hints.Domains = append(hints.Domains, *tally[d])
	}
	return hints
}
