// Package merge overlays model output on deterministic anchors. Items are
// deduplicated by a stable key; the deterministic item always wins.
package merge

import (
	"sort"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
)

// Keyed is any payload item with a dedup key.
type Keyed interface {
	Key() string
}

// Dedup inserts every deterministic item first, then model items whose key
// has not been seen. Duplicates inside either list keep their first
// occurrence. Input order is otherwise preserved.
func Dedup[T Keyed](deterministic, model []T) []T {
	seen := make(map[string]struct{}, len(deterministic)+len(model))
	out := make([]T, 0, len(deterministic)+len(model))
	add := func(items []T) {
		for _, it := range items {
			k := it.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, it)
		}
	}
	add(deterministic)
	add(model)
	return out
}

func Patterns(deterministic, model []biomech.Pattern) []biomech.Pattern {
	return Dedup(deterministic, model)
}

func Benchmarks(deterministic, model []biomech.Benchmark) []biomech.Benchmark {
	return Dedup(deterministic, model)
}

// Evidence merges evidence items. A cache-sourced item beats any other item
// with the same key, then deterministic beats model. The result is grouped
// by pattern in first-seen order; within a pattern cache items lead, then
// tier (S first), then relevance descending.
func Evidence(deterministic, model []biomech.Evidence) []biomech.Evidence {
	ordered := make([]biomech.Evidence, 0, len(deterministic)+len(model))
	for _, cached := range []bool{true, false} {
		for _, list := range [][]biomech.Evidence{deterministic, model} {
			for _, e := range list {
				if (e.Source == biomech.SourceCache) == cached {
					ordered = append(ordered, e)
				}
			}
		}
	}
	merged := Dedup(ordered, nil)
	OrderEvidence(merged)
	return merged
}

// OrderEvidence sorts evidence in place; see Evidence.
func OrderEvidence(items []biomech.Evidence) {
	group := map[string]int{}
	for _, e := range items {
		if _, ok := group[e.PatternID]; !ok {
			group[e.PatternID] = len(group)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ga, gb := group[a.PatternID], group[b.PatternID]; ga != gb {
			return ga < gb
		}
		ac, bc := a.Source == biomech.SourceCache, b.Source == biomech.SourceCache
		if ac != bc {
			return ac
		}
		if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
			return ra < rb
		}
		return a.Relevance > b.Relevance
	})
}

// Progress merges every progress collection.
func Progress(deterministic, model biomech.ProgressReport) biomech.ProgressReport {
	return biomech.ProgressReport{
		Trends:      Dedup(deterministic.Trends, model.Trends),
		Milestones:  Dedup(deterministic.Milestones, model.Milestones),
		Regressions: Dedup(deterministic.Regressions, model.Regressions),
		Projections: Dedup(deterministic.Projections, model.Projections),
		Summary:     model.Summary,
	}
}
