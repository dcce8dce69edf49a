package sources

import (
	"context"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Searcher finds evidence for one pattern.
type Searcher interface {
	Search(ctx context.Context, p biomech.Pattern, limit int) ([]biomech.Evidence, error)
}

// Collector runs every configured source for each pattern. Each source is
// optional and its failures are logged, never returned.
type Collector struct {
	Cache       EvidenceCache
	Knowledge   Searcher
	Literature  Searcher
	PerSource   int
	Concurrency int
	Logger      *zap.Logger
}

// Collected is the deterministic evidence set for a research run.
type Collected struct {
	Evidence  []biomech.Evidence
	CacheHits int
	// Cached marks pattern ids that were fully served from cache.
	Cached map[string]bool
}

// Collect gathers evidence for the patterns in order: cache first, then the
// knowledge base and literature search for patterns the cache missed.
func (c *Collector) Collect(ctx context.Context, patterns []biomech.Pattern) Collected {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := c.PerSource
	if limit <= 0 {
		limit = 3
	}
	workers := c.Concurrency
	if workers <= 0 {
		workers = 4
	}

	perPattern := make([][]biomech.Evidence, len(patterns))
	fromCache := make([]bool, len(patterns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range patterns {
		i, p := i, p
		g.Go(func() error {
			if c.Cache != nil {
				cached, err := c.Cache.Get(gctx, p.Key())
				if err != nil {
					logger.Warn("evidence cache read failed", zap.String("pattern", p.ID), zap.Error(err))
				}
				if len(cached) > 0 {
					for j := range cached {
						cached[j].PatternID = p.ID
						cached[j].Source = biomech.SourceCache
					}
					perPattern[i] = cached
					fromCache[i] = true
					return nil
				}
			}
			for _, src := range []struct {
				name string
				s    Searcher
			}{{"knowledge", c.Knowledge}, {"literature", c.Literature}} {
				if src.s == nil {
					continue
				}
				found, err := src.s.Search(gctx, p, limit)
				if err != nil {
					logger.Warn("evidence source failed", zap.String("source", src.name), zap.String("pattern", p.ID), zap.Error(err))
					continue
				}
				perPattern[i] = append(perPattern[i], found...)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := Collected{Cached: map[string]bool{}}
	for i, items := range perPattern {
		if fromCache[i] {
			out.CacheHits++
			out.Cached[patterns[i].ID] = true
		}
		out.Evidence = append(out.Evidence, items...)
	}
	return out
}

// WriteBack stores merged evidence per pattern for patterns that were not
// served from cache. Failures are logged.
func (c *Collector) WriteBack(ctx context.Context, patterns []biomech.Pattern, merged []biomech.Evidence, cached map[string]bool) {
	if c.Cache == nil {
		return
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	byPattern := map[string][]biomech.Evidence{}
	for _, e := range merged {
		byPattern[e.PatternID] = append(byPattern[e.PatternID], e)
	}
	for _, p := range patterns {
		if cached[p.ID] || len(byPattern[p.ID]) == 0 {
			continue
		}
		if err := c.Cache.Put(ctx, p.Key(), byPattern[p.ID]); err != nil {
			logger.Warn("evidence cache write failed", zap.String("pattern", p.ID), zap.Error(err))
		}
	}
}
