package sources

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"gopkg.in/yaml.v3"
)

//go:embed seed/knowledge.yaml
var builtinKnowledge []byte

// KnowledgeEntry is one reference in the embedded knowledge base.
type KnowledgeEntry struct {
	ID       string       `yaml:"id"`
	Citation string       `yaml:"citation"`
	Finding  string       `yaml:"finding"`
	Tier     biomech.Tier `yaml:"tier"`
	Year     int          `yaml:"year"`
	URL      string       `yaml:"url"`
	Keywords []string     `yaml:"keywords"`
	Metrics  []string     `yaml:"metrics"`
}

// KnowledgeBase is a bleve in-memory index over curated references.
type KnowledgeBase struct {
	index   bleve.Index
	entries map[string]KnowledgeEntry
}

// LoadKnowledgeBase reads entries from a YAML file, or the built-in seed
// when path is empty.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	raw := builtinKnowledge
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge base: %w", err)
		}
		raw = b
	}
	var entries []KnowledgeEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	return NewKnowledgeBase(entries)
}

func NewKnowledgeBase(entries []KnowledgeEntry) (*KnowledgeBase, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve: %w", err)
	}
	kb := &KnowledgeBase{index: index, entries: make(map[string]KnowledgeEntry, len(entries))}
	for i, e := range entries {
		if strings.TrimSpace(e.Citation) == "" {
			return nil, fmt.Errorf("knowledge entry %d: citation is required", i)
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("kb-%d", i+1)
		}
		if !e.Tier.Valid() {
			e.Tier = biomech.TierD
		}
		doc := map[string]interface{}{
			"citation": e.Citation,
			"finding":  e.Finding,
			"keywords": strings.Join(e.Keywords, " "),
			"metrics":  strings.Join(e.Metrics, " "),
		}
		if err := index.Index(e.ID, doc); err != nil {
			return nil, fmt.Errorf("index %s: %w", e.ID, err)
		}
		kb.entries[e.ID] = e
	}
	return kb, nil
}

// Len is the number of indexed entries.
func (kb *KnowledgeBase) Len() int { return len(kb.entries) }

// Search returns up to limit references matching the pattern's search terms
// and metrics. Relevance is the hit score relative to the best hit.
func (kb *KnowledgeBase) Search(ctx context.Context, p biomech.Pattern, limit int) ([]biomech.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}
	var clauses []query.Query
	for _, term := range p.SearchTerms {
		if strings.TrimSpace(term) != "" {
			clauses = append(clauses, bleve.NewMatchQuery(term))
		}
	}
	for _, m := range p.Metrics {
		mq := bleve.NewMatchQuery(m)
		mq.SetField("metrics")
		mq.SetBoost(2)
		clauses = append(clauses, mq)
		if def, ok := biomech.Lookup(m); ok && def.SearchPhrase != "" {
			clauses = append(clauses, bleve.NewMatchQuery(def.SearchPhrase))
		}
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(clauses...), limit, 0, false)
	res, err := kb.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	best := res.Hits[0].Score
	out := make([]biomech.Evidence, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e, ok := kb.entries[hit.ID]
		if !ok {
			continue
		}
		rel := 1.0
		if best > 0 {
			rel = math.Round(hit.Score/best*100) / 100
		}
		out = append(out, biomech.Evidence{
			PatternID: p.ID,
			Citation:  e.Citation,
			Finding:   e.Finding,
			Tier:      e.Tier,
			Source:    biomech.SourceExternalSearch,
			Relevance: rel,
			URL:       e.URL,
			Year:      e.Year,
		})
	}
	return out, nil
}

// Close releases the index.
func (kb *KnowledgeBase) Close() error {
	return kb.index.Close()
}
