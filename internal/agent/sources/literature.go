package sources

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	braveEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	maxAbstractSize = 600
	maxPageBytes    = 2 << 20
)

var (
	reSpaces = regexp.MustCompile(`\s+`)
	reYear   = regexp.MustCompile(`\b(19[5-9]\d|20[0-4]\d)\b`)
)

// scholarlyHosts are hosts whose results rate tier C instead of D.
var scholarlyHosts = []string{
	"pubmed.ncbi.nlm.nih.gov", "ncbi.nlm.nih.gov", "doi.org", "sciencedirect.com",
	"springer.com", "wiley.com", "sagepub.com", "bmj.com", "jospt.org", "nature.com",
	"frontiersin.org", "mdpi.com", "biomedcentral.com", "tandfonline.com",
}

// LiteratureSearch queries the Brave web search API for a pattern and
// optionally pulls a readable abstract from each result page.
type LiteratureSearch struct {
	cfg     config.LiteratureSearchConfig
	http    *HTTPClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewLiteratureSearch(cfg config.LiteratureSearchConfig, httpClient *HTTPClient, logger *zap.Logger) *LiteratureSearch {
	if httpClient == nil {
		httpClient = NewHTTPClient(0, 1, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &LiteratureSearch{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("literature"),
	}
}

func (l *LiteratureSearch) endpoint() string {
	if l.cfg.Endpoint != "" {
		return l.cfg.Endpoint
	}
	return braveEndpoint
}

// Query builds the search query for a pattern.
func Query(p biomech.Pattern) string {
	parts := append([]string(nil), p.SearchTerms...)
	if len(parts) == 0 {
		for _, m := range p.Metrics {
			if def, ok := biomech.Lookup(m); ok {
				parts = append(parts, def.SearchPhrase)
			}
		}
	}
	q := strings.Join(parts, " ")
	if q == "" {
		return ""
	}
	return q + " biomechanics study"
}

func (l *LiteratureSearch) Search(ctx context.Context, p biomech.Pattern, limit int) ([]biomech.Evidence, error) {
	q := Query(p)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = l.cfg.MaxResults
	}
	if limit <= 0 {
		limit = 3
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	u := fmt.Sprintf("%s?q=%s&count=%d", l.endpoint(), url.QueryEscape(q), limit)
	headers := map[string]string{"X-Subscription-Token": l.cfg.APIKey, "Accept": "application/json"}
	if err := l.http.DoJSON(ctx, "GET", u, headers, nil, &resp); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}

	out := make([]biomech.Evidence, 0, len(resp.Web.Results))
	seen := make(map[string]struct{}, len(resp.Web.Results))
	for i, r := range resp.Web.Results {
		if len(out) >= limit {
			break
		}
		title := plainText(r.Title)
		if title == "" {
			continue
		}
		link, err := canonicalURL(r.URL)
		if err != nil {
			l.logger.Debug("skipping result with bad url", zap.String("url", r.URL), zap.Error(err))
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		finding := plainText(r.Description)
		if l.cfg.FetchAbstracts {
			if abstract, err := l.abstract(ctx, r.URL); err != nil {
				l.logger.Debug("abstract fetch failed", zap.String("url", r.URL), zap.Error(err))
			} else if abstract != "" {
				finding = abstract
			}
		}
		out = append(out, biomech.Evidence{
			PatternID: p.ID,
			Citation:  title,
			Finding:   finding,
			Tier:      tierForURL(link),
			Source:    biomech.SourceExternalSearch,
			Relevance: math.Max(0.3, 1-0.15*float64(i)),
			URL:       link,
			Year:      yearOf(r.Age + " " + r.Title),
		})
	}
	return out, nil
}

func (l *LiteratureSearch) abstract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	html, err := l.http.GetText(ctx, pageURL, maxPageBytes)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(reSpaces.ReplaceAllString(article.TextContent, " "))
	if r := []rune(text); len(r) > maxAbstractSize {
		text = strings.TrimSpace(string(r[:maxAbstractSize])) + "..."
	}
	return text, nil
}

func tierForURL(raw string) biomech.Tier {
	u, err := url.Parse(raw)
	if err != nil {
		return biomech.TierD
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range scholarlyHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return biomech.TierC
		}
	}
	return biomech.TierD
}

func yearOf(s string) int {
	m := reYear.FindString(s)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}

