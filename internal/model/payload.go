package model

import (
	"net/url"
	"sort"
	"strings"
)

// DefaultMaxTopResults caps the number of result documents kept per keyword.
const DefaultMaxTopResults = 20

// ResultDoc is one organic search result.
type ResultDoc struct {
	Position     int    `json:"position"`
	URL          string `json:"url"`
	Domain       string `json:"domain"`
	Title        string `json:"title,omitempty"`
	IsCommercial bool   `json:"is_commercial"`
}

// Payload is the enrichment data attached to a completed record.
type Payload struct {
	Results           []ResultDoc `json:"results"`
	Phrases           []string    `json:"phrases,omitempty"`
	FoundDocs         int64       `json:"found_docs"`
	MainPages         int         `json:"main_pages"`
	TitlesWithKeyword int         `json:"titles_with_keyword"`
	CommercialResults int         `json:"commercial_results"`
}

// Normalize caps Results at maxTop, renumbers positions from 1, fills
// missing domains from URLs, and sorts and deduplicates Phrases. The
// commercial result count is recomputed from the kept results.
func (p *Payload) Normalize(maxTop int) {
	if maxTop <= 0 {
		maxTop = DefaultMaxTopResults
	}
	if len(p.Results) > maxTop {
		p.Results = p.Results[:maxTop]
	}
	commercial := 0
	for i := range p.Results {
		p.Results[i].Position = i + 1
		if p.Results[i].Domain == "" {
			p.Results[i].Domain = DomainFromURL(p.Results[i].URL)
		}
		if p.Results[i].IsCommercial {
			commercial++
		}
	}
	p.CommercialResults = commercial

	if len(p.Phrases) > 0 {
		seen := make(map[string]struct{}, len(p.Phrases))
		phrases := p.Phrases[:0]
		for _, ph := range p.Phrases {
			ph = strings.TrimSpace(ph)
			if ph == "" {
				continue
			}
			if _, ok := seen[ph]; ok {
				continue
			}
			seen[ph] = struct{}{}
			phrases = append(phrases, ph)
		}
		sort.Strings(phrases)
		p.Phrases = phrases
	}
}

// TopURLs returns the result URLs in rank order.
func (p *Payload) TopURLs() []string {
	urls := make([]string, 0, len(p.Results))
	for _, r := range p.Results {
		urls = append(urls, r.URL)
	}
	return urls
}

// CommercialRatio returns the share of results flagged commercial.
func (p *Payload) CommercialRatio() float64 {
	if len(p.Results) == 0 {
		return 0
	}
	return float64(p.CommercialResults) / float64(len(p.Results))
}

// DomainFromURL extracts a lower-case host without the "www." prefix.
// Inputs without a scheme are treated as host/path.
func DomainFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
