package domainstats

import (
	"os"
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/serp-enricher/internal/model"
)

// OverrideFile is the YAML layout of a static override list.
//
//	commercial: [ozon.ru, market.yandex.ru]
//	informational: [wikipedia.org]
//	informational_patterns: [wiki, forum, blog]
type OverrideFile struct {
	Commercial            []string `yaml:"commercial"`
	Informational         []string `yaml:"informational"`
	InformationalPatterns []string `yaml:"informational_patterns"`
}

// StaticOverrides answers from exact domain lists first, then from
// substring patterns that mark a domain informational.
type StaticOverrides struct {
	exact map[string]model.Label

	patterns []string
	// ahocorasick.Matcher keeps per-match state.
	mu      sync.Mutex
	matcher *ahocorasick.Matcher
}

// NewStaticOverrides builds overrides from f. A domain listed as both
// commercial and informational is commercial.
func NewStaticOverrides(f OverrideFile) *StaticOverrides {
	s := &StaticOverrides{exact: make(map[string]model.Label)}
	for _, d := range f.Informational {
		if d = NormalizeDomain(d); d != "" {
			s.exact[d] = model.LabelInformational
		}
	}
	for _, d := range f.Commercial {
		if d = NormalizeDomain(d); d != "" {
			s.exact[d] = model.LabelCommercial
		}
	}
	for _, p := range f.InformationalPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			s.patterns = append(s.patterns, p)
		}
	}
	if len(s.patterns) > 0 {
		s.matcher = ahocorasick.NewStringMatcher(s.patterns)
	}
	return s
}

// LoadOverrides reads an override file. An empty path yields an empty list.
func LoadOverrides(path string) (*StaticOverrides, error) {
	if path == "" {
		return NewStaticOverrides(OverrideFile{}), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "domainstats: read overrides %s", path)
	}
	var f OverrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "domainstats: parse overrides %s", path)
	}
	return NewStaticOverrides(f), nil
}

// Lookup implements Overrides.
func (s *StaticOverrides) Lookup(domain string) (model.Label, bool) {
	d := NormalizeDomain(domain)
	if d == "" {
		return "", false
	}
	if label, ok := s.exact[d]; ok {
		return label, true
	}
	if s.matcher == nil {
		return "", false
	}
	s.mu.Lock()
	hits := s.matcher.Match([]byte(d))
	s.mu.Unlock()
	if len(hits) > 0 {
		return model.LabelInformational, true
	}
	return "", false
}

// Len returns the number of exact entries and patterns.
func (s *StaticOverrides) Len() int {
	return len(s.exact) + len(s.patterns)
}
