package domainstats

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/model"
)

const overrideYAML = `
commercial:
  - ozon.ru
  - https://www.Market.example/
  - both.example
informational:
  - wikipedia.org
  - both.example
informational_patterns:
  - wiki
  - Forum
`

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrideYAML), 0o644))

	o, err := LoadOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, 6, o.Len())

	tests := []struct {
		domain string
		label  model.Label
		ok     bool
	}{
		{"ozon.ru", model.LabelCommercial, true},
		{"market.example", model.LabelCommercial, true},
		{"wikipedia.org", model.LabelInformational, true},
		{"both.example", model.LabelCommercial, true},
		{"ru.wikibooks.org", model.LabelInformational, true},
		{"https://forum.example/thread/1", model.LabelInformational, true},
		{"shop.example", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		label, ok := o.Lookup(tt.domain)
		assert.Equal(t, tt.ok, ok, tt.domain)
		assert.Equal(t, tt.label, label, tt.domain)
	}
}

func TestLoadOverrides_EmptyPath(t *testing.T) {
	o, err := LoadOverrides("")
	require.NoError(t, err)
	assert.Zero(t, o.Len())
	_, ok := o.Lookup("wiki.example")
	assert.False(t, ok)
}

func TestLoadOverrides_Errors(t *testing.T) {
	_, err := LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commercial: [unterminated"), 0o644))
	_, err = LoadOverrides(path)
	assert.Error(t, err)
}

func TestStaticOverrides_ConcurrentLookup(t *testing.T) {
	o := NewStaticOverrides(OverrideFile{InformationalPatterns: []string{"wiki", "blog"}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				label, ok := o.Lookup("myblog.example")
				assert.True(t, ok)
				assert.Equal(t, model.LabelInformational, label)
			}
		}()
	}
	wg.Wait()
}
