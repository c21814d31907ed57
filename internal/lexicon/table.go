package lexicon

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_lexicon.yaml
var defaultLexicon []byte

// Table is the static lexicon configuration. It is loaded once at startup
// and treated as read-only afterwards.
type Table struct {
	BrandCanonical  string              `yaml:"brand_canonical"`
	DefaultLanguage string              `yaml:"default_language"`
	Categories      map[string][]string `yaml:"categories"`
	Languages       []Language          `yaml:"languages"`
}

// Language is one stopword set used for language detection.
type Language struct {
	Name      string   `yaml:"name"`
	Stopwords []string `yaml:"stopwords"`
}

// DefaultTable returns the embedded production lexicon.
func DefaultTable() (Table, error) {
	return ParseTable(defaultLexicon)
}

// LoadTable reads a YAML lexicon file. An empty path yields the default table.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseTable(b)
}

// ParseTable decodes and validates YAML lexicon data.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("decode lexicon: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks that the table can drive matching and detection.
func (t Table) Validate() error {
	if len(t.Categories) == 0 {
		return errors.New("lexicon: no categories")
	}
	for name, phrases := range t.Categories {
		if strings.TrimSpace(name) == "" {
			return errors.New("lexicon: empty category name")
		}
		if len(phrases) == 0 {
			return fmt.Errorf("lexicon: category %q has no phrases", name)
		}
	}
	seen := map[string]bool{}
	for _, l := range t.Languages {
		if l.Name == "" {
			return errors.New("lexicon: language without name")
		}
		if seen[l.Name] {
			return fmt.Errorf("lexicon: duplicate language %q", l.Name)
		}
		seen[l.Name] = true
	}
	if t.DefaultLanguage != "" && len(t.Languages) > 0 && !seen[t.DefaultLanguage] {
		return fmt.Errorf("lexicon: default language %q is not configured", t.DefaultLanguage)
	}
	return nil
}
