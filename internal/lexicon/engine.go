// Package lexicon implements phrase matching, fuzzy matching, language
// detection and brand-name normalization over call transcripts.
package lexicon

import (
	"sort"
	"strings"
	"unicode"

	"qci-scorer-go/internal/types"
)

const (
	// DefaultMaxDistance is the fuzzy threshold used when none is given.
	DefaultMaxDistance = 1
	// BrandVariantThreshold is the similarity below which a brand mention
	// counts as a deviation from the canonical spelling.
	BrandVariantThreshold = 0.8
	// BrandCategory holds the accepted spellings of the brand.
	BrandCategory = "brand_variants"

	languageSampleTokens = 20
)

// Engine answers lexicon queries. It holds an immutable copy of the table
// and is safe for concurrent use without locking.
type Engine struct {
	brand           string
	defaultLanguage string
	categories      map[string][]phrase
	categoryNames   []string
	languages       []language
}

type phrase struct {
	original string
	lower    string
}

type language struct {
	name      string
	stopwords map[string]struct{}
}

// NewEngine builds an engine from a validated table.
func NewEngine(t Table) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		brand:      t.BrandCanonical,
		categories: make(map[string][]phrase, len(t.Categories)),
	}
	for name, list := range t.Categories {
		for _, p := range list {
			if strings.TrimSpace(p) == "" {
				continue
			}
			e.categories[name] = append(e.categories[name], phrase{original: p, lower: strings.ToLower(p)})
		}
		e.categoryNames = append(e.categoryNames, name)
	}
	sort.Strings(e.categoryNames)

	for _, l := range t.Languages {
		set := make(map[string]struct{}, len(l.Stopwords))
		for _, w := range l.Stopwords {
			set[strings.ToLower(w)] = struct{}{}
		}
		e.languages = append(e.languages, language{name: l.Name, stopwords: set})
	}
	e.defaultLanguage = t.DefaultLanguage
	if e.defaultLanguage == "" && len(e.languages) > 0 {
		e.defaultLanguage = e.languages[0].name
	}
	return e, nil
}

// Brand returns the canonical brand string.
func (e *Engine) Brand() string { return e.brand }

// Categories lists the configured category names in sorted order.
func (e *Engine) Categories() []string {
	return append([]string(nil), e.categoryNames...)
}

// MatchOptions tunes Match.
type MatchOptions struct {
	Fuzzy       bool
	MaxDistance int
}

// MatchOption mutates MatchOptions.
type MatchOption func(*MatchOptions)

// WithFuzzy enables fuzzy matching at the given edit distance threshold.
func WithFuzzy(maxDistance int) MatchOption {
	return func(o *MatchOptions) {
		o.Fuzzy = true
		o.MaxDistance = maxDistance
	}
}

// Match searches text for the category's phrases, case-insensitively. The
// first phrase in list order that matches wins; there is no ranking by
// length or specificity.
//
// In fuzzy mode a phrase that is not a substring is still accepted when the
// edit distance between the whole lowercased text and the phrase is within
// the threshold. A threshold of 0 therefore behaves like exact matching.
func (e *Engine) Match(text, category string, opts ...MatchOption) (types.MatchResult, bool) {
	o := MatchOptions{MaxDistance: DefaultMaxDistance}
	for _, opt := range opts {
		opt(&o)
	}
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return types.MatchResult{}, false
	}
	for _, p := range e.categories[category] {
		if strings.Contains(lower, p.lower) {
			return types.MatchResult{
				Category:      category,
				MatchedPhrase: p.original,
				MatchedText:   p.lower,
			}, true
		}
		if o.Fuzzy && o.MaxDistance > 0 && BoundedEditDistance(lower, p.lower, o.MaxDistance) <= o.MaxDistance {
			return types.MatchResult{
				Category:      category,
				MatchedPhrase: p.original,
				MatchedText:   lower,
				IsFuzzy:       true,
			}, true
		}
	}
	return types.MatchResult{}, false
}

// MatchAll returns the first exact hit of every category, ordered by
// category name.
func (e *Engine) MatchAll(text string) []types.MatchResult {
	var out []types.MatchResult
	for _, name := range e.categoryNames {
		if m, ok := e.Match(text, name); ok {
			out = append(out, m)
		}
	}
	return out
}

// LanguageGuess is the result of DetectLanguage.
type LanguageGuess struct {
	Language   string         `json:"language"`
	Confidence float64        `json:"confidence"`
	Scores     map[string]int `json:"scores"`
}

// DetectLanguage counts stopword hits among the first 20 tokens. Ties go to
// the default language when it is among the tied, otherwise to the earlier
// configured language. No hits at all yields the default.
func (e *Engine) DetectLanguage(text string) LanguageGuess {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) > languageSampleTokens {
		tokens = tokens[:languageSampleTokens]
	}
	guess := LanguageGuess{Language: e.defaultLanguage, Scores: make(map[string]int, len(e.languages))}
	best := 0
	for _, l := range e.languages {
		hits := 0
		for _, tok := range tokens {
			if _, ok := l.stopwords[tok]; ok {
				hits++
			}
		}
		guess.Scores[l.name] = hits
		if hits > best || (hits > 0 && hits == best && l.name == e.defaultLanguage) {
			best = hits
			guess.Language = l.name
		}
	}
	if len(tokens) > 0 {
		guess.Confidence = float64(best) / float64(len(tokens))
	}
	return guess
}

// BrandCheck is the result of NormalizeBrand.
type BrandCheck struct {
	NormalizedText string  `json:"normalized_text"`
	EditDistance   int     `json:"edit_distance"`
	Similarity     float64 `json:"similarity"`
	IsVariant      bool    `json:"is_variant"`
}

// NormalizeBrand compares a brand mention against the canonical spelling
// (the table's brand when canonical is empty). Punctuation is stripped and
// whitespace collapsed on both sides; letter case is kept, so a lowercase
// mention of a capitalized brand counts against similarity.
func (e *Engine) NormalizeBrand(mention, canonical string) BrandCheck {
	if canonical == "" {
		canonical = e.brand
	}
	return CompareBrand(mention, canonical)
}

// CompareBrand is NormalizeBrand without a table.
func CompareBrand(mention, canonical string) BrandCheck {
	norm := stripPunctuation(mention)
	canon := stripPunctuation(canonical)
	dist := EditDistance(norm, canon)
	maxLen := max(len([]rune(norm)), len([]rune(canon)))
	similarity := 0.0
	if maxLen > 0 && norm != "" {
		similarity = 1 - float64(dist)/float64(maxLen)
	}
	return BrandCheck{
		NormalizedText: norm,
		EditDistance:   dist,
		Similarity:     similarity,
		IsVariant:      similarity < BrandVariantThreshold,
	}
}

func stripPunctuation(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
