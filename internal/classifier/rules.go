package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Weights applied on top of configured rules.
const (
	keywordScore        = 2
	foreignKeywordScore = 3
)

type builtinPattern struct {
	category string
	score    float64
	patterns []*regexp.Regexp
}

// Release-name conventions that hold regardless of configuration. Each one
// only scores when its category is among the candidates.
var builtinPatterns = []builtinPattern{
	{
		category: "tv",
		score:    8,
		patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)s\d+e\d+|season\s+\d+|episode\s+\d+|\d+x\d+`)},
	},
	{
		category: "movies",
		score:    6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\.(19|20)\d{2}\.|\((19|20)\d{2}\)|\[(19|20)\d{2}\]`),
			regexp.MustCompile(`(?i)1080p|720p|2160p|4k|uhd|bluray|web-?dl|hdtv`),
		},
	},
	{
		category: "anime",
		score:    7,
		patterns: []*regexp.Regexp{regexp.MustCompile(`\[.*\].*\d+.*\[.*\]`)},
	},
}

// Verdict is the rule engine's ranking for one name.
type Verdict struct {
	Category string
	Score    float64
	Scores   map[string]float64
}

// Matched reports whether any category scored above zero.
func (v Verdict) Matched() bool {
	return v.Category != ""
}

// RuleEngine scores names against category rules. Compiled regexes are
// shared across calls and across configuration generations.
type RuleEngine struct {
	compiled sync.Map // pattern -> *regexp.Regexp or error
}

// NewRuleEngine returns an empty engine.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

// Evaluate scores name against every candidate and returns the best positive
// scorer. Ties go to the higher priority, then to the lexically smaller name.
func (e *RuleEngine) Evaluate(name string, categories []torrent.Category) Verdict {
	verdict := Verdict{Scores: make(map[string]float64, len(categories))}
	if strings.TrimSpace(name) == "" {
		return verdict
	}
	lower := strings.ToLower(name)

	byName := make(map[string]torrent.Category, len(categories))
	for _, cat := range categories {
		byName[cat.Name] = cat
	}

	for _, bp := range builtinPatterns {
		if _, ok := byName[bp.category]; !ok {
			continue
		}
		for _, re := range bp.patterns {
			if re.MatchString(name) {
				verdict.Scores[bp.category] += bp.score
				break
			}
		}
	}

	for _, cat := range categories {
		score := 0.0
		for _, rule := range cat.Rules {
			score += e.applyRule(rule, name, lower)
		}
		for _, kw := range cat.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				score += keywordScore
			}
		}
		for _, kw := range cat.ForeignKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				score += foreignKeywordScore
			}
		}
		if score != 0 {
			verdict.Scores[cat.Name] += score
		}
	}

	ranked := make([]torrent.Category, 0, len(verdict.Scores))
	for catName, score := range verdict.Scores {
		if score > 0 {
			ranked = append(ranked, byName[catName])
		}
	}
	if len(ranked) == 0 {
		return verdict
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := verdict.Scores[ranked[i].Name], verdict.Scores[ranked[j].Name]
		if si != sj {
			return si > sj
		}
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].Name < ranked[j].Name
	})
	verdict.Category = ranked[0].Name
	verdict.Score = verdict.Scores[verdict.Category]
	return verdict
}

func (e *RuleEngine) applyRule(rule torrent.Rule, name, lower string) float64 {
	switch rule.Type {
	case torrent.RuleRegex:
		re, err := e.regex(rule.Pattern)
		if err != nil || !re.MatchString(name) {
			return 0
		}
		return rule.Score
	case torrent.RuleKeyword:
		if containsAny(lower, rule.Keywords) {
			return rule.Score
		}
	case torrent.RuleExclude:
		if containsAny(lower, rule.Keywords) {
			return -rule.Score
		}
	}
	return 0
}

func (e *RuleEngine) regex(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if cached, ok := e.compiled.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
		return nil, cached.(error)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		err = fmt.Errorf("compile rule %q: %w", pattern, err)
		e.compiled.Store(pattern, err)
		return nil, err
	}
	e.compiled.Store(pattern, re)
	return re, nil
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
