package worker

import (
	"sort"
	"strings"
)

// PathRule rewrites a save-path prefix. Rules with a Category only apply to
// that category.
type PathRule struct {
	Category     string
	SourcePrefix string
	TargetPrefix string
}

// PathMapper turns a category's configured save path into the path the
// downstream should use.
type PathMapper struct {
	// Rules are checked in order: category-scoped first, then unscoped.
	Rules []PathRule
	// Global prefixes are tried longest first after Rules.
	Global map[string]string
	// Direct disables every mapping.
	Direct bool
}

// Resolve maps path for category. The first matching rule wins; no match
// returns path unchanged.
func (m PathMapper) Resolve(category, path string) string {
	if m.Direct || path == "" {
		return path
	}
	for _, scoped := range []bool{true, false} {
		for _, rule := range m.Rules {
			if (rule.Category != "") != scoped {
				continue
			}
			if scoped && !strings.EqualFold(rule.Category, category) {
				continue
			}
			if mapped, ok := replacePrefix(path, rule.SourcePrefix, rule.TargetPrefix); ok {
				return mapped
			}
		}
	}
	prefixes := make([]string, 0, len(m.Global))
	for prefix := range m.Global {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	for _, prefix := range prefixes {
		if mapped, ok := replacePrefix(path, prefix, m.Global[prefix]); ok {
			return mapped
		}
	}
	return path
}

func replacePrefix(path, from, to string) (string, bool) {
	if from == "" || !strings.HasPrefix(path, from) {
		return "", false
	}
	return to + strings.TrimPrefix(path, from), true
}
