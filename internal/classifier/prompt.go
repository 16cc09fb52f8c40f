package classifier

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Example is a labelled name included in the oracle prompt.
type Example struct {
	Name     string
	Category string
}

// BuildPrompt fills the template placeholders {torrent_name},
// {category_descriptions}, {category_keywords}, and {few_shot_examples}.
func BuildPrompt(template, name string, categories []torrent.Category, examples []Example) string {
	var descriptions, keywords strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&descriptions, "- %s: %s\n", cat.Name, cat.Description)
		hints := append(append([]string(nil), cat.Keywords...), cat.ForeignKeywords...)
		if len(hints) > 0 {
			fmt.Fprintf(&keywords, "- %s keywords: %s\n", cat.Name, strings.Join(hints, ", "))
		}
	}

	var shots strings.Builder
	if len(examples) > 0 {
		shots.WriteString("Examples:\n")
		for _, ex := range examples {
			fmt.Fprintf(&shots, "'%s' -> %s\n", ex.Name, ex.Category)
		}
	}

	return strings.NewReplacer(
		"{torrent_name}", name,
		"{category_descriptions}", strings.TrimRight(descriptions.String(), "\n"),
		"{category_keywords}", strings.TrimRight(keywords.String(), "\n"),
		"{few_shot_examples}", shots.String(),
	).Replace(template)
}

// NormalizeLabel reduces an oracle reply to a bare lower-case label.
func NormalizeLabel(raw string) string {
	label := strings.TrimSpace(raw)
	if idx := strings.IndexAny(label, "\r\n"); idx >= 0 {
		label = label[:idx]
	}
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.TrimPrefix(label, "category:")
	return strings.Trim(label, " \t\"'`.,;:!?()[]{}*。")
}
