package catalog

import (
	"strconv"
	"strings"
)

// Template placeholders: {name} is the bundle display name, {theme} the
// lowercased theme.

var questionTemplates = map[Difficulty][]string{
	Easy: {
		"What is {name} most famous for?",
		"Which of these is from {name}?",
		"What did people in {name} do?",
		"Where was {name} located?",
		"What was important in {name}?",
	},
	Medium: {
		"How did {theme} influence {name} society?",
		"What was the relationship between {theme} and {name} politics?",
		"How did {name} develop their {theme}?",
		"What role did {theme} play in {name}?",
		"How did {theme} change over time in {name}?",
	},
	Hard: {
		"Analyze the complex relationship between {theme} and social hierarchy in {name}.",
		"How did {theme} in {name} influence later civilizations?",
		"What were the long-term consequences of {theme} developments in {name}?",
		"How did {theme} reflect the underlying tensions in {name} society?",
		"What evidence supports the theory that {theme} was central to {name} identity?",
	},
}

var optionTemplates = map[Difficulty][]string{
	Easy: {
		"Simple factual answer",
		"Basic concept",
		"Common knowledge item",
		"Elementary fact",
	},
	Medium: {
		"Detailed explanation with context",
		"Historical connection and relationship",
		"Cause and effect relationship",
		"Comparative analysis point",
	},
	Hard: {
		"Complex theoretical framework with multiple variables",
		"Sophisticated analysis requiring synthesis of multiple sources",
		"Advanced interpretation involving historiographical debate",
		"Nuanced understanding of contextual factors and implications",
	},
}

var explanationTemplates = map[Difficulty][]string{
	Easy: {
		"This is a basic fact about {name}.",
		"{Theme} was important in {name}.",
		"People in {name} are known for this.",
		"This is what {name} is famous for.",
	},
	Medium: {
		"The relationship between {theme} and {name} society reveals important historical patterns.",
		"Evidence from archaeological and textual sources shows how {theme} functioned in {name}.",
		"Understanding {theme} helps us see how {name} developed over time.",
		"This aspect of {theme} demonstrates the complexity of {name} civilization.",
	},
	Hard: {
		"Scholarly analysis of {theme} in {name} reveals deep structural relationships that influenced broader historical developments.",
		"The intersection of {theme} with other cultural factors in {name} demonstrates sophisticated societal organization.",
		"Contemporary sources and modern archaeological evidence combine to show how {theme} reflected and shaped {name} identity.",
		"This complex aspect of {theme} illustrates the advanced nature of {name} thought and practice.",
	},
}

var defaultThemes = []string{"History", "Culture", "Society", "Politics", "Technology", "Religion"}

var defaultTags = []string{"ancient", "history", "civilization"}

const defaultPeriod = "Ancient Period"

// Template is one candidate question shape for a bundle and difficulty.
type Template struct {
	Difficulty  Difficulty
	Theme       string
	Question    string
	Explanation string
	Options     []string
}

// Templates expands the question bank for b at difficulty d into every
// theme x question x explanation combination, in a stable order.
func Templates(b Bundle, d Difficulty) []Template {
	themes := b.Themes
	if len(themes) == 0 {
		themes = defaultThemes
	}
	qs := questionTemplates[d]
	es := explanationTemplates[d]
	opts := optionTemplates[d]

	out := make([]Template, 0, len(themes)*len(qs)*len(es))
	for _, theme := range themes {
		r := strings.NewReplacer(
			"{name}", b.DisplayName,
			"{theme}", strings.ToLower(theme),
			"{Theme}", theme,
		)
		for _, q := range qs {
			for _, e := range es {
				out = append(out, Template{
					Difficulty:  d,
					Theme:       theme,
					Question:    r.Replace(q),
					Explanation: r.Replace(e),
					Options:     opts,
				})
			}
		}
	}
	return out
}

// FallbackTemplate is used when a bundle has no usable bank at all.
func FallbackTemplate(b Bundle, d Difficulty, n int) Template {
	return Template{
		Difficulty:  d,
		Theme:       "Fallback",
		Question:    "Question " + strconv.Itoa(n) + " about " + b.DisplayName,
		Explanation: "This is a question about " + b.DisplayName + ".",
		Options:     []string{"Option A", "Option B", "Option C", "Option D"},
	}
}

// BundleTags returns the bundle tags or the generic defaults.
func BundleTags(b Bundle) []string {
	if len(b.Tags) == 0 {
		return defaultTags
	}
	return b.Tags
}

// BundlePeriod returns the bundle period or the generic default.
func BundlePeriod(b Bundle) string {
	if b.Period == "" {
		return defaultPeriod
	}
	return b.Period
}
