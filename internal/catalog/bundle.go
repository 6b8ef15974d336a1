package catalog

import (
	"fmt"
	"strings"
)

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// Difficulties lists every difficulty in bucket order.
var Difficulties = []Difficulty{Easy, Medium, Hard}

func (d Difficulty) Valid() bool {
	switch d {
	case Easy, Medium, Hard:
		return true
	}
	return false
}

// Level is the school-level label shown alongside a difficulty.
func (d Difficulty) Level() string {
	switch d {
	case Easy:
		return "Elementary School"
	case Medium:
		return "Middle School"
	case Hard:
		return "High School"
	}
	return ""
}

type Category string

const (
	CategoryRegion        Category = "region"
	CategoryHistoricalAge Category = "historical_age"
	CategoryFormat        Category = "format"
	CategoryDifficulty    Category = "difficulty"
)

// DifficultyMix is either a percentage split across easy/medium/hard or a
// single pinned difficulty. Pinned wins when set.
type DifficultyMix struct {
	EasyPct   int        `json:"easyPct"`
	MediumPct int        `json:"mediumPct"`
	HardPct   int        `json:"hardPct"`
	Pinned    Difficulty `json:"pinned,omitempty"`
}

// StandardMix is the 33/33/34 split used by every non-difficulty pack.
var StandardMix = DifficultyMix{EasyPct: 33, MediumPct: 33, HardPct: 34}

// PinnedMix assigns the whole set to one difficulty.
func PinnedMix(d Difficulty) DifficultyMix { return DifficultyMix{Pinned: d} }

func (m DifficultyMix) Validate() error {
	if m.Pinned != "" {
		if !m.Pinned.Valid() {
			return fmt.Errorf("invalid pinned difficulty %q", m.Pinned)
		}
		return nil
	}
	if m.EasyPct < 0 || m.MediumPct < 0 || m.HardPct < 0 {
		return fmt.Errorf("negative difficulty percentage (%d/%d/%d)", m.EasyPct, m.MediumPct, m.HardPct)
	}
	if sum := m.EasyPct + m.MediumPct + m.HardPct; sum != 100 {
		return fmt.Errorf("difficulty percentages sum to %d, want 100", sum)
	}
	return nil
}

// Counts splits size across difficulties. Easy and medium are floored, hard
// takes whatever remains so the total is always exactly size.
func (m DifficultyMix) Counts(size int) map[Difficulty]int {
	if size < 0 {
		size = 0
	}
	if m.Pinned != "" {
		return map[Difficulty]int{m.Pinned: size}
	}
	easy := size * m.EasyPct / 100
	medium := size * m.MediumPct / 100
	return map[Difficulty]int{
		Easy:   easy,
		Medium: medium,
		Hard:   size - easy - medium,
	}
}

func (m DifficultyMix) String() string {
	if m.Pinned != "" {
		return "pinned:" + string(m.Pinned)
	}
	return fmt.Sprintf("%d/%d/%d", m.EasyPct, m.MediumPct, m.HardPct)
}

// Bundle is the immutable description of a sellable content pack.
type Bundle struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName"`
	Description string        `json:"description,omitempty"`
	Category    Category      `json:"category"`
	TargetSize  int           `json:"targetSize"`
	Mix         DifficultyMix `json:"difficultyMix"`
	Themes      []string      `json:"themes,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Period      string        `json:"period,omitempty"`
	PriceCents  int           `json:"priceCents"`
}

func (b Bundle) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("bundle id is required")
	}
	if b.TargetSize < 1 {
		return fmt.Errorf("bundle %s: target size must be positive (got %d)", b.ID, b.TargetSize)
	}
	if err := b.Mix.Validate(); err != nil {
		return fmt.Errorf("bundle %s: %w", b.ID, err)
	}
	return nil
}

// ContentItem is a single generated or curated question.
type ContentItem struct {
	ID           string     `json:"id"`
	Body         string     `json:"body"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correctIndex"`
	Difficulty   Difficulty `json:"difficulty"`
	Category     string     `json:"category,omitempty"`
	Period       string     `json:"period,omitempty"`
	Explanation  string     `json:"explanation,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
}
