package catalog

import (
	_ "embed"
	"encoding/json"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

//go:embed samples.json
var samplesJSON []byte

func builtinSamples() (map[string][]ContentItem, error) {
	var m map[string][]ContentItem
	if err := json.Unmarshal(samplesJSON, &m); err != nil {
		return nil, xerrors.Wrap(err, "decode embedded samples")
	}
	return m, nil
}

func builtinProducts() map[string]string {
	return map[string]string{
		"prod_Sc1cAYaPVIFRnm": "egypt_pack",
		"prod_Sc1cJRaC4oR6kR": "rome_pack",
		"prod_Sc1cheDu2aPo24": "greece_pack",
		"prod_Sc1c49nwMU5uCa": "mesopotamia_pack",
		"prod_Sc1cjZLEoeLV59": "china_pack",
		"prod_ScLQ5j27CiOLtK": "india_pack",
		"prod_ScLS6NZofkzkv3": "americas_pack",
		"prod_ScLSh6yyVtIN11": "europe_pack",

		"prod_ScLSVWDcZ7gh5T": "bronze_age_pack",
		"prod_ScLSgqSFOxxnKH": "iron_age_pack",
		"prod_ScLSzGWRwaCj0F": "prehistoric_pack",

		"prod_ScLSPhinbppXHL": "multiple_choice_pack",
		"prod_ScLSsw9hXo49M7": "true_false_pack",
		"prod_ScLSXDdQ9mNlVL": "fill_blank_pack",

		"prod_ScLSJ73GbHZT1r": "easy_pack",
		"prod_ScLSgpeFtf9Pit": "medium_pack",
		"prod_ScLSskLoTVMOaW": "hard_pack",
	}
}

func pack(id, name string, cat Category, themes, tags []string, period string) Bundle {
	return Bundle{
		ID:          id,
		DisplayName: name,
		Category:    cat,
		TargetSize:  DefaultTargetSize,
		Mix:         StandardMix,
		Themes:      themes,
		Tags:        tags,
		Period:      period,
		PriceCents:  packPriceCents,
	}
}

func difficultyPack(id, name string, d Difficulty) Bundle {
	b := pack(id, name, CategoryDifficulty, nil, nil, "")
	b.Mix = PinnedMix(d)
	return b
}

func builtinBundles() []Bundle {
	return []Bundle{
		pack("egypt_pack", "Ancient Egypt", CategoryRegion,
			[]string{"Pharaohs", "Pyramids", "Religion", "Daily Life", "Art", "Politics"},
			[]string{"pyramids", "pharaohs", "nile", "hieroglyphs"}, "3100-30 BCE"),
		pack("rome_pack", "Roman Empire", CategoryRegion,
			[]string{"Empire", "Military", "Politics", "Culture", "Engineering", "Religion"},
			[]string{"empire", "emperors", "legions", "republic"}, "753 BCE-476 CE"),
		pack("greece_pack", "Ancient Greece", CategoryRegion,
			[]string{"Philosophy", "Democracy", "Art", "Olympics", "War", "Science"},
			[]string{"democracy", "philosophy", "olympics", "city-states"}, "800-146 BCE"),
		pack("mesopotamia_pack", "Mesopotamia", CategoryRegion,
			[]string{"Civilization", "Writing", "Law", "Religion", "Trade", "Technology"},
			[]string{"cuneiform", "ziggurats", "babylon", "sumerian"}, "3500-539 BCE"),
		pack("china_pack", "Ancient China", CategoryRegion,
			[]string{"Dynasties", "Philosophy", "Technology", "Art", "Politics", "Culture"},
			[]string{"dynasties", "great-wall", "silk-road", "confucius"}, "2070 BCE-220 CE"),
		pack("india_pack", "Ancient India", CategoryRegion,
			[]string{"Religion", "Philosophy", "Mathematics", "Literature", "Politics", "Trade"},
			nil, "3300-550 CE"),
		pack("americas_pack", "Ancient Americas", CategoryRegion,
			[]string{"Maya", "Aztec", "Inca", "Trade", "Architecture", "Agriculture"},
			nil, "1200 BCE-1500 CE"),
		pack("europe_pack", "Ancient Europe", CategoryRegion,
			[]string{"Celtic", "Germanic", "Nordic", "Trade", "Religion", "Warfare"},
			nil, "1000 BCE-500 CE"),

		pack("bronze_age_pack", "Bronze Age", CategoryHistoricalAge,
			[]string{"Technology", "Trade", "Warfare", "Society", "Religion", "Culture"},
			nil, "3300-1200 BCE"),
		pack("iron_age_pack", "Iron Age", CategoryHistoricalAge,
			[]string{"Technology", "Warfare", "Society", "Trade", "Culture", "Politics"},
			nil, "1200-550 BCE"),
		pack("prehistoric_pack", "Prehistoric Era", CategoryHistoricalAge,
			[]string{"Evolution", "Tools", "Art", "Society", "Agriculture", "Technology"},
			nil, "2.5M-3000 BCE"),

		pack("multiple_choice_pack", "Multiple Choice Questions", CategoryFormat, nil, nil, ""),
		pack("true_false_pack", "True/False Questions", CategoryFormat, nil, nil, ""),
		pack("fill_blank_pack", "Fill-in-the-Blank Questions", CategoryFormat, nil, nil, ""),

		difficultyPack("easy_pack", "Easy Level Questions", Easy),
		difficultyPack("medium_pack", "Medium Level Questions", Medium),
		difficultyPack("hard_pack", "Hard Level Questions", Hard),
	}
}
