package services

// XPPerLevel is the flat level size used by the XP bar.
const XPPerLevel = 100

// RankThresholds: minimum level for each rank, lowest first.
var RankThresholds = []struct {
	MinLevel int64
	Name     string
}{
	{0, "Bronze"},
	{10, "Silver"},
	{25, "Gold"},
	{50, "Platinum"},
	{100, "Diamond"},
}

// Progress is the level view of a user's XP.
type Progress struct {
	Level       int64  `json:"level"`
	Rank        string `json:"rank"`
	IntoLevel   int64  `json:"into_level"`
	ToNextLevel int64  `json:"to_next_level"`
}

// LevelFor returns floor(xp / XPPerLevel); negative XP counts as zero.
func LevelFor(xp int64) int64 {
	if xp < 0 {
		return 0
	}
	return xp / XPPerLevel
}

func determineRank(level int64) string {
	rank := RankThresholds[0].Name
	for _, t := range RankThresholds {
		if level >= t.MinLevel {
			rank = t.Name
		}
	}
	return rank
}

func ProgressFor(xp int64) Progress {
	if xp < 0 {
		xp = 0
	}
	level := LevelFor(xp)
	into := xp % XPPerLevel
	return Progress{
		Level:       level,
		Rank:        determineRank(level),
		IntoLevel:   into,
		ToNextLevel: XPPerLevel - into,
	}
}
