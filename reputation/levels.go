package reputation

// levelThresholds[i] is the minimum LevelPoints for level i+1.
var levelThresholds = [10]int64{0, 500, 1_500, 3_000, 5_000, 8_000, 12_000, 17_000, 23_000, 30_000}

const (
	MinLevel = 1
	MaxLevel = len(levelThresholds)
)

// LevelFor returns the highest level whose threshold is <= points. It is a
// pure function of points: negative balances sit at level 1, and losing
// points can lower the level.
func LevelFor(points int64) int {
	level := MinLevel
	for i, threshold := range levelThresholds {
		if points >= threshold {
			level = i + 1
		}
	}
	return level
}

// Threshold returns the minimum points for level, clamped to [1, 10].
func Threshold(level int) int64 {
	level = max(MinLevel, min(level, MaxLevel))
	return levelThresholds[level-1]
}
