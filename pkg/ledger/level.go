package ledger

import "math"

// Level is a challenge tier a member reaches by collecting points.
type Level struct {
	Number int
	Min    int
	Max    int
}

var levels = []Level{
	{Number: 1, Min: 0, Max: 4},
	{Number: 2, Min: 5, Max: 11},
	{Number: 3, Min: 12, Max: 19},
	{Number: 4, Min: 20, Max: 29},
	{Number: 5, Min: 30, Max: math.MaxInt},
}

// LevelFor returns the tier for a point total. Negative totals, which a
// reversal can produce, fall back to level 1.
func LevelFor(points int) Level {
	for _, lv := range levels {
		if points >= lv.Min && points <= lv.Max {
			return lv
		}
	}
	return levels[0]
}

// NextLevelAt returns the points needed to reach the next tier and false when
// the member is already at the top.
func NextLevelAt(points int) (int, bool) {
	lv := LevelFor(points)
	if lv.Max == math.MaxInt {
		return 0, false
	}
	return lv.Max + 1, true
}
