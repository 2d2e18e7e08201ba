package scoring

// Band is the coarse priority label shown next to a score.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// HighPriorityThreshold is the first score counted as high priority.
const HighPriorityThreshold = 50

const mediumPriorityThreshold = 30

// BandFor maps a total score to its band.
func BandFor(total int) Band {
	switch {
	case total >= HighPriorityThreshold:
		return BandHigh
	case total >= mediumPriorityThreshold:
		return BandMedium
	default:
		return BandLow
	}
}
