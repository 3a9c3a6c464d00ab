package correlate

import (
	"math"
	"regexp"
	"strings"

	"workweave/api/internal/sources"
)

const (
	// AttachmentConfidence is reserved for links recorded by the tracker.
	AttachmentConfidence = 1.0
	// HeuristicCap bounds every search-derived score.
	HeuristicCap   = 0.95
	BaseConfidence = 0.5
)

// Candidate is a pull request considered for an issue identifier. Signals
// read it and never modify it.
type Candidate struct {
	Identifier string
	PR         sources.PullRequest
}

// Signal contributes an additive bonus to a candidate's score.
type Signal struct {
	Name  string
	Score func(Candidate) float64
}

// DefaultSignals are the title, body and branch rules.
func DefaultSignals() []Signal {
	return []Signal{TitleSignal, BodySignal, BranchSignal}
}

var TitleSignal = Signal{
	Name: "title",
	Score: func(c Candidate) float64 {
		if c.Identifier != "" && strings.Contains(c.PR.Title, c.Identifier) {
			return 0.3
		}
		return 0
	},
}

// BodySignal prefers a closing keyword over a bare mention.
var BodySignal = Signal{
	Name: "body",
	Score: func(c Candidate) float64 {
		if c.Identifier == "" {
			return 0
		}
		if closingPattern(c.Identifier).MatchString(c.PR.Body) {
			return 0.2
		}
		if strings.Contains(strings.ToLower(c.PR.Body), strings.ToLower(c.Identifier)) {
			return 0.1
		}
		return 0
	},
}

var BranchSignal = Signal{
	Name: "branch",
	Score: func(c Candidate) float64 {
		if c.Identifier != "" && strings.Contains(strings.ToLower(c.PR.BranchName), strings.ToLower(c.Identifier)) {
			return 0.1
		}
		return 0
	},
}

func closingPattern(identifier string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:fix(?:es|ed)?|close[sd]?|resolve[sd]?)\s*:?\s+` + regexp.QuoteMeta(identifier) + `\b`)
}

// Score is BaseConfidence plus every signal, clamped to HeuristicCap and
// rounded to two decimals.
func Score(c Candidate, signals []Signal) float64 {
	score := BaseConfidence
	for _, signal := range signals {
		score += signal.Score(c)
	}
	if score > HeuristicCap {
		score = HeuristicCap
	}
	return math.Round(score*100) / 100
}
