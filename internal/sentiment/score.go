package sentiment

import (
	"fmt"
	"math"
	"strings"
)

// Sentiment is the dominant label of a scored document.
type Sentiment string

const (
	Positive Sentiment = "POSITIVE"
	Negative Sentiment = "NEGATIVE"
	Neutral  Sentiment = "NEUTRAL"
	Mixed    Sentiment = "MIXED"
)

// ScoreSumTolerance is how far the four class scores may drift from 1.0.
const ScoreSumTolerance = 0.02

// ParseSentiment accepts any casing of the four labels.
func ParseSentiment(s string) (Sentiment, error) {
	switch v := Sentiment(strings.ToUpper(strings.TrimSpace(s))); v {
	case Positive, Negative, Neutral, Mixed:
		return v, nil
	default:
		return "", fmt.Errorf("unknown sentiment %q", s)
	}
}

// Scores are per-class probabilities. Backends emit them with capitalised keys.
type Scores struct {
	Positive float64 `json:"Positive"`
	Negative float64 `json:"Negative"`
	Neutral  float64 `json:"Neutral"`
	Mixed    float64 `json:"Mixed"`
}

// Validate checks the range of every class and that they sum to one.
func (s Scores) Validate() error {
	classes := [...]struct {
		name string
		v    float64
	}{
		{"positive", s.Positive},
		{"negative", s.Negative},
		{"neutral", s.Neutral},
		{"mixed", s.Mixed},
	}
	for _, c := range classes {
		if math.IsNaN(c.v) || c.v < 0 || c.v > 1 {
			return fmt.Errorf("score %s out of range: %v", c.name, c.v)
		}
	}
	sum := s.Positive + s.Negative + s.Neutral + s.Mixed
	if math.Abs(sum-1) > ScoreSumTolerance {
		return fmt.Errorf("scores sum to %.4f", sum)
	}
	return nil
}

// ScoreResult is the outcome for one document of one job.
// (DocumentID, JobID) identifies it in the sink.
type ScoreResult struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Sentiment  Sentiment `json:"sentiment"`
	Scores     Scores    `json:"scores"`
}

// NewScoreResult validates label and scores before building a result.
func NewScoreResult(jobID, documentID, label string, scores Scores) (ScoreResult, error) {
	s, err := ParseSentiment(label)
	if err != nil {
		return ScoreResult{}, err
	}
	if err := scores.Validate(); err != nil {
		return ScoreResult{}, err
	}
	return ScoreResult{
		JobID:      jobID,
		DocumentID: documentID,
		Sentiment:  s,
		Scores:     scores,
	}, nil
}
