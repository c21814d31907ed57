package dataset

import (
	"math"

	"qci-scorer-go/internal/types"
)

// Stats describes how a batch of raw records fared in normalization.
type Stats struct {
	Total               int            `json:"total"`
	Valid               int            `json:"valid"`
	Invalid             int            `json:"invalid"`
	ValidationRate      float64        `json:"validation_rate"`
	AvgDuration         float64        `json:"avg_duration_seconds"`
	AvgTranscriptLength float64        `json:"avg_transcript_length"`
	AvgTurns            float64        `json:"avg_turns"`
	InvalidReasons      map[string]int `json:"invalid_reasons"`
}

// Summarize computes parsing stats over normalized calls. Averages cover
// valid calls only and are rounded to whole units.
func Summarize(calls []types.NormalizedCall) Stats {
	s := Stats{Total: len(calls), InvalidReasons: map[string]int{}}
	var dur, chars, turns float64
	for _, c := range calls {
		if !c.IsValid {
			s.Invalid++
			for _, r := range c.InvalidReasons {
				s.InvalidReasons[r]++
			}
			continue
		}
		s.Valid++
		dur += c.DurationSeconds
		chars += float64(len(c.Transcript))
		turns += float64(len(c.Turns))
	}
	if s.Total > 0 {
		s.ValidationRate = float64(s.Valid) / float64(s.Total)
	}
	if s.Valid > 0 {
		n := float64(s.Valid)
		s.AvgDuration = math.Round(dur / n)
		s.AvgTranscriptLength = math.Round(chars / n)
		s.AvgTurns = math.Round(turns / n)
	}
	return s
}
