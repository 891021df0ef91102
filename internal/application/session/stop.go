package session

import (
	"strings"
	"unicode"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// DefaultGoodbyePhrases end a call when the agent says one of them
var DefaultGoodbyePhrases = []string{
	"goodbye",
	"good bye",
	"bye",
	"have a great day",
	"have a nice day",
	"have a good day",
	"take care",
	"talk to you later",
	"thanks for calling",
	"thank you for calling",
}

// normalize lowercases text and turns punctuation into single spaces
func normalize(text string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// matchesGoodbye reports whether utterance contains any phrase on word boundaries
func matchesGoodbye(utterance string, phrases []string) bool {
	text := " " + normalize(utterance) + " "
	if text == "  " {
		return false
	}
	for _, p := range phrases {
		np := normalize(p)
		if np == "" {
			continue
		}
		if strings.Contains(text, " "+np+" ") {
			return true
		}
	}
	return false
}

// scoreAccuracy is the percentage of persona turns the agent answered.
// When the call was closed by a stop condition right after a persona turn,
// that closing line is not expected to be answered.
func scoreAccuracy(turns []models.TranscriptTurn, closingTurnExempt bool) *float64 {
	var expected, answered int
	for i, t := range turns {
		if t.Role != models.TurnRolePersona {
			continue
		}
		if answeredAt(turns, i) {
			answered++
			expected++
			continue
		}
		if closingTurnExempt && isLastPersonaTurn(turns, i) {
			continue
		}
		expected++
	}
	if expected == 0 {
		return nil
	}
	return models.Float(float64(answered) / float64(expected) * 100)
}

func answeredAt(turns []models.TranscriptTurn, i int) bool {
	for _, t := range turns[i+1:] {
		if t.Role == models.TurnRolePersona {
			return false
		}
		if t.Role == models.TurnRoleAgent && strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}

func isLastPersonaTurn(turns []models.TranscriptTurn, i int) bool {
	for _, t := range turns[i+1:] {
		if t.Role == models.TurnRolePersona {
			return false
		}
	}
	return true
}

// meanLatency averages measured agent response latencies, nil when none were measured
func meanLatency(turns []models.TranscriptTurn) *float64 {
	var sum float64
	var n int
	for _, t := range turns {
		if t.Role == models.TurnRoleAgent && t.LatencyMs != nil {
			sum += *t.LatencyMs
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return models.Float(sum / float64(n))
}
