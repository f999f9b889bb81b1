package orchestrator

import (
	"strings"

	"roundtable/internal/conversation"
)

// Selector picks the index of the participant who speaks on turn (zero
// based). It must return a value in [0, len(participants)).
type Selector func(history []conversation.Message, participants []Participant, turn int) int

// RoundRobin cycles through participants in order.
func RoundRobin(_ []conversation.Message, participants []Participant, turn int) int {
	return turn % len(participants)
}

// Addressed gives the floor to the participant mentioned as @id in the last
// message, unless that participant wrote it. Without a mention it falls
// back to round robin.
func Addressed(history []conversation.Message, participants []Participant, turn int) int {
	if n := len(history); n > 0 {
		last := history[n-1]
		text := strings.ToLower(last.Content)
		best, bestPos := -1, -1
		for i, p := range participants {
			if p.ID == last.Author {
				continue
			}
			pos := strings.LastIndex(text, "@"+strings.ToLower(p.ID))
			if pos > bestPos {
				best, bestPos = i, pos
			}
		}
		if best >= 0 {
			return best
		}
	}
	return RoundRobin(history, participants, turn)
}

// SelectorByName resolves a configured turn policy.
func SelectorByName(name string) (Selector, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round_robin", "round-robin":
		return RoundRobin, true
	case "addressed", "mention":
		return Addressed, true
	}
	return nil, false
}
