package session

import (
	"fmt"
	"strings"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// personaSystemPrompt instructs the LLM to play the caller
func personaSystemPrompt(p *models.Persona, goals []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a customer on a phone call with a company's voice assistant.\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "About you: %s\n", p.Description)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Your traits: %s\n", strings.Join(p.Traits, ", "))
	}
	if p.BehaviorPrompt != "" {
		b.WriteString("\n")
		b.WriteString(p.BehaviorPrompt)
		b.WriteString("\n")
	}
	if len(goals) > 0 {
		fmt.Fprintf(&b, "\nThe assistant may try to get you to: %s. React the way your character would.\n", strings.Join(goals, "; "))
	}
	b.WriteString("\nSpeak naturally, one or two short sentences per reply, as if talking out loud. ")
	b.WriteString("Never describe actions or use formatting. When your issue is resolved or you want to hang up, say goodbye.")
	return b.String()
}

// personaHistory maps the transcript onto chat roles from the persona's side:
// the agent is the user and the persona is the assistant.
func personaHistory(turns []models.TranscriptTurn) []ports.ChatMessage {
	history := make([]ports.ChatMessage, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == models.TurnRolePersona {
			role = "assistant"
		}
		history = append(history, ports.ChatMessage{Role: role, Content: t.Text})
	}
	return history
}
