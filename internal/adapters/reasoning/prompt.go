package reasoning

import (
	"fmt"
	"strings"

	"github.com/dkeye/Lounge/internal/core"
)

const systemPrompt = "You moderate a group chat and decide which characters reply. Answer with JSON only."

// BuildPrompt renders the topic, the bot roster and the conversation history.
func BuildPrompt(p core.Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", p.Topic)

	b.WriteString("Available bots:\n")
	for _, bot := range p.Bots {
		persona := bot.Persona
		if persona == "" {
			persona = "participant"
		}
		fmt.Fprintf(&b, "- %s (ID: %s, Role: %s)\n", bot.DisplayName, bot.ID, persona)
	}

	b.WriteString("\nConversation:\n")
	for _, m := range p.History {
		body := m.Body
		if body == "" && m.AttachmentRef != "" {
			body = "[" + string(m.Kind) + "]"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.SenderName, body)
	}

	fmt.Fprintf(&b, `
Rules:
1. Not everyone replies to every message. Reply only when it suits the character.
2. Replies are short, natural and in character. Address %s when it fits.
3. If nobody should reply, return an empty list.

Output a JSON array:
[ { "botId": "bot_id", "message": "reply text" } ]
`, p.SenderName)
	return b.String()
}
