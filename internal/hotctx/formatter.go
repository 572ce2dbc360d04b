package hotctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/callidora/calli/pkg/memory"
	"github.com/callidora/calli/pkg/types"
)

// NoReferenceMarker is rendered in the knowledge section when retrieval found
// nothing, so the section header is never emitted without a body.
const NoReferenceMarker = "No reference available."

// DefaultPersonaText is the instruction block every model call starts with
// unless the configuration provides its own.
const DefaultPersonaText = `You are Calli, the Callidora Cove Concierge in Second Life.

PERSONA & TONE
- Warm, friendly, professional and human.
- You help with Callidora Designs, Callidora Cove and their rentals, services,
  pre-mades, catering and collections, as well as general Second Life and
  real-world questions.

KNOWLEDGE POLICY
- For Callidora-specific questions the knowledge section below is the single
  source of truth. If a detail is not there, say you don't have that
  information instead of guessing.
- For general Second Life and real-world questions you may use your full
  general knowledge.
- Pre-made build categories (Elite, Gold, Silver, Bronze, Commercial,
  Holiday / Event Venues) and Callidora Catering bundles are different
  things. Never mix them up.

STYLE
- Use bullet points and short paragraphs.
- Include website links from the knowledge section when helpful.`

// Persona configures the fixed instructions placed ahead of every prompt.
// The zero value falls back to the Calli defaults.
type Persona struct {
	// Text is the persona instruction block.
	Text string

	// AssistantName is used in the greeting rule.
	AssistantName string

	// DefaultGuestName is used when the guest's name is unknown.
	DefaultGuestName string

	// Timezone is the guest-facing local time zone. Nil means UTC.
	Timezone *time.Location

	// TimezoneLabel names the local time zone in the prompt, e.g. "SLT".
	TimezoneLabel string
}

func (p Persona) withDefaults() Persona {
	if strings.TrimSpace(p.Text) == "" {
		p.Text = DefaultPersonaText
	}
	if p.AssistantName == "" {
		p.AssistantName = "Calli"
	}
	if p.DefaultGuestName == "" {
		p.DefaultGuestName = "Resident"
	}
	if p.Timezone == nil {
		p.Timezone = time.UTC
	}
	if p.TimezoneLabel == "" {
		p.TimezoneLabel = p.Timezone.String()
	}
	return p
}

// BuildMessages renders hctx into the ordered message list for a model call:
// persona, context blocks, the conversation tail and finally userMessage.
// System messages always precede the conversation and the new user message is
// always last. A nil hctx renders with empty context.
//
// BuildMessages is pure and safe for concurrent use.
func BuildMessages(hctx *HotContext, persona Persona, userMessage string) []types.Message {
	if hctx == nil {
		hctx = &HotContext{IsFirstMessage: true}
	}
	persona = persona.withDefaults()

	now := hctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	name := strings.TrimSpace(hctx.GuestName)
	if name == "" {
		name = persona.DefaultGuestName
	}

	msgs := make([]types.Message, 0, len(hctx.History)+8)
	system := func(content string) {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: content})
	}

	system(strings.TrimSpace(persona.Text))
	system(greetingRule(persona.AssistantName, name, hctx.IsFirstMessage))
	system(timeBlock(now, persona.Timezone, persona.TimezoneLabel))
	system(memory.Summary(hctx.Profile))
	system(knowledgeSection(hctx.StaticKnowledge, hctx.Knowledge))
	if len(hctx.URLResults) > 0 {
		system(urlSection(hctx.URLResults))
	}

	for _, t := range hctx.History {
		if t.Role != types.RoleUser && t.Role != types.RoleAssistant {
			continue
		}
		msgs = append(msgs, types.Message{Role: t.Role, Content: t.Content})
	}

	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: userMessage})
	return msgs
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func greetingRule(assistant, guest string, first bool) string {
	var sb strings.Builder
	sb.WriteString("GREETING RULES\n")
	if first {
		fmt.Fprintf(&sb, "- This is the first message of the conversation. Greet the guest by name once, e.g. \"Hi %s, I'm %s...\"\n", guest, assistant)
	} else {
		sb.WriteString("- This is not the first message. Do not re-introduce yourself.\n")
		fmt.Fprintf(&sb, "- Do not open with \"Hello %s\" every time. Just continue the conversation naturally.\n", guest)
	}
	fmt.Fprintf(&sb, "- Use the guest's name \"%s\" sometimes, not in every sentence.", guest)
	return sb.String()
}

func timeBlock(now time.Time, loc *time.Location, label string) string {
	local := now.In(loc)
	return fmt.Sprintf("TIME & DATE\n"+
		"- Current real-world UTC time: %s\n"+
		"- %s = %s timezone.\n"+
		"- Right now, %s is approximately: %s\n"+
		"- If asked what time it is in %s, answer with this time and date.",
		now.UTC().Format(time.RFC3339),
		label, loc.String(),
		label, local.Format("Monday, January 2, 2006 3:04 PM"),
		label,
	)
}

func knowledgeSection(static, snippets string) string {
	var sb strings.Builder
	sb.WriteString("KNOWLEDGE\n")
	if s := strings.TrimSpace(static); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Website references:\n")
	if s := strings.TrimSpace(snippets); s != "" {
		sb.WriteString(s)
	} else {
		sb.WriteString(NoReferenceMarker)
	}
	return sb.String()
}

func urlSection(results []URLResult) string {
	var sb strings.Builder
	sb.WriteString("PAGES THE GUEST MENTIONED")
	for _, r := range results {
		sb.WriteString("\n\n")
		if r.Err != "" {
			fmt.Fprintf(&sb, "Source: %s\n(could not be fetched: %s)", r.URL, r.Err)
			continue
		}
		fmt.Fprintf(&sb, "Source: %s\n%s", r.URL, strings.TrimSpace(r.Document.Content))
	}
	return sb.String()
}
