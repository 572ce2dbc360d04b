package llm

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoText is returned when a provider response carries no usable text in
// any of the known envelope shapes.
var ErrNoText = errors.New("llm: no text in response")

// envelope is one known response shape. text returns the populated text field
// of that shape, or "" when the response does not match.
type envelope struct {
	name string
	text func(root gjson.Result) string
}

// envelopes lists the supported response shapes in priority order. The first
// one yielding non-blank text wins.
var envelopes = []envelope{
	// Responses API convenience aggregate.
	{name: "output_text", text: func(root gjson.Result) string {
		return root.Get("output_text").String()
	}},
	// Responses API: output[*].content[*].text, first populated item.
	{name: "output", text: func(root gjson.Result) string {
		var out string
		root.Get("output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text").String(); strings.TrimSpace(t) != "" {
					out = t
					return false
				}
				return true
			})
			return out == ""
		})
		return out
	}},
	// Chat completions.
	{name: "choices.message", text: func(root gjson.Result) string {
		return root.Get("choices.0.message.content").String()
	}},
	// Legacy completions.
	{name: "choices.text", text: func(root gjson.Result) string {
		return root.Get("choices.0.text").String()
	}},
	// Ollama chat.
	{name: "message", text: func(root gjson.Result) string {
		return root.Get("message.content").String()
	}},
	// Anthropic messages.
	{name: "content", text: func(root gjson.Result) string {
		return root.Get("content.0.text").String()
	}},
}

// ExtractText selects the reply text from a raw provider response. It treats
// the body as a tagged union of the known envelopes and returns the text of
// the first populated one together with the envelope name.
//
// Returns [ErrNoText] when raw is not valid JSON or no envelope carries text.
func ExtractText(raw []byte) (text string, shape string, err error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return "", "", ErrNoText
	}
	root := gjson.ParseBytes(raw)
	for _, env := range envelopes {
		if t := env.text(root); strings.TrimSpace(t) != "" {
			return t, env.name, nil
		}
	}
	return "", "", ErrNoText
}
